package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config carries client construction parameters.
type Config struct {
	// URL of the rendezvous server. A bare host is rewritten to
	// wss://<host>/signaling; zk:// and zks:// schemes are converted to
	// their websocket equivalents.
	URL    string
	PeerID string
	Logger *slog.Logger
}

// Client holds one websocket connection to a rendezvous server.
//
// Request correlation is pull based: every request method runs its own
// receive loop until its response arrives. Concurrent outstanding requests
// on one client are therefore unsupported; callers must serialize.
type Client struct {
	conn   *websocket.Conn
	peerID string
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
}

// Connect opens the websocket connection and performs the handshake.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wsURL := NormalizeURL(cfg.URL)
	logger.Info("Connecting to signaling server", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: websocket dial %s: %v", ErrConnectionFailed, wsURL, err)
	}

	logger.Info("Connected to signaling server")

	return &Client{
		conn:      conn,
		peerID:    cfg.PeerID,
		logger:    logger,
		connected: true,
	}, nil
}

// PeerID returns the identity this client announces to the server.
func (c *Client) PeerID() string {
	return c.peerID
}

// IsConnected reports whether the connection is still believed open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// JoinRoom announces this peer to a room. The public key is left empty at
// this layer; a caller that owns key material fills it in.
func (c *Client) JoinRoom(ctx context.Context, roomID string, caps PeerCapabilities) error {
	info := &PeerInfo{
		PeerID:       c.peerID,
		PublicKey:    []byte{},
		Capabilities: caps,
		LastSeen:     time.Now().Unix(),
		Addresses:    []string{},
	}

	if err := c.send(&Message{Type: TypeJoin, RoomID: roomID, PeerInfo: info}); err != nil {
		return err
	}
	c.logger.Debug("Joined room", "room", roomID)
	return nil
}

// DiscoverPeers asks the server for the peers currently in a room.
func (c *Client) DiscoverPeers(ctx context.Context, roomID string) ([]PeerInfo, error) {
	if err := c.send(&Message{Type: TypeDiscover, RoomID: roomID}); err != nil {
		return nil, err
	}

	resp, err := c.receive(ctx)
	if err != nil {
		return nil, err
	}

	switch resp.Type {
	case TypePeers:
		c.logger.Debug("Discovered peers", "room", roomID, "count", len(resp.Peers))
		return resp.Peers, nil
	case TypeError:
		return nil, &ServerError{Code: resp.Code, Message: resp.Message}
	default:
		return nil, fmt.Errorf("%w: expected Peers, got %s", ErrUnexpectedMessage, resp.Type)
	}
}

// GetSwarmEntropy requests 32 bytes of swarm-sourced entropy. The response
// is matched to the request by id, not by arrival order.
func (c *Client) GetSwarmEntropy(ctx context.Context, roomID string) ([32]byte, error) {
	var entropy [32]byte

	requestID := uuid.NewString()
	if err := c.send(&Message{Type: TypeEntropyRequest, RoomID: roomID, RequestID: requestID}); err != nil {
		return entropy, err
	}

	resp, err := c.receive(ctx)
	if err != nil {
		return entropy, err
	}

	switch resp.Type {
	case TypeEntropyResponse:
		if resp.RequestID != requestID {
			return entropy, fmt.Errorf("%w: entropy response for request %s, want %s",
				ErrUnexpectedMessage, resp.RequestID, requestID)
		}
		if len(resp.Entropy) != len(entropy) {
			return entropy, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidEntropy, len(resp.Entropy), len(entropy))
		}
		copy(entropy[:], resp.Entropy)
		return entropy, nil
	case TypeError:
		return entropy, &ServerError{Code: resp.Code, Message: resp.Message}
	default:
		return entropy, fmt.Errorf("%w: expected EntropyResponse, got %s", ErrUnexpectedMessage, resp.Type)
	}
}

// LeaveRoom withdraws this peer from a room.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	if err := c.send(&Message{Type: TypeLeave, RoomID: roomID}); err != nil {
		return err
	}
	c.logger.Debug("Left room", "room", roomID)
	return nil
}

// Close sends a close frame and tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("%w: close frame: %v", ErrSendFailed, err)
	}
	return c.conn.Close()
}

func (c *Client) send(msg *Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSerializationFailed, msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrConnectionClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSendFailed, msg.Type, err)
	}
	return nil
}

// receive blocks until the next text frame decodes, skipping binary frames.
// A context deadline bounds the wait; cancellation interrupts a blocked read
// by expiring the read deadline.
func (c *Client) receive(ctx context.Context) (*Message, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %v", ErrReceiveFailed, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReceiveFailed, err)
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrReceiveFailed, ctxErr)
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.mu.Lock()
				c.connected = false
				c.mu.Unlock()
				return nil, ErrConnectionClosed
			}
			return nil, fmt.Errorf("%w: %v", ErrReceiveFailed, err)
		}

		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserializationFailed, err)
		}
		return msg, nil
	}
}

// NormalizeURL rewrites an address into websocket form. Addresses without a
// scheme default to the secure scheme with the fixed signaling path.
func NormalizeURL(url string) string {
	switch {
	case strings.HasPrefix(url, "ws://"), strings.HasPrefix(url, "wss://"):
		return url
	case strings.HasPrefix(url, "zk://"):
		return "ws://" + strings.TrimPrefix(url, "zk://")
	case strings.HasPrefix(url, "zks://"):
		return "wss://" + strings.TrimPrefix(url, "zks://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	default:
		return "wss://" + strings.TrimSuffix(url, "/") + "/signaling"
	}
}
