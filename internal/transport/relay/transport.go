// Package relay implements the circuit transport for sandboxed environments
// that cannot open raw sockets: one websocket control connection to a relay,
// circuits built and torn down by tagged text frames, payloads forwarded
// opaquely by circuit identifier.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rudransh-shrivastava/swarmnet/internal/onion"
	"github.com/rudransh-shrivastava/swarmnet/internal/transport"
)

const inboundQueueSize = 64

// Transport speaks the circuit-oriented relay protocol over one websocket
// connection. Inbound payloads are demultiplexed into a bounded queue per
// circuit. Connection loss clears all circuit state; a capped number of
// reconnection attempts is scheduled at a fixed delay.
type Transport struct {
	config Config
	logger *slog.Logger

	mu                sync.Mutex
	conn              *websocket.Conn
	state             transport.State
	circuits          map[string]*transport.Circuit
	inbound           map[string]chan []byte
	reconnectAttempts int
	closed            bool
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		config:   cfg,
		logger:   cfg.Logger,
		state:    transport.StateDisconnected,
		circuits: make(map[string]*transport.Circuit),
		inbound:  make(map[string]chan []byte),
	}
}

// Connect dials the relay and starts the read loop.
func (t *Transport) Connect(ctx context.Context) error {
	wsURL := normalizeRelayURL(t.config.RelayURL)
	t.logger.Info("Connecting to onion relay", "url", wsURL)

	t.mu.Lock()
	t.state = transport.StateConnecting
	t.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		t.mu.Lock()
		t.state = transport.StateError
		t.mu.Unlock()
		return fmt.Errorf("relay dial %s: %w", wsURL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.state = transport.StateConnected
	t.reconnectAttempts = 0
	t.mu.Unlock()

	go t.readLoop(conn)

	t.logger.Info("Connected to onion relay")
	return nil
}

// BuildCircuit registers a circuit locally with an empty key set, then asks
// the relay to build it. The returned identifier is the caller's only handle.
func (t *Transport) BuildCircuit(ctx context.Context, hops []transport.Hop) (string, error) {
	if len(hops) == 0 {
		return "", fmt.Errorf("%w: circuit needs at least one hop", transport.ErrBadHopDescriptor)
	}
	if len(hops) > t.config.MaxCircuitHops {
		return "", fmt.Errorf("circuit of %d hops exceeds limit %d", len(hops), t.config.MaxCircuitHops)
	}

	circuitID := "circuit_" + uuid.NewString()
	circuit := &transport.Circuit{ID: circuitID, Hops: hops}

	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return "", transport.ErrNotConnected
	}
	t.circuits[circuitID] = circuit
	t.inbound[circuitID] = make(chan []byte, inboundQueueSize)
	t.mu.Unlock()

	err := t.send(&transport.CircuitMessage{Type: transport.CircuitBuild, CircuitID: circuitID, Hops: hops})
	if err != nil {
		t.mu.Lock()
		delete(t.circuits, circuitID)
		delete(t.inbound, circuitID)
		t.mu.Unlock()
		return "", err
	}

	t.logger.Debug("Requested circuit build", "circuit", circuitID, "hops", len(hops))
	return circuitID, nil
}

// BuildCircuitFromDescriptors parses external hop descriptor strings and
// builds a circuit. Malformed descriptors fail before any network I/O.
func (t *Transport) BuildCircuitFromDescriptors(ctx context.Context, descriptors []string) (string, error) {
	hops, err := transport.ParseHopDescriptors(descriptors)
	if err != nil {
		return "", err
	}
	return t.BuildCircuit(ctx, hops)
}

// SetCircuitKeys installs the per-hop encryption keys for a circuit. The
// keys come from an external key agreement; once every hop has one, payloads
// are sealed and opened in layers.
func (t *Transport) SetCircuitKeys(circuitID string, keys [][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	circuit, ok := t.circuits[circuitID]
	if !ok {
		return transport.ErrCircuitNotFound
	}
	if len(keys) > len(circuit.Hops) {
		return fmt.Errorf("%d keys for %d hops", len(keys), len(circuit.Hops))
	}
	circuit.EncryptionKeys = keys
	return nil
}

// SendThroughCircuit forwards data down a circuit, sealing it in per-hop
// layers when the circuit's key set is complete.
func (t *Transport) SendThroughCircuit(ctx context.Context, circuitID string, data []byte) error {
	t.mu.Lock()
	circuit, ok := t.circuits[circuitID]
	if !ok {
		t.mu.Unlock()
		return transport.ErrCircuitNotFound
	}
	established := circuit.Established()
	keys := circuit.EncryptionKeys
	t.mu.Unlock()

	payload := data
	if established {
		var err error
		payload, err = onion.Seal(data, keys)
		if err != nil {
			return fmt.Errorf("seal payload for %s: %w", circuitID, err)
		}
	}

	return t.send(&transport.CircuitMessage{Type: transport.CircuitForwardData, CircuitID: circuitID, Data: payload})
}

// ReceiveFromCircuit pops the next payload queued for the circuit, waiting
// up to the context deadline or the configured circuit timeout.
func (t *Transport) ReceiveFromCircuit(ctx context.Context, circuitID string) ([]byte, error) {
	t.mu.Lock()
	ch, ok := t.inbound[circuitID]
	if !ok {
		t.mu.Unlock()
		return nil, transport.ErrCircuitNotFound
	}
	var keys [][]byte
	if circuit, ok := t.circuits[circuitID]; ok && circuit.Established() {
		keys = circuit.EncryptionKeys
	}
	t.mu.Unlock()

	timeout := time.NewTimer(t.config.CircuitTimeout)
	defer timeout.Stop()

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, transport.ErrCircuitNotFound
		}
		if keys != nil {
			plaintext, err := onion.Open(data, keys)
			if err != nil {
				return nil, fmt.Errorf("open payload from %s: %w", circuitID, err)
			}
			return plaintext, nil
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, fmt.Errorf("receive from %s: timed out after %s", circuitID, t.config.CircuitTimeout)
	}
}

// TeardownCircuit removes the circuit locally and notifies the relay.
// Tearing down twice reports ErrCircuitNotFound on the second call.
func (t *Transport) TeardownCircuit(ctx context.Context, circuitID string) error {
	t.mu.Lock()
	if _, ok := t.circuits[circuitID]; !ok {
		t.mu.Unlock()
		return transport.ErrCircuitNotFound
	}
	delete(t.circuits, circuitID)
	if ch, ok := t.inbound[circuitID]; ok {
		close(ch)
		delete(t.inbound, circuitID)
	}
	connected := t.conn != nil
	t.mu.Unlock()

	t.logger.Debug("Tearing down circuit", "circuit", circuitID)

	if !connected {
		return nil
	}
	return t.send(&transport.CircuitMessage{Type: transport.CircuitTearDown, CircuitID: circuitID})
}

// State reports the socket lifecycle state.
func (t *Transport) State() transport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected reports whether the control connection is up.
func (t *Transport) IsConnected() bool {
	return t.State() == transport.StateConnected
}

// PendingMessages reports how many payloads are queued for a circuit.
func (t *Transport) PendingMessages(circuitID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inbound[circuitID])
}

// ReconnectAttempts reports how many reconnection attempts have been made
// since the last successful connection.
func (t *Transport) ReconnectAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnectAttempts
}

// Close shuts the connection down for good; no reconnection is scheduled.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.state = transport.StateDisconnected
	t.clearLocked()
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

func (t *Transport) send(msg *transport.CircuitMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return transport.ErrNotConnected
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := transport.UnmarshalCircuitMessage(data)
		if err != nil {
			t.logger.Warn("Failed to parse relay message", "error", err)
			continue
		}
		t.handleMessage(msg)
	}
}

func (t *Transport) handleMessage(msg *transport.CircuitMessage) {
	switch msg.Type {
	case transport.CircuitDataReceived:
		t.mu.Lock()
		ch, ok := t.inbound[msg.CircuitID]
		t.mu.Unlock()
		if !ok {
			t.logger.Warn("Payload for unknown circuit", "circuit", msg.CircuitID)
			return
		}
		select {
		case ch <- msg.Data:
		default:
			t.logger.Warn("Inbound queue full, dropping payload", "circuit", msg.CircuitID)
		}

	case transport.CircuitBuilt:
		t.logger.Debug("Circuit built", "circuit", msg.CircuitID)

	case transport.CircuitTornDown:
		t.mu.Lock()
		delete(t.circuits, msg.CircuitID)
		if ch, ok := t.inbound[msg.CircuitID]; ok {
			close(ch)
			delete(t.inbound, msg.CircuitID)
		}
		t.mu.Unlock()
		t.logger.Debug("Circuit torn down by relay", "circuit", msg.CircuitID)

	case transport.CircuitError:
		t.logger.Error("Relay error", "circuit", msg.CircuitID, "code", msg.Code, "message", msg.Message)

	default:
		// Unknown or relay-bound message kinds are logged and skipped for
		// forward compatibility.
		t.logger.Debug("Skipping unhandled relay message", "type", string(msg.Type))
	}
}

// handleDisconnect clears all circuit state and schedules a reconnection
// attempt unless the cap is reached or the transport was closed on purpose.
func (t *Transport) handleDisconnect(conn *websocket.Conn, cause error) {
	t.mu.Lock()

	if t.conn != conn {
		// A newer connection already replaced this one.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.clearLocked()

	if t.closed {
		t.state = transport.StateDisconnected
		t.mu.Unlock()
		return
	}

	t.logger.Warn("Relay connection lost", "error", cause)
	t.state = transport.StateDisconnected

	if t.reconnectAttempts >= t.config.MaxReconnectAttempts {
		t.logger.Error("Giving up on relay reconnection", "attempts", t.reconnectAttempts)
		t.mu.Unlock()
		return
	}
	t.reconnectAttempts++
	attempt := t.reconnectAttempts
	t.mu.Unlock()

	t.logger.Info("Scheduling relay reconnection",
		"attempt", attempt, "max", t.config.MaxReconnectAttempts, "delay", t.config.ReconnectDelay)
	time.AfterFunc(t.config.ReconnectDelay, t.reconnect)
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.state = transport.StateConnecting
	t.mu.Unlock()

	wsURL := normalizeRelayURL(t.config.RelayURL)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.mu.Lock()
		t.state = transport.StateDisconnected
		if t.closed || t.reconnectAttempts >= t.config.MaxReconnectAttempts {
			t.mu.Unlock()
			t.logger.Error("Relay reconnection failed, giving up", "error", err)
			return
		}
		t.reconnectAttempts++
		attempt := t.reconnectAttempts
		t.mu.Unlock()

		t.logger.Warn("Relay reconnection failed, retrying",
			"error", err, "attempt", attempt, "max", t.config.MaxReconnectAttempts)
		time.AfterFunc(t.config.ReconnectDelay, t.reconnect)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.state = transport.StateConnected
	t.reconnectAttempts = 0
	t.mu.Unlock()

	go t.readLoop(conn)
	t.logger.Info("Reconnected to onion relay")
}

// clearLocked drops every circuit and inbound queue. Caller holds t.mu.
func (t *Transport) clearLocked() {
	for id, ch := range t.inbound {
		close(ch)
		delete(t.inbound, id)
	}
	t.circuits = make(map[string]*transport.Circuit)
}
