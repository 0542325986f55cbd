// Package swarm exposes the top level control plane: one controller per
// process that joins rendezvous rooms, discovers peers and builds onion
// circuits over whichever transport the platform supports.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/swarmnet/internal/signaling"
	"github.com/rudransh-shrivastava/swarmnet/internal/transport"
	"github.com/rudransh-shrivastava/swarmnet/internal/transport/native"
	"github.com/rudransh-shrivastava/swarmnet/internal/transport/relay"
)

// DefaultCircuitRoom is where circuit hop candidates are discovered when the
// caller does not configure a room.
const DefaultCircuitRoom = "default"

// TransportFactory builds the circuit transport once the local peer id is
// known, at Connect time.
type TransportFactory func(peerID string) (transport.Transport, error)

// Config carries controller construction parameters. The zero value is
// usable; the platform probe picks the transport.
type Config struct {
	// CircuitRoom is the rendezvous room scanned for hop candidates.
	CircuitRoom string
	// RelayURL of the onion relay, used on constrained platforms.
	RelayURL string
	// ListenAddr for the native transport's listener.
	ListenAddr string
	// STUNServers for native hole punching.
	STUNServers []string
	// MaxReconnectAttempts and ReconnectDelay shape the relay transport's
	// reconnection policy; zero values keep the relay defaults.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	// TransportFactory overrides the platform-selected transport.
	TransportFactory TransportFactory
	Logger           *slog.Logger
}

// Controller is the façade over signaling and the circuit transport. The
// platform is probed once at construction and fixed for the controller's
// lifetime.
type Controller struct {
	cfg      Config
	logger   *slog.Logger
	platform transport.Platform
	caps     transport.Capabilities
	factory  TransportFactory

	mu          sync.Mutex
	client      *signaling.Client
	transport   transport.Transport
	localPeerID string
	connected   bool
}

func NewController(cfg Config) *Controller {
	if cfg.CircuitRoom == "" {
		cfg.CircuitRoom = DefaultCircuitRoom
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	platform := transport.DetectPlatform()
	caps := transport.PlatformCapabilities(platform)

	c := &Controller{
		cfg:      cfg,
		logger:   cfg.Logger,
		platform: platform,
		caps:     caps,
	}
	c.factory = cfg.TransportFactory
	if c.factory == nil {
		c.factory = c.platformFactory
	}

	cfg.Logger.Info("swarm controller created",
		"platform", platform.String(),
		"min_hops", caps.MinHops,
		"max_hops", caps.MaxHops)
	return c
}

// platformFactory selects the transport by detected capability: direct QUIC
// where raw sockets work, the websocket relay otherwise.
func (c *Controller) platformFactory(peerID string) (transport.Transport, error) {
	if c.caps.SupportsDirectP2P {
		tr, err := native.New(native.Config{
			PeerID:      peerID,
			ListenAddr:  c.cfg.ListenAddr,
			STUNServers: c.cfg.STUNServers,
		})
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
	return relay.New(relay.Config{
		RelayURL:             c.cfg.RelayURL,
		MaxCircuitHops:       c.caps.MaxHops,
		MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
		ReconnectDelay:       c.cfg.ReconnectDelay,
		Logger:               c.logger,
	}), nil
}

// Platform returns the environment class probed at construction.
func (c *Controller) Platform() transport.Platform {
	return c.platform
}

// Capabilities returns the transport bounds for the probed platform.
func (c *Controller) Capabilities() transport.Capabilities {
	return c.caps
}

func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Controller) LocalPeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localPeerID
}

// Connect opens the signaling client and starts the platform transport.
func (c *Controller) Connect(ctx context.Context, signalingURL, localPeerID string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	client, err := signaling.Connect(ctx, signaling.Config{
		URL:    signalingURL,
		PeerID: localPeerID,
		Logger: c.logger,
	})
	if err != nil {
		return &SignalingError{Op: "connect", Err: err}
	}

	tr, err := c.factory(localPeerID)
	if err != nil {
		_ = client.Close()
		return &TransportError{Op: "create", Err: err}
	}
	if err := tr.Connect(ctx); err != nil {
		_ = client.Close()
		return &TransportError{Op: "connect", Err: err}
	}

	c.mu.Lock()
	if c.connected {
		// A concurrent Connect won the race; drop this attempt's resources.
		c.mu.Unlock()
		_ = client.Close()
		_ = tr.Close()
		return nil
	}
	c.client = client
	c.transport = tr
	c.localPeerID = localPeerID
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to swarm", "peer_id", localPeerID)
	return nil
}

// Disconnect drops the signaling client and the transport.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	client := c.client
	tr := c.transport
	c.client = nil
	c.transport = nil
	c.connected = false
	c.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	if tr != nil {
		_ = tr.Close()
	}
	return nil
}

func (c *Controller) JoinRoom(ctx context.Context, roomID string, caps signaling.PeerCapabilities) error {
	client, err := c.signalingClient()
	if err != nil {
		return err
	}
	if err := client.JoinRoom(ctx, roomID, caps); err != nil {
		return &SignalingError{Op: "join room", Err: err}
	}
	return nil
}

func (c *Controller) DiscoverPeers(ctx context.Context, roomID string) ([]signaling.PeerInfo, error) {
	client, err := c.signalingClient()
	if err != nil {
		return nil, err
	}
	peers, err := client.DiscoverPeers(ctx, roomID)
	if err != nil {
		return nil, &SignalingError{Op: "discover peers", Err: err}
	}
	return peers, nil
}

func (c *Controller) GetSwarmEntropy(ctx context.Context, roomID string) ([32]byte, error) {
	client, err := c.signalingClient()
	if err != nil {
		return [32]byte{}, err
	}
	entropy, err := client.GetSwarmEntropy(ctx, roomID)
	if err != nil {
		return [32]byte{}, &SignalingError{Op: "get swarm entropy", Err: err}
	}
	return entropy, nil
}

func (c *Controller) LeaveRoom(ctx context.Context, roomID string) error {
	client, err := c.signalingClient()
	if err != nil {
		return err
	}
	if err := client.LeaveRoom(ctx, roomID); err != nil {
		return &SignalingError{Op: "leave room", Err: err}
	}
	return nil
}

// BuildOnionCircuit discovers hop candidates in the circuit room, picks
// maxHops-1 of them at random, appends the target as the final hop and asks
// the transport to build the circuit.
func (c *Controller) BuildOnionCircuit(ctx context.Context, targetPeer string, minHops, maxHops int) (string, error) {
	if minHops < c.caps.MinHops || maxHops > c.caps.MaxHops || minHops > maxHops {
		return "", fmt.Errorf("%w: requested %d..%d, platform allows %d..%d",
			ErrInvalidCircuitConfig, minHops, maxHops, c.caps.MinHops, c.caps.MaxHops)
	}

	client, err := c.signalingClient()
	if err != nil {
		return "", err
	}
	tr, err := c.activeTransport()
	if err != nil {
		return "", err
	}

	peers, err := client.DiscoverPeers(ctx, c.cfg.CircuitRoom)
	if err != nil {
		return "", &SignalingError{Op: "discover circuit candidates", Err: err}
	}

	local := c.LocalPeerID()
	var target *signaling.PeerInfo
	candidates := make([]signaling.PeerInfo, 0, len(peers))
	for _, peer := range peers {
		switch peer.PeerID {
		case targetPeer:
			p := peer
			target = &p
		case local:
		default:
			candidates = append(candidates, peer)
		}
	}

	needed := maxHops - 1
	if len(candidates) < needed {
		return "", fmt.Errorf("%w: need %d candidates besides %s, found %d",
			ErrNotEnoughPeers, needed, targetPeer, len(candidates))
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	hops := make([]transport.Hop, 0, maxHops)
	for _, peer := range candidates[:needed] {
		hops = append(hops, hopFromPeer(peer))
	}
	if target != nil {
		hops = append(hops, hopFromPeer(*target))
	} else {
		hops = append(hops, transport.Hop{PeerID: targetPeer})
	}

	circuitID, err := tr.BuildCircuit(ctx, hops)
	if err != nil {
		return "", &TransportError{Op: "build circuit", Err: err}
	}

	c.logger.Info("onion circuit built", "circuit_id", circuitID, "hops", len(hops), "target", targetPeer)
	return circuitID, nil
}

func (c *Controller) SendThroughCircuit(ctx context.Context, circuitID string, data []byte) error {
	tr, err := c.activeTransport()
	if err != nil {
		return err
	}
	if err := tr.SendThroughCircuit(ctx, circuitID, data); err != nil {
		return &CircuitError{CircuitID: circuitID, Op: "send", Err: err}
	}
	return nil
}

func (c *Controller) ReceiveFromCircuit(ctx context.Context, circuitID string) ([]byte, error) {
	tr, err := c.activeTransport()
	if err != nil {
		return nil, err
	}
	data, err := tr.ReceiveFromCircuit(ctx, circuitID)
	if err != nil {
		return nil, &CircuitError{CircuitID: circuitID, Op: "receive", Err: err}
	}
	return data, nil
}

func (c *Controller) TeardownCircuit(ctx context.Context, circuitID string) error {
	tr, err := c.activeTransport()
	if err != nil {
		return err
	}
	if err := tr.TeardownCircuit(ctx, circuitID); err != nil {
		return &CircuitError{CircuitID: circuitID, Op: "teardown", Err: err}
	}
	return nil
}

// OpenStream wraps an established circuit in an io.ReadWriteCloser.
func (c *Controller) OpenStream(circuitID string) *OnionStream {
	return &OnionStream{controller: c, circuitID: circuitID}
}

func (c *Controller) signalingClient() (*signaling.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

func (c *Controller) activeTransport() (transport.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.transport == nil {
		return nil, ErrNotConnected
	}
	return c.transport, nil
}

func hopFromPeer(peer signaling.PeerInfo) transport.Hop {
	hop := transport.Hop{PeerID: peer.PeerID, PublicKey: peer.PublicKey}
	if len(peer.Addresses) > 0 {
		hop.RelayURL = peer.Addresses[0]
	}
	return hop
}
