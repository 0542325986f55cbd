// Package native implements the circuit transport for environments with raw
// socket access: direct QUIC peer connections, a live peer table owned by a
// single event dispatch loop, and webrtc hole punching for peers behind
// symmetric NATs.
package native

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/swarmnet/internal/onion"
	"github.com/rudransh-shrivastava/swarmnet/internal/transport"
)

const (
	eventQueueSize   = 128
	inboundQueueSize = 64
	receiveTimeout   = 30 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Transport maintains direct encrypted peer connections. The peer table is
// owned by the run loop; connection and circuit bookkeeping sits behind a
// short-held mutex that never spans a network wait.
type Transport struct {
	config      Config
	logger      *logrus.Logger
	tlsConf     *tls.Config
	localPeerID string

	listener *quic.Listener

	events   chan Event
	requests chan func()
	done     chan struct{}

	// peers is touched only by the run loop.
	peers map[string][]string

	mu       sync.Mutex
	state    transport.State
	conns    map[string]*peerConn
	circuits map[string]*transport.Circuit
	routes   map[string]string // circuit id -> first hop peer id
	inbound  map[string]chan []byte
	closed   bool
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()

	tlsConf, err := DefaultTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}

	return &Transport{
		config:      cfg,
		logger:      cfg.Logger,
		tlsConf:     tlsConf,
		localPeerID: cfg.PeerID,
		events:      make(chan Event, eventQueueSize),
		requests:    make(chan func()),
		done:        make(chan struct{}),
		peers:       make(map[string][]string),
		state:       transport.StateDisconnected,
		conns:       make(map[string]*peerConn),
		circuits:    make(map[string]*transport.Circuit),
		routes:      make(map[string]string),
		inbound:     make(map[string]chan []byte),
	}, nil
}

// Connect starts the QUIC listener, the accept loop and the event dispatch
// loop.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.listener != nil {
		t.mu.Unlock()
		return nil
	}
	t.state = transport.StateConnecting
	t.mu.Unlock()

	listener, err := quic.ListenAddr(t.config.ListenAddr, t.tlsConf, DefaultQUICConfig())
	if err != nil {
		t.mu.Lock()
		t.state = transport.StateError
		t.mu.Unlock()
		return fmt.Errorf("quic listen %s: %w", t.config.ListenAddr, err)
	}

	t.mu.Lock()
	t.listener = listener
	t.state = transport.StateConnected
	t.mu.Unlock()

	go t.run()
	go t.acceptLoop(listener)

	t.emit(Event{Kind: EventNewListenAddr, Addr: listener.Addr().String()})
	t.logger.Infof("Native transport listening on %s", listener.Addr())
	return nil
}

// LocalPeerID returns the identity announced during handshakes.
func (t *Transport) LocalPeerID() string {
	return t.localPeerID
}

// ListenAddresses returns the transport's listen endpoints.
func (t *Transport) ListenAddresses() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return []string{t.listener.Addr().String()}
}

// Dial opens a direct connection to a peer endpoint and performs the
// identity handshake. Returns the remote peer id.
func (t *Transport) Dial(ctx context.Context, addr string) (string, error) {
	conn, err := quic.DialAddr(ctx, addr, t.tlsConf, DefaultQUICConfig())
	if err != nil {
		t.emit(Event{Kind: EventDialFailed, Addr: addr, Err: err})
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "handshake failed")
		t.emit(Event{Kind: EventDialFailed, Addr: addr, Err: err})
		return "", fmt.Errorf("open control stream to %s: %w", addr, err)
	}

	pc := newPeerConn(conn, stream)
	if err := pc.send(&transport.CircuitMessage{Type: transport.CircuitHello, PeerID: t.localPeerID}); err != nil {
		_ = pc.close()
		t.emit(Event{Kind: EventDialFailed, Addr: addr, Err: err})
		return "", fmt.Errorf("hello to %s: %w", addr, err)
	}

	hello, err := pc.receive()
	if err != nil || hello.Type != transport.CircuitHello || hello.PeerID == "" {
		_ = pc.close()
		t.emit(Event{Kind: EventDialFailed, Addr: addr, Err: err})
		return "", fmt.Errorf("no hello from %s", addr)
	}
	pc.peerID = hello.PeerID

	t.register(pc)
	return pc.peerID, nil
}

// ConnectedPeers lists the peers in the live peer table.
func (t *Transport) ConnectedPeers() []string {
	result := make(chan []string, 1)
	if !t.ask(func() {
		ids := make([]string, 0, len(t.peers))
		for id := range t.peers {
			ids = append(ids, id)
		}
		result <- ids
	}) {
		return nil
	}
	return <-result
}

// IsConnected reports whether a peer is in the live peer table.
func (t *Transport) IsConnected(peerID string) bool {
	result := make(chan bool, 1)
	if !t.ask(func() {
		_, ok := t.peers[peerID]
		result <- ok
	}) {
		return false
	}
	return <-result
}

// PeerAddresses returns the known endpoints for a peer.
func (t *Transport) PeerAddresses(peerID string) []string {
	result := make(chan []string, 1)
	if !t.ask(func() {
		addrs := make([]string, len(t.peers[peerID]))
		copy(addrs, t.peers[peerID])
		result <- addrs
	}) {
		return nil
	}
	return <-result
}

// BuildCircuit routes the circuit through its first hop, dialing it when no
// connection exists yet. The first hop's RelayURL is the dialable endpoint;
// it is never decomposed here.
func (t *Transport) BuildCircuit(ctx context.Context, hops []transport.Hop) (string, error) {
	if len(hops) == 0 {
		return "", fmt.Errorf("%w: circuit needs at least one hop", transport.ErrBadHopDescriptor)
	}

	pc, err := t.connTo(ctx, hops[0])
	if err != nil {
		return "", err
	}

	circuitID := "circuit_" + uuid.NewString()

	t.mu.Lock()
	t.circuits[circuitID] = &transport.Circuit{ID: circuitID, Hops: hops}
	t.routes[circuitID] = pc.peerID
	t.inbound[circuitID] = make(chan []byte, inboundQueueSize)
	t.mu.Unlock()

	if err := pc.send(&transport.CircuitMessage{Type: transport.CircuitBuild, CircuitID: circuitID, Hops: hops}); err != nil {
		t.dropCircuit(circuitID)
		return "", fmt.Errorf("build circuit via %s: %w", pc.peerID, err)
	}

	t.logger.Debugf("Requested circuit %s via %s (%d hops)", circuitID, pc.peerID, len(hops))
	return circuitID, nil
}

// SetCircuitKeys installs per-hop encryption keys produced by an external
// key agreement.
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

func (t *Transport) SendThroughCircuit(ctx context.Context, circuitID string, data []byte) error {
	t.mu.Lock()
	circuit, ok := t.circuits[circuitID]
	if !ok {
		t.mu.Unlock()
		return transport.ErrCircuitNotFound
	}
	pc := t.conns[t.routes[circuitID]]
	established := circuit.Established()
	keys := circuit.EncryptionKeys
	t.mu.Unlock()

	if pc == nil {
		return transport.ErrNotConnected
	}

	payload := data
	if established {
		var err error
		payload, err = onion.Seal(data, keys)
		if err != nil {
			return fmt.Errorf("seal payload for %s: %w", circuitID, err)
		}
	}

	return pc.send(&transport.CircuitMessage{Type: transport.CircuitForwardData, CircuitID: circuitID, Data: payload})
}

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

	timeout := time.NewTimer(receiveTimeout)
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
		return nil, fmt.Errorf("receive from %s: timed out after %s", circuitID, receiveTimeout)
	}
}

func (t *Transport) TeardownCircuit(ctx context.Context, circuitID string) error {
	t.mu.Lock()
	if _, ok := t.circuits[circuitID]; !ok {
		t.mu.Unlock()
		return transport.ErrCircuitNotFound
	}
	pc := t.conns[t.routes[circuitID]]
	t.mu.Unlock()

	t.dropCircuit(circuitID)

	if pc == nil {
		return nil
	}
	return pc.send(&transport.CircuitMessage{Type: transport.CircuitTearDown, CircuitID: circuitID})
}

func (t *Transport) State() transport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.state = transport.StateDisconnected
	listener := t.listener
	t.listener = nil
	conns := t.conns
	t.conns = make(map[string]*peerConn)
	for id, ch := range t.inbound {
		close(ch)
		delete(t.inbound, id)
	}
	t.circuits = make(map[string]*transport.Circuit)
	t.routes = make(map[string]string)
	t.mu.Unlock()

	close(t.done)
	for _, pc := range conns {
		_ = pc.close()
	}
	if listener != nil {
		return listener.Close()
	}
	return nil
}

// register adds a peer connection and starts its read loop.
func (t *Transport) register(pc *peerConn) {
	t.mu.Lock()
	if old, ok := t.conns[pc.peerID]; ok && old != pc {
		_ = old.close()
	}
	t.conns[pc.peerID] = pc
	t.mu.Unlock()

	t.emit(Event{Kind: EventConnectionEstablished, PeerID: pc.peerID, Addr: pc.remoteAddr()})
	go t.readLoop(pc)
}

func (t *Transport) unregister(pc *peerConn, cause error) {
	t.mu.Lock()
	if current, ok := t.conns[pc.peerID]; !ok || current != pc {
		t.mu.Unlock()
		return
	}
	delete(t.conns, pc.peerID)

	// Circuits routed through this peer are gone with it.
	for circuitID, via := range t.routes {
		if via != pc.peerID {
			continue
		}
		delete(t.routes, circuitID)
		delete(t.circuits, circuitID)
		if ch, ok := t.inbound[circuitID]; ok {
			close(ch)
			delete(t.inbound, circuitID)
		}
	}
	t.mu.Unlock()

	_ = pc.close()
	t.emit(Event{Kind: EventConnectionClosed, PeerID: pc.peerID, Addr: pc.remoteAddr(), Err: cause})
}

func (t *Transport) acceptLoop(listener *quic.Listener) {
	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			return
		}
		go t.handleInbound(conn)
	}
}

func (t *Transport) handleInbound(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no control stream")
		return
	}

	pc := newPeerConn(conn, stream)
	hello, err := pc.receive()
	if err != nil || hello.Type != transport.CircuitHello || hello.PeerID == "" {
		t.logger.Warnf("Inbound connection from %s sent no hello", pc.remoteAddr())
		_ = pc.close()
		return
	}
	pc.peerID = hello.PeerID

	if err := pc.send(&transport.CircuitMessage{Type: transport.CircuitHello, PeerID: t.localPeerID}); err != nil {
		_ = pc.close()
		return
	}

	t.emit(Event{Kind: EventInboundConnection, PeerID: pc.peerID, Addr: pc.remoteAddr()})
	t.register(pc)
}

func (t *Transport) readLoop(pc *peerConn) {
	for {
		msg, err := pc.receive()
		if err != nil {
			t.unregister(pc, err)
			return
		}
		t.handleMessage(pc, msg)
	}
}

func (t *Transport) handleMessage(pc *peerConn, msg *transport.CircuitMessage) {
	switch msg.Type {
	case transport.CircuitDataReceived:
		t.mu.Lock()
		ch, ok := t.inbound[msg.CircuitID]
		t.mu.Unlock()
		if !ok {
			t.logger.Warnf("Payload from %s for unknown circuit %s", pc.peerID, msg.CircuitID)
			return
		}
		select {
		case ch <- msg.Data:
		default:
			t.logger.Warnf("Inbound queue full, dropping payload on circuit %s", msg.CircuitID)
		}

	case transport.CircuitBuilt:
		t.logger.Debugf("Circuit %s built", msg.CircuitID)

	case transport.CircuitTornDown:
		t.dropCircuit(msg.CircuitID)
		t.logger.Debugf("Circuit %s torn down by %s", msg.CircuitID, pc.peerID)

	case transport.CircuitError:
		t.logger.Errorf("Circuit error from %s: %s: %s", pc.peerID, msg.Code, msg.Message)

	default:
		// Unrecognized protocol events are logged and skipped so newer
		// peers do not break older nodes.
		t.logger.Debugf("Unhandled message type %q from %s", msg.Type, pc.peerID)
	}
}

// connTo returns the control connection for a hop, dialing its endpoint if
// necessary.
func (t *Transport) connTo(ctx context.Context, hop transport.Hop) (*peerConn, error) {
	t.mu.Lock()
	pc, ok := t.conns[hop.PeerID]
	t.mu.Unlock()
	if ok {
		return pc, nil
	}

	peerID, err := t.Dial(ctx, hop.RelayURL)
	if err != nil {
		return nil, err
	}
	if peerID != hop.PeerID {
		t.logger.Warnf("Endpoint %s identified as %s, expected %s", hop.RelayURL, peerID, hop.PeerID)
	}

	t.mu.Lock()
	pc = t.conns[peerID]
	t.mu.Unlock()
	if pc == nil {
		return nil, transport.ErrNotConnected
	}
	return pc, nil
}

func (t *Transport) dropCircuit(circuitID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.circuits, circuitID)
	delete(t.routes, circuitID)
	if ch, ok := t.inbound[circuitID]; ok {
		close(ch)
		delete(t.inbound, circuitID)
	}
}

// run is the event dispatch loop and the single writer of the peer table.
func (t *Transport) run() {
	for {
		select {
		case ev := <-t.events:
			t.handleEvent(ev)
		case fn := <-t.requests:
			fn()
		case <-t.done:
			return
		}
	}
}

func (t *Transport) handleEvent(ev Event) {
	switch ev.Kind {
	case EventNewListenAddr:
		t.logger.Infof("Listening on %s", ev.Addr)

	case EventConnectionEstablished:
		t.peers[ev.PeerID] = append(t.peers[ev.PeerID], ev.Addr)
		t.logger.Infof("Connected to %s via %s", ev.PeerID, ev.Addr)

	case EventConnectionClosed:
		delete(t.peers, ev.PeerID)
		t.logger.Warnf("Connection closed to %s: %v", ev.PeerID, ev.Err)

	case EventInboundConnection:
		t.logger.Debugf("Inbound connection from %s (%s)", ev.PeerID, ev.Addr)

	case EventDialFailed:
		t.logger.Errorf("Dial failed for %s: %v", ev.Addr, ev.Err)

	case EventHolePunchSucceeded:
		t.peers[ev.PeerID] = append(t.peers[ev.PeerID], ev.Addr)
		t.logger.Infof("Hole punch to %s succeeded", ev.PeerID)

	case EventHolePunchFailed:
		t.logger.Warnf("Hole punch to %s failed: %v", ev.PeerID, ev.Err)

	default:
		t.logger.Warnf("Unhandled transport event: %s", ev.Kind)
	}
}

// emit queues an event for the dispatch loop, dropping it if the transport
// is shutting down.
func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// ask runs fn on the dispatch loop and reports whether it ran.
func (t *Transport) ask(fn func()) bool {
	select {
	case t.requests <- fn:
		return true
	case <-t.done:
		return false
	}
}

// peerConn is one control connection to a peer: a QUIC connection plus a
// single bidirectional stream carrying JSON frames.
type peerConn struct {
	conn   quic.Connection
	stream quic.Stream
	enc    *json.Encoder
	dec    *json.Decoder
	peerID string

	sendMu sync.Mutex
}

func newPeerConn(conn quic.Connection, stream quic.Stream) *peerConn {
	return &peerConn{
		conn:   conn,
		stream: stream,
		enc:    json.NewEncoder(stream),
		dec:    json.NewDecoder(stream),
	}
}

func (p *peerConn) send(msg *transport.CircuitMessage) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.enc.Encode(msg)
}

func (p *peerConn) receive() (*transport.CircuitMessage, error) {
	var msg transport.CircuitMessage
	if err := p.dec.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (p *peerConn) remoteAddr() string {
	return p.conn.RemoteAddr().String()
}

func (p *peerConn) close() error {
	_ = p.stream.Close()
	return p.conn.CloseWithError(0, "")
}
