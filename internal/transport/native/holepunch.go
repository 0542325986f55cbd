package native

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// Signal is an SDP payload exchanged out of band while punching through a
// NAT.
type Signal struct {
	PeerID  string
	Payload []byte
}

// Signaler delivers punch signals to a peer through a side channel, usually
// the signaling room both peers have joined.
type Signaler interface {
	SendSignal(ctx context.Context, peerID string, payload []byte) error
}

// HolePuncher upgrades unreachable peers to direct connections using webrtc
// data channels. Offers and answers carry complete candidate sets, so no
// trickle signaling is needed.
type HolePuncher struct {
	config   webrtc.Configuration
	signaler Signaler
	events   chan<- Event
	logger   *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*punchSession
	incoming chan *PunchedConn
	closed   bool
}

// EnableHolePunching attaches a hole puncher to the transport. Punch results
// land on the transport's event loop like any other connection event.
func (t *Transport) EnableHolePunching(signaler Signaler) *HolePuncher {
	return NewHolePuncher(STUNConfig(t.config.STUNServers), signaler, t.events, t.logger)
}

func NewHolePuncher(config webrtc.Configuration, signaler Signaler, events chan<- Event, logger *logrus.Logger) *HolePuncher {
	return &HolePuncher{
		config:   config,
		signaler: signaler,
		events:   events,
		logger:   logger,
		sessions: make(map[string]*punchSession),
		incoming: make(chan *PunchedConn, 16),
	}
}

// Punch initiates a hole punch toward a peer and blocks until the data
// channel opens or ctx expires.
func (h *HolePuncher) Punch(ctx context.Context, peerID string) (*PunchedConn, error) {
	pc, err := webrtc.NewPeerConnection(h.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	session := h.newSession(peerID, pc, true)

	if err := session.createDataChannel(); err != nil {
		h.dropSession(peerID)
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		h.dropSession(peerID)
		return nil, fmt.Errorf("create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		h.dropSession(peerID)
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		h.dropSession(peerID)
		return nil, ctx.Err()
	}

	if err := h.signaler.SendSignal(ctx, peerID, []byte(pc.LocalDescription().SDP)); err != nil {
		h.dropSession(peerID)
		return nil, fmt.Errorf("send offer: %w", err)
	}

	select {
	case <-session.opened:
		h.emit(Event{Kind: EventHolePunchSucceeded, PeerID: peerID, Addr: "webrtc"})
		return session.conn, nil
	case <-ctx.Done():
		h.dropSession(peerID)
		h.emit(Event{Kind: EventHolePunchFailed, PeerID: peerID, Err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// HandleSignal feeds an incoming offer or answer into the matching session,
// creating a responder session for unsolicited offers.
func (h *HolePuncher) HandleSignal(signal Signal) error {
	h.mu.Lock()
	session, exists := h.sessions[signal.PeerID]
	h.mu.Unlock()

	if !exists {
		pc, err := webrtc.NewPeerConnection(h.config)
		if err != nil {
			return fmt.Errorf("create peer connection: %w", err)
		}
		session = h.newSession(signal.PeerID, pc, false)
	}

	return session.handleSignal(signal.Payload)
}

// Accept yields connections opened by remote initiators.
func (h *HolePuncher) Accept() <-chan *PunchedConn {
	return h.incoming
}

// Close tears every session down. The incoming channel is left open: a data
// channel racing Close may still fire its open callback, and the guarded
// delivery below drops it instead of panicking on a closed channel.
func (h *HolePuncher) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[string]*punchSession)
	h.mu.Unlock()

	for _, session := range sessions {
		_ = session.conn.Close()
	}
	return nil
}

// deliverIncoming hands a responder-side connection to Accept, dropping it
// when the puncher is closed or the queue is full.
func (h *HolePuncher) deliverIncoming(peerID string, conn *PunchedConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.incoming <- conn:
	default:
		h.logger.Warnf("Accept queue full, dropping punched connection from %s", peerID)
	}
}

func (h *HolePuncher) newSession(peerID string, pc *webrtc.PeerConnection, isInitiator bool) *punchSession {
	session := &punchSession{
		puncher:     h,
		peerID:      peerID,
		pc:          pc,
		isInitiator: isInitiator,
		opened:      make(chan struct{}),
		conn: &PunchedConn{
			peerID:   peerID,
			pc:       pc,
			recvChan: make(chan []byte, 256),
		},
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			session.conn.closeRecv()
		}
	})

	if !isInitiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			session.setupDataChannel(dc)
		})
	}

	h.mu.Lock()
	h.sessions[peerID] = session
	h.mu.Unlock()
	return session
}

func (h *HolePuncher) dropSession(peerID string) {
	h.mu.Lock()
	session, ok := h.sessions[peerID]
	delete(h.sessions, peerID)
	h.mu.Unlock()
	if ok {
		_ = session.conn.Close()
	}
}

func (h *HolePuncher) emit(ev Event) {
	if h.events == nil {
		return
	}
	select {
	case h.events <- ev:
	default:
		h.logger.Warnf("Event queue full, dropping hole punch event for %s", ev.PeerID)
	}
}

type punchSession struct {
	puncher     *HolePuncher
	peerID      string
	pc          *webrtc.PeerConnection
	conn        *PunchedConn
	isInitiator bool
	opened      chan struct{}
	openOnce    sync.Once
	mu          sync.Mutex
}

func (s *punchSession) createDataChannel() error {
	ordered := true
	dc, err := s.pc.CreateDataChannel("punch", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	s.setupDataChannel(dc)
	return nil
}

func (s *punchSession) setupDataChannel(dc *webrtc.DataChannel) {
	s.conn.setChannel(dc)

	dc.OnOpen(func() {
		s.openOnce.Do(func() { close(s.opened) })
		if !s.isInitiator {
			s.puncher.emit(Event{Kind: EventHolePunchSucceeded, PeerID: s.peerID, Addr: "webrtc"})
			s.puncher.deliverIncoming(s.peerID, s.conn)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.conn.deliver(msg.Data)
	})

	dc.OnClose(func() {
		s.conn.closeRecv()
	})
}

func (s *punchSession) handleSignal(payload []byte) error {
	sdp := string(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc.RemoteDescription() != nil {
		return nil
	}

	desc := webrtc.SessionDescription{SDP: sdp}
	if s.isInitiator {
		desc.Type = webrtc.SDPTypeAnswer
	} else {
		desc.Type = webrtc.SDPTypeOffer
	}

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	if s.isInitiator {
		return nil
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	<-gathered
	if err := s.puncher.signaler.SendSignal(context.Background(), s.peerID, []byte(s.pc.LocalDescription().SDP)); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// PunchedConn is a direct datagram connection established by hole punching.
type PunchedConn struct {
	peerID   string
	pc       *webrtc.PeerConnection
	recvChan chan []byte

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	recvClosed bool
}

func (c *PunchedConn) PeerID() string {
	return c.peerID
}

func (c *PunchedConn) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil {
		return fmt.Errorf("data channel not ready")
	}
	return dc.Send(data)
}

func (c *PunchedConn) Recv() <-chan []byte {
	return c.recvChan
}

func (c *PunchedConn) Close() error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}

func (c *PunchedConn) setChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
}

func (c *PunchedConn) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvClosed {
		return
	}
	select {
	case c.recvChan <- data:
	default:
	}
}

func (c *PunchedConn) closeRecv() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvClosed {
		return
	}
	c.recvClosed = true
	close(c.recvChan)
}
