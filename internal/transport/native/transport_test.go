package native

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/swarmnet/internal/onion"
	"github.com/rudransh-shrivastava/swarmnet/internal/transport"
)

func newTestTransport(t *testing.T, peerID string) *Transport {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tr, err := New(Config{PeerID: peerID, ListenAddr: "127.0.0.1:0", Logger: logger})
	if err != nil {
		t.Fatalf("failed to create transport: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// startEchoPeer runs a bare protocol peer that answers the handshake and
// echoes forwarded circuit payloads back.
func startEchoPeer(t *testing.T, peerID string) string {
	t.Helper()

	tlsConf, err := DefaultTLSConfig()
	if err != nil {
		t.Fatalf("failed to create tls config: %v", err)
	}
	listener, err := quic.ListenAddr("127.0.0.1:0", tlsConf, DefaultQUICConfig())
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				stream, err := conn.AcceptStream(context.Background())
				if err != nil {
					return
				}
				dec := json.NewDecoder(stream)
				enc := json.NewEncoder(stream)

				var hello transport.CircuitMessage
				if dec.Decode(&hello) != nil {
					return
				}
				_ = enc.Encode(&transport.CircuitMessage{Type: transport.CircuitHello, PeerID: peerID})

				for {
					var msg transport.CircuitMessage
					if dec.Decode(&msg) != nil {
						return
					}
					switch msg.Type {
					case transport.CircuitBuild:
						_ = enc.Encode(&transport.CircuitMessage{Type: transport.CircuitBuilt, CircuitID: msg.CircuitID})
					case transport.CircuitForwardData:
						_ = enc.Encode(&transport.CircuitMessage{Type: transport.CircuitDataReceived, CircuitID: msg.CircuitID, Data: msg.Data})
					case transport.CircuitTearDown:
						_ = enc.Encode(&transport.CircuitMessage{Type: transport.CircuitTornDown, CircuitID: msg.CircuitID})
					}
				}
			}()
		}
	}()

	return listener.Addr().String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDialHandshakeAndPeerTable(t *testing.T) {
	alice := newTestTransport(t, "alice")
	bob := newTestTransport(t, "bob")

	addrs := bob.ListenAddresses()
	if len(addrs) != 1 {
		t.Fatalf("expected one listen address, got %v", addrs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peerID, err := alice.Dial(ctx, addrs[0])
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	if peerID != "bob" {
		t.Fatalf("expected peer id bob, got %s", peerID)
	}

	waitFor(t, func() bool { return alice.IsConnected("bob") })
	waitFor(t, func() bool { return bob.IsConnected("alice") })

	if alice.IsConnected("carol") {
		t.Fatal("expected carol to be unknown")
	}
	if got := alice.LocalPeerID(); got != "alice" {
		t.Fatalf("expected local peer id alice, got %s", got)
	}
}

func TestBuildCircuitEchoRoundTrip(t *testing.T) {
	alice := newTestTransport(t, "alice")
	addr := startEchoPeer(t, "hop1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hops := []transport.Hop{{RelayURL: addr, PeerID: "hop1"}}
	circuitID, err := alice.BuildCircuit(ctx, hops)
	if err != nil {
		t.Fatalf("failed to build circuit: %v", err)
	}

	payload := []byte("through the first hop")
	if err := alice.SendThroughCircuit(ctx, circuitID, payload); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	got, err := alice.ReceiveFromCircuit(ctx, circuitID)
	if err != nil {
		t.Fatalf("failed to receive: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestLayeredCircuitRoundTrip(t *testing.T) {
	alice := newTestTransport(t, "alice")
	addr := startEchoPeer(t, "hop1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hops := []transport.Hop{{RelayURL: addr, PeerID: "hop1"}}
	circuitID, err := alice.BuildCircuit(ctx, hops)
	if err != nil {
		t.Fatalf("failed to build circuit: %v", err)
	}

	key, err := onion.NewKey()
	if err != nil {
		t.Fatalf("failed to create key: %v", err)
	}
	if err := alice.SetCircuitKeys(circuitID, [][]byte{key}); err != nil {
		t.Fatalf("failed to set keys: %v", err)
	}

	payload := []byte("sealed payload")
	if err := alice.SendThroughCircuit(ctx, circuitID, payload); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	got, err := alice.ReceiveFromCircuit(ctx, circuitID)
	if err != nil {
		t.Fatalf("failed to receive: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestSendThroughUnknownCircuit(t *testing.T) {
	alice := newTestTransport(t, "alice")

	err := alice.SendThroughCircuit(context.Background(), "circuit_missing", []byte("x"))
	if !errors.Is(err, transport.ErrCircuitNotFound) {
		t.Fatalf("expected ErrCircuitNotFound, got %v", err)
	}
}

func TestTeardownCircuitIsNotIdempotent(t *testing.T) {
	alice := newTestTransport(t, "alice")
	addr := startEchoPeer(t, "hop1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	circuitID, err := alice.BuildCircuit(ctx, []transport.Hop{{RelayURL: addr, PeerID: "hop1"}})
	if err != nil {
		t.Fatalf("failed to build circuit: %v", err)
	}

	if err := alice.TeardownCircuit(ctx, circuitID); err != nil {
		t.Fatalf("failed to tear down: %v", err)
	}
	if err := alice.TeardownCircuit(ctx, circuitID); !errors.Is(err, transport.ErrCircuitNotFound) {
		t.Fatalf("expected ErrCircuitNotFound on second teardown, got %v", err)
	}
}

func TestBuildCircuitRequiresHops(t *testing.T) {
	alice := newTestTransport(t, "alice")

	_, err := alice.BuildCircuit(context.Background(), nil)
	if !errors.Is(err, transport.ErrBadHopDescriptor) {
		t.Fatalf("expected ErrBadHopDescriptor, got %v", err)
	}
}

type pipeSignaler struct {
	from string
	peer **HolePuncher
}

func (s *pipeSignaler) SendSignal(_ context.Context, _ string, payload []byte) error {
	target := *s.peer
	go func() {
		_ = target.HandleSignal(Signal{PeerID: s.from, Payload: payload})
	}()
	return nil
}

func TestHolePunchLoopback(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	// Host candidates only so the test never leaves loopback.
	config := webrtc.Configuration{}

	var alicePuncher, bobPuncher *HolePuncher
	alicePuncher = NewHolePuncher(config, &pipeSignaler{from: "alice", peer: &bobPuncher}, nil, logger)
	bobPuncher = NewHolePuncher(config, &pipeSignaler{from: "bob", peer: &alicePuncher}, nil, logger)
	t.Cleanup(func() {
		_ = alicePuncher.Close()
		_ = bobPuncher.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := alicePuncher.Punch(ctx, "bob")
	if err != nil {
		t.Fatalf("failed to punch: %v", err)
	}

	var accepted *PunchedConn
	select {
	case accepted = <-bobPuncher.Accept():
	case <-ctx.Done():
		t.Fatal("timed out waiting for punched connection")
	}

	if err := conn.Send([]byte("ping")); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	select {
	case got := <-accepted.Recv():
		if string(got) != "ping" {
			t.Fatalf("expected ping, got %q", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for data")
	}

	if err := accepted.Send([]byte("pong")); err != nil {
		t.Fatalf("failed to send reply: %v", err)
	}
	select {
	case got := <-conn.Recv():
		if string(got) != "pong" {
			t.Fatalf("expected pong, got %q", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for reply")
	}
}

func TestHolePunchDeliveryAfterClose(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	puncher := NewHolePuncher(webrtc.Configuration{}, nil, nil, logger)
	if err := puncher.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	// A data channel can open while shutdown is underway; its delivery must
	// be dropped rather than crash the process.
	puncher.deliverIncoming("late-peer", &PunchedConn{recvChan: make(chan []byte)})

	select {
	case conn := <-puncher.Accept():
		t.Fatalf("connection from %s delivered after close", conn.PeerID())
	default:
	}

	if err := puncher.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}
