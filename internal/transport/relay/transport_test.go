package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rudransh-shrivastava/swarmnet/internal/onion"
	"github.com/rudransh-shrivastava/swarmnet/internal/transport"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newFakeRelay runs handler for every websocket connection and returns the
// relay URL in ws:// form.
func newFakeRelay(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	return "ws://" + srv.Listener.Addr().String()
}

// echoRelay acknowledges circuit builds and reflects forwarded payloads back
// on the same circuit.
func echoRelay(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := transport.UnmarshalCircuitMessage(data)
		if err != nil {
			continue
		}

		var reply *transport.CircuitMessage
		switch msg.Type {
		case transport.CircuitBuild:
			reply = &transport.CircuitMessage{Type: transport.CircuitBuilt, CircuitID: msg.CircuitID}
		case transport.CircuitForwardData:
			reply = &transport.CircuitMessage{Type: transport.CircuitDataReceived, CircuitID: msg.CircuitID, Data: msg.Data}
		case transport.CircuitTearDown:
			reply = &transport.CircuitMessage{Type: transport.CircuitTornDown, CircuitID: msg.CircuitID}
		default:
			continue
		}

		out, err := reply.Marshal()
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func connectTestTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()

	tr := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func testDescriptors() []string {
	key := base64.StdEncoding.EncodeToString([]byte("pk"))
	return []string{
		"wss://r1,peer-a," + key,
		"wss://r2,peer-b," + key,
		"wss://r3,peer-c," + key,
	}
}

func TestBuildCircuitFromDescriptors(t *testing.T) {
	builds := make(chan *transport.CircuitMessage, 1)
	url := newFakeRelay(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := transport.UnmarshalCircuitMessage(data)
			if err != nil {
				continue
			}
			if msg.Type == transport.CircuitBuild {
				builds <- msg
			}
		}
	})

	tr := connectTestTransport(t, Config{RelayURL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	circuitID, err := tr.BuildCircuitFromDescriptors(ctx, testDescriptors())
	if err != nil {
		t.Fatalf("BuildCircuitFromDescriptors failed: %v", err)
	}
	if circuitID == "" {
		t.Fatal("expected non-empty circuit id")
	}

	select {
	case msg := <-builds:
		if msg.CircuitID != circuitID {
			t.Errorf("relay saw circuit %s, want %s", msg.CircuitID, circuitID)
		}
		if len(msg.Hops) != 3 {
			t.Errorf("relay saw %d hops, want 3", len(msg.Hops))
		}
		if msg.Hops[1].PeerID != "peer-b" {
			t.Errorf("unexpected middle hop %q", msg.Hops[1].PeerID)
		}
	case <-ctx.Done():
		t.Fatal("relay never received BuildCircuit")
	}
}

func TestBuildCircuitRejectsBadDescriptorBeforeIO(t *testing.T) {
	received := make(chan struct{}, 1)
	url := newFakeRelay(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err == nil {
			received <- struct{}{}
		}
	})

	tr := connectTestTransport(t, Config{RelayURL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tr.BuildCircuitFromDescriptors(ctx, []string{"relayA,peerA"})
	if !errors.Is(err, transport.ErrBadHopDescriptor) {
		t.Fatalf("expected ErrBadHopDescriptor, got %v", err)
	}

	select {
	case <-received:
		t.Fatal("malformed descriptor reached the relay")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendThroughUnknownCircuit(t *testing.T) {
	url := newFakeRelay(t, echoRelay)
	tr := connectTestTransport(t, Config{RelayURL: url})

	err := tr.SendThroughCircuit(context.Background(), "circuit_missing", []byte("data"))
	if !errors.Is(err, transport.ErrCircuitNotFound) {
		t.Fatalf("expected ErrCircuitNotFound, got %v", err)
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	url := newFakeRelay(t, echoRelay)
	tr := connectTestTransport(t, Config{RelayURL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	circuitID, err := tr.BuildCircuitFromDescriptors(ctx, testDescriptors())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	payload := []byte("onion payload")
	if err := tr.SendThroughCircuit(ctx, circuitID, payload); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	got, err := tr.ReceiveFromCircuit(ctx, circuitID)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("received %q, want %q", got, payload)
	}
}

func TestReceiveDemultiplexesByCircuit(t *testing.T) {
	url := newFakeRelay(t, echoRelay)
	tr := connectTestTransport(t, Config{RelayURL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := tr.BuildCircuitFromDescriptors(ctx, testDescriptors())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	second, err := tr.BuildCircuitFromDescriptors(ctx, testDescriptors())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if err := tr.SendThroughCircuit(ctx, second, []byte("for-second")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	got, err := tr.ReceiveFromCircuit(ctx, second)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(got) != "for-second" {
		t.Errorf("received %q on second circuit", got)
	}

	// Nothing may have leaked onto the first circuit's queue.
	if n := tr.PendingMessages(first); n != 0 {
		t.Errorf("first circuit has %d queued payloads, want 0", n)
	}
}

func TestLayeredPayloadRoundTrip(t *testing.T) {
	url := newFakeRelay(t, echoRelay)
	tr := connectTestTransport(t, Config{RelayURL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	circuitID, err := tr.BuildCircuitFromDescriptors(ctx, testDescriptors())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	keys := make([][]byte, 3)
	for i := range keys {
		key, err := onion.NewKey()
		if err != nil {
			t.Fatalf("NewKey failed: %v", err)
		}
		keys[i] = key
	}
	if err := tr.SetCircuitKeys(circuitID, keys); err != nil {
		t.Fatalf("SetCircuitKeys failed: %v", err)
	}

	payload := []byte("sealed payload")
	if err := tr.SendThroughCircuit(ctx, circuitID, payload); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// The echo relay reflects the sealed frame untouched, so opening all
	// layers on receive must recover the plaintext.
	got, err := tr.ReceiveFromCircuit(ctx, circuitID)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("received %q, want %q", got, payload)
	}
}

func TestTeardownIsIdempotentForCaller(t *testing.T) {
	url := newFakeRelay(t, echoRelay)
	tr := connectTestTransport(t, Config{RelayURL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	circuitID, err := tr.BuildCircuitFromDescriptors(ctx, testDescriptors())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if err := tr.TeardownCircuit(ctx, circuitID); err != nil {
		t.Fatalf("first teardown failed: %v", err)
	}
	if err := tr.TeardownCircuit(ctx, circuitID); !errors.Is(err, transport.ErrCircuitNotFound) {
		t.Fatalf("second teardown: expected ErrCircuitNotFound, got %v", err)
	}
}

func TestReconnectAttemptsAreCapped(t *testing.T) {
	var dials atomic.Int32
	var acceptedOnce atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		if acceptedOnce.Swap(true) {
			// Every reconnection attempt is refused.
			http.Error(w, "gone", http.StatusInternalServerError)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	tr := New(Config{
		RelayURL:             "ws://" + srv.Listener.Addr().String(),
		MaxReconnectAttempts: 3,
		ReconnectDelay:       20 * time.Millisecond,
	})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Initial dial plus exactly three failed reconnection attempts.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dials.Load() == 4 && tr.State() == transport.StateDisconnected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := dials.Load(); got != 4 {
		t.Errorf("expected 4 dials (1 connect + 3 reconnects), got %d", got)
	}
	if state := tr.State(); state != transport.StateDisconnected {
		t.Errorf("expected disconnected state, got %s", state)
	}
	if got := tr.ReconnectAttempts(); got != 3 {
		t.Errorf("expected attempt counter at 3, got %d", got)
	}

	// No further attempts after the cap.
	time.Sleep(100 * time.Millisecond)
	if got := dials.Load(); got != 4 {
		t.Errorf("attempts continued past the cap: %d dials", got)
	}
}

func TestReconnectCounterResetsOnSuccess(t *testing.T) {
	var dials atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection to force a reconnect.
			conn.Close()
			return
		}
		echoRelay(conn)
	}))
	defer srv.Close()

	tr := New(Config{
		RelayURL:             "ws://" + srv.Listener.Addr().String(),
		MaxReconnectAttempts: 3,
		ReconnectDelay:       20 * time.Millisecond,
	})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.IsConnected() && tr.ReconnectAttempts() == 0 && dials.Load() >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("transport never recovered: state=%s attempts=%d dials=%d",
		tr.State(), tr.ReconnectAttempts(), dials.Load())
}

func TestDisconnectClearsCircuitState(t *testing.T) {
	drop := make(chan struct{})
	url := newFakeRelay(t, func(conn *websocket.Conn) {
		<-drop
	})

	tr := New(Config{RelayURL: url, MaxReconnectAttempts: -1})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	circuitID, err := tr.BuildCircuitFromDescriptors(ctx, testDescriptors())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	close(drop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State() == transport.StateDisconnected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := tr.SendThroughCircuit(ctx, circuitID, []byte("late")); !errors.Is(err, transport.ErrCircuitNotFound) {
		t.Errorf("expected ErrCircuitNotFound after disconnect, got %v", err)
	}
}

func TestNormalizeRelayURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ws://relay:9000/onion", "ws://relay:9000/onion"},
		{"wss://relay/onion", "wss://relay/onion"},
		{"http://relay:9000", "ws://relay:9000"},
		{"https://relay", "wss://relay"},
		{"relay.example.com", "wss://relay.example.com/onion"},
		{"relay.example.com/", "wss://relay.example.com/onion"},
	}
	for _, tc := range cases {
		if got := normalizeRelayURL(tc.in); got != tc.want {
			t.Errorf("normalizeRelayURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
