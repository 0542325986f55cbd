package swarm

import (
	"context"
	"io"
	"sync"
)

// OnionStream adapts one circuit to io.ReadWriteCloser. Reads drain received
// payloads, buffering any remainder a short read leaves behind; writes
// forward through the circuit; Close tears the circuit down.
type OnionStream struct {
	controller *Controller
	circuitID  string

	mu     sync.Mutex
	buf    []byte
	closed bool
}

var _ io.ReadWriteCloser = (*OnionStream)(nil)

// CircuitID returns the circuit this stream is bound to.
func (s *OnionStream) CircuitID() string {
	return s.circuitID
}

func (s *OnionStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	// The receive happens outside the lock so concurrent writes and Close
	// are never stuck behind a pending read.
	data, err := s.controller.ReceiveFromCircuit(context.Background(), s.circuitID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.buf = append(s.buf, data...)
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *OnionStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}

	if err := s.controller.SendThroughCircuit(context.Background(), s.circuitID, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *OnionStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.controller.TeardownCircuit(context.Background(), s.circuitID)
}
