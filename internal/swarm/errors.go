package swarm

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a live signaling
	// connection and none exists.
	ErrNotConnected = errors.New("not connected to swarm")
	// ErrInvalidCircuitConfig is returned when requested hop counts fall
	// outside the platform's capability bounds.
	ErrInvalidCircuitConfig = errors.New("invalid circuit configuration")
	// ErrNotEnoughPeers is returned when the circuit room holds fewer
	// candidates than the requested hop count needs.
	ErrNotEnoughPeers = errors.New("not enough peers for circuit")
)

// SignalingError wraps a failure from the signaling client with the
// controller operation that triggered it.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error {
	return e.Err
}

// TransportError wraps a failure from the active transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CircuitError wraps a failure scoped to one circuit.
type CircuitError struct {
	CircuitID string
	Op        string
	Err       error
}

func (e *CircuitError) Error() string {
	return fmt.Sprintf("circuit %s %s: %v", e.CircuitID, e.Op, e.Err)
}

func (e *CircuitError) Unwrap() error {
	return e.Err
}
