// Package transport defines the circuit-capable byte mover behind the swarm
// controller and the types shared by its native and relay implementations.
package transport

import "context"

// State is the lifecycle of the underlying socket, not of any circuit.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Transport moves circuit-tagged payloads. The controller selects an
// implementation once, at construction, based on the detected platform.
type Transport interface {
	// Connect establishes the transport's underlying connectivity.
	Connect(ctx context.Context) error
	// BuildCircuit registers a circuit over the given hops and returns its
	// process-unique identifier.
	BuildCircuit(ctx context.Context, hops []Hop) (string, error)
	// SendThroughCircuit forwards data down an established circuit.
	SendThroughCircuit(ctx context.Context, circuitID string, data []byte) error
	// ReceiveFromCircuit pops the next payload received for the circuit.
	ReceiveFromCircuit(ctx context.Context, circuitID string) ([]byte, error)
	// TeardownCircuit destroys a circuit. Tearing down an unknown circuit
	// reports ErrCircuitNotFound but is otherwise harmless.
	TeardownCircuit(ctx context.Context, circuitID string) error
	// State reports the socket lifecycle state.
	State() State
	Close() error
}
