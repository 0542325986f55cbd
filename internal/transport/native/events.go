package native

// EventKind classifies transport events consumed by the dispatch loop.
type EventKind int

const (
	EventNewListenAddr EventKind = iota
	EventConnectionEstablished
	EventConnectionClosed
	EventInboundConnection
	EventDialFailed
	EventHolePunchSucceeded
	EventHolePunchFailed
)

func (k EventKind) String() string {
	switch k {
	case EventNewListenAddr:
		return "new-listen-addr"
	case EventConnectionEstablished:
		return "connection-established"
	case EventConnectionClosed:
		return "connection-closed"
	case EventInboundConnection:
		return "inbound-connection"
	case EventDialFailed:
		return "dial-failed"
	case EventHolePunchSucceeded:
		return "hole-punch-succeeded"
	case EventHolePunchFailed:
		return "hole-punch-failed"
	default:
		return "unknown"
	}
}

// Event is one typed transport event. The dispatch loop is the single
// writer of the peer table; everything that mutates it flows through here.
type Event struct {
	Kind   EventKind
	PeerID string
	Addr   string
	Err    error
}
