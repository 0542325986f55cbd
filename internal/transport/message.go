package transport

import "encoding/json"

// CircuitMessageType tags a circuit protocol frame.
type CircuitMessageType string

const (
	CircuitHello        CircuitMessageType = "Hello"
	CircuitBuild        CircuitMessageType = "BuildCircuit"
	CircuitBuilt        CircuitMessageType = "CircuitBuilt"
	CircuitForwardData  CircuitMessageType = "ForwardData"
	CircuitDataReceived CircuitMessageType = "DataReceived"
	CircuitTearDown     CircuitMessageType = "TearDownCircuit"
	CircuitTornDown     CircuitMessageType = "CircuitTornDown"
	CircuitError        CircuitMessageType = "Error"
)

// CircuitMessage is the circuit protocol wire unit, exchanged as a tagged
// text frame. The relay transport carries it over websocket frames, the
// native transport over peer control streams. Hello is the native-only
// identity exchange; relays never see it.
type CircuitMessage struct {
	Type      CircuitMessageType `json:"type"`
	CircuitID string             `json:"circuit_id,omitempty"`
	PeerID    string             `json:"peer_id,omitempty"`
	Hops      []Hop              `json:"hops,omitempty"`
	Data      []byte             `json:"data,omitempty"`
	Code      string             `json:"code,omitempty"`
	Message   string             `json:"message,omitempty"`
}

func (m *CircuitMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func UnmarshalCircuitMessage(data []byte) (*CircuitMessage, error) {
	var msg CircuitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
