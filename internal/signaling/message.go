// Package signaling implements the client side of the rendezvous protocol:
// room membership, peer discovery and swarm entropy requests over a single
// websocket connection.
package signaling

import "encoding/json"

type MessageType string

const (
	TypeJoin            MessageType = "Join"
	TypeLeave           MessageType = "Leave"
	TypeDiscover        MessageType = "Discover"
	TypePeers           MessageType = "Peers"
	TypeEntropyRequest  MessageType = "EntropyRequest"
	TypeEntropyResponse MessageType = "EntropyResponse"
	TypeError           MessageType = "Error"
)

// PeerInfo describes a peer discovered through the rendezvous server.
// Results are a snapshot; any new discovery call invalidates earlier ones.
type PeerInfo struct {
	PeerID       string           `json:"peer_id"`
	PublicKey    []byte           `json:"public_key"`
	Capabilities PeerCapabilities `json:"capabilities"`
	LastSeen     int64            `json:"last_seen"`
	Addresses    []string         `json:"addresses"`
}

// PeerCapabilities advertises what a peer supports.
type PeerCapabilities struct {
	SupportsP2P        bool     `json:"supports_p2p"`
	SupportsRelay      bool     `json:"supports_relay"`
	SupportsOnion      bool     `json:"supports_onion_routing"`
	MaxMessageSize     int      `json:"max_message_size"`
	SupportedProtocols []string `json:"supported_protocols"`
	MaxHops            int      `json:"max_hops"`
}

// DefaultCapabilities returns the capability set advertised when the caller
// does not override anything.
func DefaultCapabilities() PeerCapabilities {
	return PeerCapabilities{
		SupportsP2P:        true,
		SupportsRelay:      true,
		SupportsOnion:      false,
		MaxMessageSize:     65536,
		SupportedProtocols: []string{"zks/1.0"},
		MaxHops:            3,
	}
}

// Message is the wire unit exchanged with the rendezvous server as a text
// frame. The Type field selects which of the remaining fields are meaningful.
type Message struct {
	Type      MessageType `json:"type"`
	RoomID    string      `json:"room_id,omitempty"`
	PeerInfo  *PeerInfo   `json:"peer_info,omitempty"`
	Peers     []PeerInfo  `json:"peers,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Entropy   []byte      `json:"entropy,omitempty"`
	Signature []byte      `json:"signature,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func Unmarshal(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
