package transport

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCircuitNotFound  = errors.New("circuit not found")
	ErrNotConnected     = errors.New("not connected")
	ErrBadHopDescriptor = errors.New("bad hop descriptor")
)

// Hop is one relay/peer link in a circuit.
type Hop struct {
	RelayURL  string `json:"relay_url"`
	PeerID    string `json:"peer_id"`
	PublicKey []byte `json:"public_key"`
}

// Circuit is an ordered path of hops. EncryptionKeys is filled incrementally
// as the circuit is established; until it covers every hop, payloads pass
// through unlayered.
type Circuit struct {
	ID             string
	Hops           []Hop
	EncryptionKeys [][]byte
}

// Established reports whether every hop has a key.
func (c *Circuit) Established() bool {
	return len(c.Hops) > 0 && len(c.EncryptionKeys) == len(c.Hops)
}

// ParseHopDescriptor parses the external hop string form
// "<relay_url>,<peer_id>,<base64 public_key>". Exactly three fields;
// anything else is rejected before any network I/O.
func ParseHopDescriptor(descriptor string) (Hop, error) {
	parts := strings.Split(descriptor, ",")
	if len(parts) != 3 {
		return Hop{}, fmt.Errorf("%w: %q has %d fields, want relay_url,peer_id,public_key",
			ErrBadHopDescriptor, descriptor, len(parts))
	}

	publicKey, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return Hop{}, fmt.Errorf("%w: invalid public key: %v", ErrBadHopDescriptor, err)
	}

	return Hop{
		RelayURL:  parts[0],
		PeerID:    parts[1],
		PublicKey: publicKey,
	}, nil
}

// ParseHopDescriptors parses a whole path, failing fast on the first bad
// descriptor.
func ParseHopDescriptors(descriptors []string) ([]Hop, error) {
	hops := make([]Hop, 0, len(descriptors))
	for i, descriptor := range descriptors {
		hop, err := ParseHopDescriptor(descriptor)
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		hops = append(hops, hop)
	}
	return hops, nil
}

// FormatHopDescriptor renders a hop in the external string form.
func FormatHopDescriptor(hop Hop) string {
	return strings.Join([]string{
		hop.RelayURL,
		hop.PeerID,
		base64.StdEncoding.EncodeToString(hop.PublicKey),
	}, ",")
}
