package transport

import "net"

// Platform is the execution environment class, detected once per process.
type Platform int

const (
	// PlatformNative has raw socket access and can dial peers directly.
	PlatformNative Platform = iota
	// PlatformConstrained is a sandboxed environment limited to
	// relay-mediated connectivity.
	PlatformConstrained
)

func (p Platform) String() string {
	if p == PlatformNative {
		return "native"
	}
	return "constrained"
}

// DetectPlatform probes for raw socket access. Binding an ephemeral UDP
// socket succeeds everywhere direct transports can work and fails in
// sandboxed contexts.
func DetectPlatform() Platform {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return PlatformConstrained
	}
	_ = conn.Close()
	return PlatformNative
}

// Capabilities are the per-platform transport bounds.
type Capabilities struct {
	SupportsDirectP2P    bool
	SupportsNATTraversal bool
	SupportsRelay        bool
	MinHops              int
	MaxHops              int
}

// PlatformCapabilities returns the bounds for a platform.
func PlatformCapabilities(p Platform) Capabilities {
	if p == PlatformNative {
		return Capabilities{
			SupportsDirectP2P:    true,
			SupportsNATTraversal: true,
			SupportsRelay:        true,
			MinHops:              2,
			MaxHops:              8,
		}
	}
	return Capabilities{
		SupportsDirectP2P:    false,
		SupportsNATTraversal: false,
		SupportsRelay:        true,
		MinHops:              3,
		MaxHops:              6,
	}
}
