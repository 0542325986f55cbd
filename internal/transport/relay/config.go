package relay

import (
	"log/slog"
	"strings"
	"time"
)

const (
	defaultMaxCircuitHops       = 6
	defaultCircuitTimeout       = 30 * time.Second
	defaultMaxReconnectAttempts = 3
	defaultReconnectDelay       = time.Second
)

// Config carries relay transport construction parameters. Zero values are
// replaced by defaults; an explicit negative MaxReconnectAttempts disables
// reconnection.
type Config struct {
	// RelayURL of the relay server. A bare host is rewritten to
	// wss://<host>/onion.
	RelayURL             string
	MaxCircuitHops       int
	CircuitTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	Logger               *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxCircuitHops == 0 {
		c.MaxCircuitHops = defaultMaxCircuitHops
	}
	if c.CircuitTimeout == 0 {
		c.CircuitTimeout = defaultCircuitTimeout
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// normalizeRelayURL rewrites a relay address into websocket form, defaulting
// bare hosts to the secure scheme with the fixed onion path.
func normalizeRelayURL(url string) string {
	switch {
	case strings.HasPrefix(url, "ws://"), strings.HasPrefix(url, "wss://"):
		return url
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	default:
		return "wss://" + strings.TrimSuffix(url, "/") + "/onion"
	}
}
