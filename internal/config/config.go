// Package config loads the daemon configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML values like "30s" or "1m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Reconnect is the relay reconnection policy.
type Reconnect struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Delay       Duration `yaml:"delay"`
}

// Config is the daemon configuration. Missing fields keep their defaults.
type Config struct {
	SignalingURL     string    `yaml:"signaling_url"`
	RelayURL         string    `yaml:"relay_url"`
	PeerID           string    `yaml:"peer_id"`
	Room             string    `yaml:"room"`
	CircuitRoom      string    `yaml:"circuit_room"`
	ListenAddr       string    `yaml:"listen_addr"`
	STUNServers      []string  `yaml:"stun_servers"`
	Reconnect        Reconnect `yaml:"reconnect"`
	LivenessInterval Duration  `yaml:"liveness_interval"`
	Debug            bool      `yaml:"debug"`
}

func Default() Config {
	return Config{
		SignalingURL:     "localhost:9000",
		Room:             "default",
		CircuitRoom:      "default",
		ListenAddr:       ":0",
		Reconnect:        Reconnect{MaxAttempts: 3, Delay: Duration(time.Second)},
		LivenessInterval: Duration(30 * time.Second),
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
