// Package config loads YAML configuration for the relay and node daemons,
// with pointer-field optional overrides merged over defaults and a final
// environment-variable override pass, following the teacher's
// wakuconfig.LoadFromPathWithDataDir idiom.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig configures the relay/rendezvous daemon.
type RelayConfig struct {
	Listen             string        `yaml:"listen"`
	DataDir            string        `yaml:"dataDir"`
	MaxConnections     int           `yaml:"maxConnections"`
	RelayRateLimit     float64       `yaml:"relayRateLimit"`
	RegisterRateLimit  float64       `yaml:"registerRateLimit"`
	LookupRateLimit    float64       `yaml:"lookupRateLimit"`
	CleanupInterval    time.Duration `yaml:"cleanupInterval"`
	TLSCertPath        string        `yaml:"tlsCertPath"`
	TLSKeyPath         string        `yaml:"tlsKeyPath"`
}

// relayOverrides mirrors RelayConfig for YAML decoding. A zero or empty field
// counts as "not set" and leaves the default in place; only CleanupInterval
// is a pointer, so only it is merged whenever it is present.
type relayOverrides struct {
	Listen            string         `yaml:"listen"`
	DataDir           string         `yaml:"dataDir"`
	MaxConnections    int            `yaml:"maxConnections"`
	RelayRateLimit    float64        `yaml:"relayRateLimit"`
	RegisterRateLimit float64        `yaml:"registerRateLimit"`
	LookupRateLimit   float64        `yaml:"lookupRateLimit"`
	CleanupInterval   *time.Duration `yaml:"cleanupInterval"`
	TLSCertPath       string         `yaml:"tlsCertPath"`
	TLSKeyPath        string         `yaml:"tlsKeyPath"`
}

// DefaultRelayConfig returns the relay daemon's baked-in defaults, matching
// the original source's CLI flag defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Listen:            "0.0.0.0:50100",
		DataDir:           "/var/lib/agentmesh-relay",
		MaxConnections:    1000,
		RelayRateLimit:    100,
		RegisterRateLimit: 2.0 / 60.0,
		LookupRateLimit:   50,
		CleanupInterval:   5 * time.Minute,
	}
}

// LoadRelayConfig loads configPath (if non-empty and present), merges it
// over the defaults, and applies AGENTMESH_RELAY_* environment overrides.
func LoadRelayConfig(configPath string) RelayConfig {
	cfg := DefaultRelayConfig()

	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			var overrides relayOverrides
			if err := yaml.Unmarshal(data, &overrides); err == nil {
				mergeRelay(&cfg, overrides)
			} else {
				slog.Warn("relay config parse failed", "event_type", "config.parse_failed", "path", configPath, "error", err)
			}
		}
	}
	applyRelayEnvOverrides(&cfg)
	return cfg
}

func mergeRelay(dst *RelayConfig, src relayOverrides) {
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	mergeIfSet(&dst.MaxConnections, src.MaxConnections)
	mergeIfSet(&dst.RelayRateLimit, src.RelayRateLimit)
	mergeIfSet(&dst.RegisterRateLimit, src.RegisterRateLimit)
	mergeIfSet(&dst.LookupRateLimit, src.LookupRateLimit)
	if src.CleanupInterval != nil {
		dst.CleanupInterval = *src.CleanupInterval
	}
	if src.TLSCertPath != "" {
		dst.TLSCertPath = src.TLSCertPath
	}
	if src.TLSKeyPath != "" {
		dst.TLSKeyPath = src.TLSKeyPath
	}
}

func applyRelayEnvOverrides(cfg *RelayConfig) {
	if v := strings.TrimSpace(os.Getenv("AGENTMESH_RELAY_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTMESH_RELAY_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTMESH_RELAY_MAX_CONNECTIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConnections = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGENTMESH_RELAY_TLS_CERT")); v != "" {
		cfg.TLSCertPath = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTMESH_RELAY_TLS_KEY")); v != "" {
		cfg.TLSKeyPath = v
	}
}

// NodeConfig configures the node daemon.
type NodeConfig struct {
	RelayHosts      []string      `yaml:"relayHosts"`
	StateDir        string        `yaml:"stateDir"`
	SocketPath      string        `yaml:"socketPath"`
	ReconnectDelay  time.Duration `yaml:"reconnectDelay"`
	HeartbeatPeriod time.Duration `yaml:"heartbeatPeriod"`
	IngressRateCap  float64       `yaml:"ingressRateCap"`
	IngressRateFill float64       `yaml:"ingressRateFill"`
}

type nodeOverrides struct {
	RelayHosts      []string       `yaml:"relayHosts"`
	StateDir        string         `yaml:"stateDir"`
	SocketPath      string         `yaml:"socketPath"`
	ReconnectDelay  *time.Duration `yaml:"reconnectDelay"`
	HeartbeatPeriod *time.Duration `yaml:"heartbeatPeriod"`
	IngressRateCap  float64        `yaml:"ingressRateCap"`
	IngressRateFill float64        `yaml:"ingressRateFill"`
}

// DefaultNodeConfig returns the node daemon's baked-in defaults.
func DefaultNodeConfig() NodeConfig {
	home, _ := os.UserHomeDir()
	stateDir := os.Getenv("AGENTMESH_STATE_DIR")
	if stateDir == "" {
		stateDir = home + "/.local/state/agentmesh"
	}
	return NodeConfig{
		StateDir:        stateDir,
		SocketPath:      stateDir + "/agentmesh.sock",
		ReconnectDelay:  5 * time.Second,
		HeartbeatPeriod: 30 * time.Second,
		IngressRateCap:  10,
		IngressRateFill: 1,
	}
}

// LoadNodeConfig loads configPath (if non-empty and present), merges it over
// the defaults, and applies the AGENTMESH_STATE_DIR, AGENTMESH_RELAY_HOSTS and
// AGENTMESH_SOCKET_PATH environment overrides.
func LoadNodeConfig(configPath string) NodeConfig {
	cfg := DefaultNodeConfig()
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			var overrides nodeOverrides
			if err := yaml.Unmarshal(data, &overrides); err == nil {
				mergeNode(&cfg, overrides)
			} else {
				slog.Warn("node config parse failed", "event_type", "config.parse_failed", "path", configPath, "error", err)
			}
		}
	}
	applyNodeEnvOverrides(&cfg)
	return cfg
}

func mergeNode(dst *NodeConfig, src nodeOverrides) {
	if src.RelayHosts != nil {
		dst.RelayHosts = src.RelayHosts
	}
	if src.StateDir != "" {
		dst.StateDir = src.StateDir
	}
	if src.SocketPath != "" {
		dst.SocketPath = src.SocketPath
	}
	if src.ReconnectDelay != nil {
		dst.ReconnectDelay = *src.ReconnectDelay
	}
	if src.HeartbeatPeriod != nil {
		dst.HeartbeatPeriod = *src.HeartbeatPeriod
	}
	mergeIfSet(&dst.IngressRateCap, src.IngressRateCap)
	mergeIfSet(&dst.IngressRateFill, src.IngressRateFill)
}

func applyNodeEnvOverrides(cfg *NodeConfig) {
	if v := strings.TrimSpace(os.Getenv("AGENTMESH_RELAY_HOSTS")); v != "" {
		cfg.RelayHosts = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv("AGENTMESH_STATE_DIR")); v != "" {
		cfg.StateDir = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTMESH_SOCKET_PATH")); v != "" {
		cfg.SocketPath = v
	}
}

// mergeIfSet copies src into *dst unless src is the zero value of T.
func mergeIfSet[T comparable](dst *T, src T) {
	var zero T
	if src != zero {
		*dst = src
	}
}
