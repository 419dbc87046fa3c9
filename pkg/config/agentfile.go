package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentFileConfig is the agent's on-disk configuration file. Missing or
// malformed fields are fatal at startup: there is no way to reach the server
// without them.
type AgentFileConfig struct {
	// ServerAddress selects the transport by URL scheme:
	// grpc:// or grpcs:// for the streaming-RPC transport,
	// ws:// or wss:// for the WebSocket transport.
	ServerAddress string `yaml:"server_address"`
	VPSID         int64  `yaml:"vps_id"`
	AgentSecret   string `yaml:"agent_secret"`

	// TLSSkipVerify disables certificate verification for self-signed
	// deployments. Off by default.
	TLSSkipVerify bool `yaml:"tls_skip_verify"`
}

// LoadAgentFile reads and validates the agent configuration file.
func LoadAgentFile(path string) (*AgentFileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config %s: %w", path, err)
	}
	var cfg AgentFileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the required fields and the server address scheme.
func (c *AgentFileConfig) Validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("server_address is required")
	}
	u, err := url.Parse(c.ServerAddress)
	if err != nil {
		return fmt.Errorf("server_address: %w", err)
	}
	switch u.Scheme {
	case "grpc", "grpcs", "ws", "wss":
	default:
		return fmt.Errorf("server_address: unsupported scheme %q (want grpc, grpcs, ws or wss)", u.Scheme)
	}
	if c.VPSID <= 0 {
		return fmt.Errorf("vps_id is required and must be positive")
	}
	if c.AgentSecret == "" {
		return fmt.Errorf("agent_secret is required")
	}
	return nil
}
