package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ServerConfig is the server process configuration, sourced from the
// environment (optionally preloaded from a .env file by the entrypoint).
type ServerConfig struct {
	HTTPAddr string // REST + client WebSocket + /metrics
	GRPCAddr string // agent streaming-RPC transport

	// TLS for the agent gRPC transport. TLS is mandatory on that transport;
	// both paths must be set unless GRPCInsecure is explicitly enabled for
	// local development.
	TLSCertFile  string
	TLSKeyFile   string
	GRPCInsecure bool

	DatabaseURL string

	// APIToken authenticates operator REST and dashboard WebSocket calls.
	// Empty means the authenticated API is disabled; public endpoints still
	// work.
	APIToken string

	// SecretKey is the 32-byte AES-256-GCM key for secrets at rest,
	// hex encoded in the environment.
	SecretKey []byte

	WSWriteTimeout time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// LoadServerConfig reads the server configuration from the environment.
// A missing database URL or a malformed secret key is fatal.
func LoadServerConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{
		HTTPAddr:       getenv("NEXUS_HTTP_ADDR", ":8080"),
		GRPCAddr:       getenv("NEXUS_GRPC_ADDR", ":9000"),
		TLSCertFile:    os.Getenv("NEXUS_TLS_CERT"),
		TLSKeyFile:     os.Getenv("NEXUS_TLS_KEY"),
		DatabaseURL:    os.Getenv("NEXUS_DATABASE_URL"),
		APIToken:       os.Getenv("NEXUS_API_TOKEN"),
		WSWriteTimeout: 10 * time.Second,
	}

	if v := os.Getenv("NEXUS_GRPC_INSECURE"); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("NEXUS_GRPC_INSECURE: %w", err)
		}
		cfg.GRPCInsecure = insecure
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("NEXUS_DATABASE_URL is required")
	}
	if !cfg.GRPCInsecure && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("NEXUS_TLS_CERT and NEXUS_TLS_KEY are required (or set NEXUS_GRPC_INSECURE=true for development)")
	}

	if keyHex := os.Getenv("NEXUS_SECRET_KEY"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("NEXUS_SECRET_KEY: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("NEXUS_SECRET_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
		}
		cfg.SecretKey = key
	}

	if v := os.Getenv("NEXUS_WS_WRITE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("NEXUS_WS_WRITE_TIMEOUT: %w", err)
		}
		cfg.WSWriteTimeout = d
	}

	return cfg, nil
}
