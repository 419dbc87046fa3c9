// Package transport provides the two wire bindings for agent sessions — a
// gRPC bidirectional stream and a WebSocket — both exposing the same
// AgentStream of decoded protocol envelopes. Session code is
// transport-agnostic; the agent selects a binding by URL scheme.
package transport

import (
	"context"
	"fmt"
	"net/url"

	"github.com/nodenexus/nodenexus/pkg/protocol"
)

// Transport kind names, reported by AgentStream.Kind.
const (
	KindGRPC      = "grpc"
	KindWebSocket = "websocket"
)

// AgentStream is a bidirectional pipe of decoded protocol messages.
// Recv returns io.EOF on graceful peer close. A decode error is fatal:
// the caller must tear the session down.
type AgentStream interface {
	Recv(ctx context.Context) (*protocol.Envelope, error)
	Send(ctx context.Context, env *protocol.Envelope) error
	Close() error
	Kind() string
}

// DialOptions tunes client-side connections.
type DialOptions struct {
	// TLSSkipVerify disables certificate verification (self-signed servers).
	TLSSkipVerify bool
	// Insecure disables TLS entirely on the gRPC binding. Development only;
	// the production transport mandates TLS.
	Insecure bool
}

// Dial connects to the server address, selecting the transport by scheme:
// grpc:// and grpcs:// use the streaming-RPC binding, ws:// and wss:// the
// WebSocket binding.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (AgentStream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parsing server address: %w", err)
	}
	switch u.Scheme {
	case "grpc", "grpcs":
		return dialGRPC(ctx, u, opts)
	case "ws", "wss":
		return dialWebSocket(ctx, rawURL, opts)
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
}
