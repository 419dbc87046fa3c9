package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/nodenexus/nodenexus/pkg/protocol"
)

// The streaming-RPC binding rides a single gRPC bidirectional stream. The
// messages are raw protocol frames — there is no protobuf layer, so the
// service descriptor is written by hand and a passthrough codec moves the
// bytes. TLS is mandatory outside development and transport-level pings run
// every 10s with a 30s timeout.
const (
	grpcServiceName   = "nodenexus.v1.AgentComms"
	grpcMethodConnect = "/nodenexus.v1.AgentComms/Connect"

	grpcKeepaliveTime    = 10 * time.Second
	grpcKeepaliveTimeout = 30 * time.Second
)

// rawMessage is the unit moved by the passthrough codec: one encoded frame.
type rawMessage struct {
	data []byte
}

// rawCodec is a grpc codec that passes frames through untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("transport: raw codec cannot marshal %T", v)
	}
	return m.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("transport: raw codec cannot unmarshal into %T", v)
	}
	m.data = data
	return nil
}

func (rawCodec) Name() string { return "nodenexus-frame" }

// SessionFunc handles one accepted agent stream. It blocks for the lifetime
// of the session; its return tears the transport stream down.
type SessionFunc func(stream AgentStream) error

type agentCommsServer interface {
	connect(grpc.ServerStream) error
}

type commsService struct {
	handle SessionFunc
}

func (s *commsService) connect(ss grpc.ServerStream) error {
	return s.handle(newGRPCServerStream(ss))
}

func connectStreamHandler(srv any, ss grpc.ServerStream) error {
	return srv.(agentCommsServer).connect(ss)
}

var connectStreamDesc = grpc.StreamDesc{
	StreamName:    "Connect",
	Handler:       connectStreamHandler,
	ServerStreams: true,
	ClientStreams: true,
}

var commsServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*agentCommsServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams:     []grpc.StreamDesc{connectStreamDesc},
	Metadata:    "nodenexus/v1/comms",
}

// GRPCServerConfig configures the agent-facing gRPC listener.
type GRPCServerConfig struct {
	// TLSConfig must be set unless Insecure is true.
	TLSConfig *tls.Config
	Insecure  bool
}

// NewGRPCServer builds a grpc.Server that hands every accepted Connect
// stream to the session handler. The caller owns the listener and Serve loop.
func NewGRPCServer(cfg GRPCServerConfig, handle SessionFunc) (*grpc.Server, error) {
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(rawCodec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    grpcKeepaliveTime,
			Timeout: grpcKeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	switch {
	case cfg.TLSConfig != nil:
		opts = append(opts, grpc.Creds(credentials.NewTLS(cfg.TLSConfig)))
	case !cfg.Insecure:
		return nil, errors.New("transport: TLS is mandatory on the gRPC binding (set Insecure for development)")
	}

	srv := grpc.NewServer(opts...)
	srv.RegisterService(&commsServiceDesc, &commsService{handle: handle})
	return srv, nil
}

// grpcServerStream adapts the server side of a Connect stream. RecvMsg on a
// grpc.ServerStream cannot be interrupted, so reads run on a dedicated
// goroutine and Recv selects between arriving frames, the caller's context,
// and Close.
type grpcServerStream struct {
	ss grpc.ServerStream

	recvCh chan grpcRecv

	closed    chan struct{}
	closeOnce sync.Once
}

type grpcRecv struct {
	frame []byte
	err   error
}

func newGRPCServerStream(ss grpc.ServerStream) *grpcServerStream {
	s := &grpcServerStream{
		ss:     ss,
		recvCh: make(chan grpcRecv),
		closed: make(chan struct{}),
	}
	go s.readPump()
	return s
}

// readPump feeds inbound frames to Recv. It exits on the first read error or
// when the stream is closed; a final error is delivered to at most one
// pending Recv.
func (s *grpcServerStream) readPump() {
	for {
		var m rawMessage
		err := s.ss.RecvMsg(&m)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.EOF
			}
			select {
			case s.recvCh <- grpcRecv{err: err}:
			case <-s.closed:
			}
			return
		}
		select {
		case s.recvCh <- grpcRecv{frame: m.data}:
		case <-s.closed:
			return
		}
	}
}

func (s *grpcServerStream) Recv(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case r := <-s.recvCh:
		if r.err != nil {
			return nil, r.err
		}
		return protocol.Decode(r.frame)
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *grpcServerStream) Send(_ context.Context, env *protocol.Envelope) error {
	select {
	case <-s.closed:
		return io.EOF
	default:
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	return s.ss.SendMsg(&rawMessage{data: frame})
}

// Close unblocks any pending Recv. Returning from the session handler then
// ends the RPC and gRPC closes the underlying stream.
func (s *grpcServerStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *grpcServerStream) Kind() string { return KindGRPC }

// grpcClientStream adapts the agent side of a Connect stream.
type grpcClientStream struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

func dialGRPC(ctx context.Context, u *url.URL, opts DialOptions) (AgentStream, error) {
	var creds credentials.TransportCredentials
	if opts.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(&tls.Config{
			InsecureSkipVerify: opts.TLSSkipVerify, //nolint:gosec // operator opt-in for self-signed deployments
		})
	}

	conn, err := grpc.NewClient(u.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                grpcKeepaliveTime,
			Timeout:             grpcKeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", u.Host, err)
	}

	stream, err := conn.NewStream(ctx, &connectStreamDesc, grpcMethodConnect)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: opening stream: %w", err)
	}
	return &grpcClientStream{conn: conn, stream: stream}, nil
}

func (s *grpcClientStream) Recv(ctx context.Context) (*protocol.Envelope, error) {
	var m rawMessage
	if err := s.stream.RecvMsg(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return protocol.Decode(m.data)
}

func (s *grpcClientStream) Send(_ context.Context, env *protocol.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	return s.stream.SendMsg(&rawMessage{data: frame})
}

func (s *grpcClientStream) Close() error {
	_ = s.stream.CloseSend()
	return s.conn.Close()
}

func (s *grpcClientStream) Kind() string { return KindGRPC }
