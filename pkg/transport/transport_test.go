package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/nodenexus/nodenexus/pkg/protocol"
)

func TestDialRejectsUnknownScheme(t *testing.T) {
	_, err := Dial(context.Background(), "ftp://example.com", DialOptions{})
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestGRPCServerRequiresTLS(t *testing.T) {
	_, err := NewGRPCServer(GRPCServerConfig{}, func(AgentStream) error { return nil })
	assert.ErrorContains(t, err, "TLS is mandatory")
}

func TestGRPCRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan AgentStream, 1)
	done := make(chan struct{})
	srv, err := NewGRPCServer(GRPCServerConfig{Insecure: true}, func(stream AgentStream) error {
		accepted <- stream
		<-done
		return nil
	})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()
	defer close(done)

	client, err := Dial(ctx, "grpc://"+lis.Addr().String(), DialOptions{Insecure: true})
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, KindGRPC, client.Kind())

	env, err := protocol.NewEnvelope(1, &protocol.AgentHandshake{HostID: 5, AgentSecret: "x"})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, env))

	server := <-accepted
	got, err := server.Recv(ctx)
	require.NoError(t, err)
	hs := got.Payload.(*protocol.AgentHandshake)
	assert.Equal(t, int64(5), hs.HostID)

	ack, err := protocol.NewEnvelope(1, &protocol.ServerHandshakeAck{AuthenticationSuccessful: true})
	require.NoError(t, err)
	require.NoError(t, server.Send(ctx, ack))

	reply, err := client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindServerHandshakeAck, reply.Kind)
}

// blockingServerStream is a grpc.ServerStream whose RecvMsg blocks until
// release is closed, standing in for an agent that has gone quiet.
type blockingServerStream struct {
	release chan struct{}
}

func (s *blockingServerStream) SetHeader(metadata.MD) error  { return nil }
func (s *blockingServerStream) SendHeader(metadata.MD) error { return nil }
func (s *blockingServerStream) SetTrailer(metadata.MD)       {}
func (s *blockingServerStream) Context() context.Context     { return context.Background() }
func (s *blockingServerStream) SendMsg(any) error            { return nil }

func (s *blockingServerStream) RecvMsg(any) error {
	<-s.release
	return io.EOF
}

func TestGRPCServerRecvHonorsContext(t *testing.T) {
	fake := &blockingServerStream{release: make(chan struct{})}
	t.Cleanup(func() { close(fake.release) })
	stream := newGRPCServerStream(fake)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := stream.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGRPCServerCloseUnblocksRecv(t *testing.T) {
	fake := &blockingServerStream{release: make(chan struct{})}
	t.Cleanup(func() { close(fake.release) })
	stream := newGRPCServerStream(fake)

	errCh := make(chan error, 1)
	go func() {
		_, err := stream.Recv(context.Background())
		errCh <- err
	}()

	require.NoError(t, stream.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not unblock on Close")
	}

	// A closed stream refuses further sends.
	env, err := protocol.NewEnvelope(1, &protocol.Heartbeat{TimestampMs: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, stream.Send(context.Background(), env), io.EOF)
}

func TestWebSocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan AgentStream, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream, err := AcceptWebSocket(w, r)
		if err != nil {
			return
		}
		accepted <- stream
	}))
	defer ts.Close()

	wsURL := "ws://" + strings.TrimPrefix(ts.URL, "http://")
	client, err := Dial(ctx, wsURL, DialOptions{})
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, KindWebSocket, client.Kind())

	env, err := protocol.NewEnvelope(7, &protocol.Heartbeat{TimestampMs: 1234})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, env))

	server := <-accepted
	got, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.MessageID)
	hb := got.Payload.(*protocol.Heartbeat)
	assert.Equal(t, int64(1234), hb.TimestampMs)

	// Peer close surfaces as a graceful end of stream.
	require.NoError(t, client.Close())
	_, err = server.Recv(ctx)
	assert.ErrorContains(t, err, "EOF")
}
