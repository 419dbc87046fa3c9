package agent

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/config"
	"github.com/nodenexus/nodenexus/pkg/protocol"
	"github.com/nodenexus/nodenexus/pkg/transport"
)

func TestBackoffSequence(t *testing.T) {
	var b backoff
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 160 * time.Second, 300 * time.Second, 300 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i+1)
	}

	b.Reset()
	assert.Equal(t, 5*time.Second, b.Next(), "reset returns to the initial delay")
}

// fakeStream is an in-memory AgentStream driven by the test acting as the
// server.
type fakeStream struct {
	toAgent   chan *protocol.Envelope
	fromAgent chan *protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		toAgent:   make(chan *protocol.Envelope, 16),
		fromAgent: make(chan *protocol.Envelope, 64),
		closed:    make(chan struct{}),
	}
}

func (f *fakeStream) Recv(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case env := <-f.toAgent:
		return env, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeStream) Send(ctx context.Context, env *protocol.Envelope) error {
	select {
	case f.fromAgent <- env:
		return nil
	case <-f.closed:
		return errors.New("stream closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) Kind() string { return "fake" }

// serverSend pushes an agent-bound message as the fake server.
func (f *fakeStream) serverSend(t *testing.T, id uint64, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(id, payload)
	require.NoError(t, err)
	f.toAgent <- env
}

// agentRecv pops the next server-bound message.
func (f *fakeStream) agentRecv(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-f.fromAgent:
		return env
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for agent message")
		return nil
	}
}

func testFileConfig() *config.AgentFileConfig {
	return &config.AgentFileConfig{
		ServerAddress: "grpcs://server.example:9000",
		VPSID:         7,
		AgentSecret:   "s3cret",
	}
}

func newTestController(t *testing.T, stream *fakeStream) *Controller {
	t.Helper()
	c := NewController(testLogger(t), testFileConfig(), "1.2.3")
	c.dial = func(context.Context, string, transport.DialOptions) (transport.AgentStream, error) {
		return stream, nil
	}
	return c
}

// quietConfig keeps the periodic loops from firing during a test.
func quietConfig() *config.AgentConfig {
	return &config.AgentConfig{
		MetricsIntervalSeconds:   3600,
		HeartbeatIntervalSeconds: 3600,
	}
}

func TestControllerHandshake(t *testing.T) {
	stream := newFakeStream()
	c := newTestController(t, stream)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	env := stream.agentRecv(t)
	hs, ok := env.Payload.(*protocol.AgentHandshake)
	require.True(t, ok, "first message must be the handshake, got %s", env.Kind)
	assert.Equal(t, int64(7), hs.HostID)
	assert.Equal(t, "s3cret", hs.AgentSecret)
	assert.Equal(t, "1.2.3", hs.AgentVersion)
	assert.Equal(t, uint64(1), env.MessageID)

	stream.serverSend(t, 1, &protocol.ServerHandshakeAck{
		AuthenticationSuccessful: true,
		InitialConfig:            quietConfig(),
	})

	// Session is up; shutting down is a graceful exit.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestControllerAuthRejectionIsTerminal(t *testing.T) {
	stream := newFakeStream()
	c := newTestController(t, stream)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	stream.agentRecv(t) // handshake
	stream.serverSend(t, 1, &protocol.ServerHandshakeAck{
		AuthenticationSuccessful: false,
		ErrorMessage:             "authentication failed",
	})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAuthRejected, "no reconnect on bad credentials")
	case <-time.After(10 * time.Second):
		t.Fatal("controller kept running after auth rejection")
	}
}

func TestControllerAppliesConfigPushAndAcks(t *testing.T) {
	stream := newFakeStream()
	c := newTestController(t, stream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	stream.agentRecv(t) // handshake
	stream.serverSend(t, 1, &protocol.ServerHandshakeAck{
		AuthenticationSuccessful: true,
		InitialConfig:            quietConfig(),
	})

	pushed := *quietConfig()
	pushed.LogLevel = "debug"
	stream.serverSend(t, 2, &protocol.UpdateConfigRequest{
		ConfigVersionID: "v-123",
		Config:          pushed,
	})

	env := stream.agentRecv(t)
	ack, ok := env.Payload.(*protocol.UpdateConfigResponse)
	require.True(t, ok, "expected config ack, got %s", env.Kind)
	assert.Equal(t, "v-123", ack.ConfigVersionID)
	assert.True(t, ack.Success)
	assert.Greater(t, env.MessageID, uint64(1), "ids stay monotonic across the session")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestControllerEstablishedFlagResetsBackoff(t *testing.T) {
	// Two dials: the first session handshakes then dies, the second is
	// observed quickly because the reset backoff waits only 5s... too slow
	// for a unit test, so instead verify runSession's established flag
	// directly.
	stream := newFakeStream()
	c := newTestController(t, stream)

	done := make(chan struct{})
	var established bool
	var err error
	go func() {
		defer close(done)
		established, err = c.runSession(context.Background())
	}()

	stream.agentRecv(t)
	stream.serverSend(t, 1, &protocol.ServerHandshakeAck{
		AuthenticationSuccessful: true,
		InitialConfig:            quietConfig(),
	})
	time.Sleep(50 * time.Millisecond)
	stream.Close()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end after stream close")
	}
	assert.True(t, established)
	assert.Error(t, err, "a dropped stream is an error, not a graceful exit")
}

func TestControllerDialFailureKeepsRetrying(t *testing.T) {
	c := NewController(testLogger(t), testFileConfig(), "1.2.3")
	dials := make(chan struct{}, 8)
	c.dial = func(context.Context, string, transport.DialOptions) (transport.AgentStream, error) {
		dials <- struct{}{}
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-dials:
	case <-time.After(10 * time.Second):
		t.Fatal("controller never dialed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("controller did not stop")
	}
}
