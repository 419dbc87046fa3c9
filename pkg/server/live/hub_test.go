package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/metrics"
	"github.com/nodenexus/nodenexus/pkg/protocol"
	"github.com/nodenexus/nodenexus/pkg/store"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	log := slog.New(slog.NewTextHandler(testLogWriter{t}, nil))
	return NewHub(log, metrics.NewServer(), 5*time.Second)
}

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

// testClient dials the hub and reads framed messages.
type testClient struct {
	conn *websocket.Conn
	ctx  context.Context
}

func dialHub(t *testing.T, h *Hub) *testClient {
	t.Helper()
	return dialHubAs(t, h, true)
}

func dialPublicHub(t *testing.T, h *Hub) *testClient {
	t.Helper()
	return dialHubAs(t, h, false)
}

func dialHubAs(t *testing.T, h *Hub, authenticated bool) *testClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		h.HandleConnection(r.Context(), conn, authenticated)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return &testClient{conn: conn, ctx: ctx}
}

func (c *testClient) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.conn.Write(c.ctx, websocket.MessageText, data))
}

func (c *testClient) next(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	_, data, err := c.conn.Read(c.ctx)
	require.NoError(t, err)
	var msg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func msgType(t *testing.T, msg map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	require.NoError(t, json.Unmarshal(msg["type"], &typ))
	return typ
}

func (c *testClient) subscribe(t *testing.T, channel string) {
	t.Helper()
	c.send(t, clientMessage{Action: "subscribe", Channel: channel})
	require.Equal(t, "subscription.confirmed", msgType(t, c.next(t)))
}

func TestSubscribeDeliversCurrentSnapshot(t *testing.T) {
	h := newTestHub(t)
	name := "web-1"
	require.NoError(t, h.SetServerList(BuildServerList([]*store.VPS{
		{ID: 1, Name: name, Status: store.VPSStatusOnline},
	}, nil)))

	c := dialHub(t, h)
	c.subscribe(t, ChannelServers)

	msg := c.next(t)
	require.Equal(t, TypeFullServerList, msgType(t, msg))
	var data ServerListData
	require.NoError(t, json.Unmarshal(msg["data"], &data))
	require.Len(t, data.Servers, 1)
	assert.Equal(t, name, data.Servers[0].Name)
}

func TestSetServerListBroadcasts(t *testing.T) {
	h := newTestHub(t)
	c := dialHub(t, h)
	c.subscribe(t, ChannelServers)

	require.NoError(t, h.SetServerList(BuildServerList([]*store.VPS{
		{ID: 7, Name: "db-1", Status: store.VPSStatusOffline},
	}, nil)))

	msg := c.next(t)
	assert.Equal(t, TypeFullServerList, msgType(t, msg))
}

func TestMetricBuffersDrainToSubscribers(t *testing.T) {
	h := newTestHub(t)
	c := dialHub(t, h)
	c.subscribe(t, ChannelServers)

	h.PushMetrics(42, []protocol.PerformanceSnapshot{{TimestampMs: 1, CPUPercent: 12.5}})
	h.PushMetrics(42, []protocol.PerformanceSnapshot{{TimestampMs: 2, CPUPercent: 50}})
	h.drainBuffers()

	msg := c.next(t)
	require.Equal(t, TypeMetricBatch, msgType(t, msg))
	var data MetricBatchData
	require.NoError(t, json.Unmarshal(msg["data"], &data))
	assert.Equal(t, int64(42), data.VPSID)
	require.Len(t, data.Snapshots, 2, "batches between ticks are coalesced")
	assert.Equal(t, int64(1), data.Snapshots[0].TimestampMs)
	assert.Equal(t, int64(2), data.Snapshots[1].TimestampMs)
}

func TestMetricsNotBufferedWithoutSubscribers(t *testing.T) {
	h := newTestHub(t)
	h.PushMetrics(42, []protocol.PerformanceSnapshot{{TimestampMs: 1}})

	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	assert.Empty(t, h.buffers, "no subscriber, nothing buffered")
}

func TestDrainDiscardsWhenLastSubscriberLeft(t *testing.T) {
	h := newTestHub(t)
	c := dialHub(t, h)
	c.subscribe(t, ChannelServers)

	h.PushMetrics(42, []protocol.PerformanceSnapshot{{TimestampMs: 1}})
	c.send(t, clientMessage{Action: "unsubscribe", Channel: ChannelServers})
	require.Eventually(t, func() bool { return h.subscriberCount(ChannelServers) == 0 },
		2*time.Second, 10*time.Millisecond)

	h.drainBuffers()
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	assert.Empty(t, h.buffers, "drain clears buffers even when discarding")
}

func TestBatchChannelIsScoped(t *testing.T) {
	h := newTestHub(t)
	batchID := uuid.New()

	watcher := dialHub(t, h)
	watcher.subscribe(t, BatchChannel(batchID))
	bystander := dialHub(t, h)
	bystander.subscribe(t, ChannelServers)

	h.PushBatchOutput(batchID, &protocol.BatchCommandOutputStream{
		ChildCommandID: uuid.New().String(),
		StreamType:     protocol.StreamStdout,
		Chunk:          "hello\n",
	})

	msg := watcher.next(t)
	require.Equal(t, TypeBatchOutput, msgType(t, msg))
	var chunk protocol.BatchCommandOutputStream
	require.NoError(t, json.Unmarshal(msg["data"], &chunk))
	assert.Equal(t, "hello\n", chunk.Chunk)

	// The bystander only ever sees servers-channel traffic.
	bystander.send(t, clientMessage{Action: "ping"})
	assert.Equal(t, "pong", msgType(t, bystander.next(t)))
}

func TestPing(t *testing.T) {
	h := newTestHub(t)
	c := dialHub(t, h)
	c.send(t, clientMessage{Action: "ping"})
	assert.Equal(t, "pong", msgType(t, c.next(t)))
}

func TestPublicSubscriberGetsDesensitizedSnapshot(t *testing.T) {
	h := newTestHub(t)
	ip := "203.0.113.9"
	limit := int64(1 << 40)
	require.NoError(t, h.SetServerList(BuildServerList([]*store.VPS{{
		ID: 1, Name: "edge-1", Status: store.VPSStatusOnline,
		IPAddress: &ip, TrafficLimitBytes: &limit, TrafficCycleRx: 123,
	}}, nil)))

	c := dialPublicHub(t, h)
	c.subscribe(t, ChannelServers)

	msg := c.next(t)
	require.Equal(t, TypeFullServerList, msgType(t, msg))
	var data ServerListData
	require.NoError(t, json.Unmarshal(msg["data"], &data))
	require.Len(t, data.Servers, 1)
	assert.Equal(t, "edge-1", data.Servers[0].Name)
	assert.Nil(t, data.Servers[0].IPAddress, "addresses never reach anonymous viewers")
	assert.Nil(t, data.Servers[0].TrafficLimitBytes)
	assert.Zero(t, data.Servers[0].TrafficCycleRx)

	// Fleet mutations rebroadcast the desensitized frame to the same client.
	require.NoError(t, h.SetServerList(BuildServerList([]*store.VPS{{
		ID: 1, Name: "edge-1", Status: store.VPSStatusOffline, IPAddress: &ip,
	}}, nil)))
	msg = c.next(t)
	require.Equal(t, TypeFullServerList, msgType(t, msg))
	require.NoError(t, json.Unmarshal(msg["data"], &data))
	assert.Equal(t, store.VPSStatusOffline, data.Servers[0].Status)
	assert.Nil(t, data.Servers[0].IPAddress)
}

func TestAuthenticatedSubscriberKeepsFullSnapshot(t *testing.T) {
	h := newTestHub(t)
	ip := "203.0.113.9"
	require.NoError(t, h.SetServerList(BuildServerList([]*store.VPS{{
		ID: 1, Name: "edge-1", Status: store.VPSStatusOnline, IPAddress: &ip,
	}}, nil)))

	c := dialHub(t, h)
	c.subscribe(t, ChannelServers)

	msg := c.next(t)
	var data ServerListData
	require.NoError(t, json.Unmarshal(msg["data"], &data))
	require.Len(t, data.Servers, 1)
	require.NotNil(t, data.Servers[0].IPAddress)
	assert.Equal(t, ip, *data.Servers[0].IPAddress)
}

func TestPublicSubscriberReceivesMetricDrain(t *testing.T) {
	h := newTestHub(t)
	c := dialPublicHub(t, h)
	c.subscribe(t, ChannelServers)

	h.PushMetrics(42, []protocol.PerformanceSnapshot{{TimestampMs: 1, CPUPercent: 12.5}})
	h.drainBuffers()

	msg := c.next(t)
	require.Equal(t, TypeMetricBatch, msgType(t, msg))
}

func TestPublicClientCannotJoinBatchChannels(t *testing.T) {
	h := newTestHub(t)
	c := dialPublicHub(t, h)

	c.send(t, clientMessage{Action: "subscribe", Channel: BatchChannel(uuid.New())})
	assert.Equal(t, "error", msgType(t, c.next(t)))
}

func TestDesensitizeStripsPrivateFields(t *testing.T) {
	ip := "203.0.113.9"
	host := "internal.example.com"
	limit := int64(1 << 40)
	list := BuildServerList([]*store.VPS{{
		ID: 1, Name: "edge-1", Status: store.VPSStatusOnline,
		IPAddress: &ip, Hostname: &host,
		TrafficLimitBytes: &limit, TrafficCycleRx: 123, TrafficCycleTx: 456,
	}}, map[int64]*protocol.PerformanceSnapshot{1: {CPUPercent: 10}})

	public := Desensitize(list)
	require.Len(t, public.Servers, 1)
	v := public.Servers[0]
	assert.Nil(t, v.IPAddress)
	assert.Nil(t, v.Hostname)
	assert.Nil(t, v.TrafficLimitBytes)
	assert.Zero(t, v.TrafficCycleRx)
	assert.Zero(t, v.TrafficCycleTx)
	assert.NotNil(t, v.LatestMetrics, "metrics stay visible")
	assert.Equal(t, "edge-1", v.Name)
}
