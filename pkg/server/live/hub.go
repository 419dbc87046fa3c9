// Package live fans telemetry out to browser WebSocket clients. Clients
// subscribe to channels; the hub pushes the current fleet snapshot on
// subscribe, buffers per-host metric batches between ticks, and drains the
// buffers once per second so a chatty fleet cannot flood slow clients.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nodenexus/nodenexus/pkg/metrics"
	"github.com/nodenexus/nodenexus/pkg/protocol"
)

// ChannelServers carries the fleet snapshot, metric batches, and monitor
// results. Batch command channels are per-batch, see BatchChannel.
const ChannelServers = "servers"

// channelPublicServers is the internal fan-out channel for unauthenticated
// clients. They subscribe to "servers" like everyone else but receive the
// desensitized snapshot; the split channel keeps broadcast frames
// pre-marshaled per audience.
const channelPublicServers = "servers:public"

// BatchChannel names the channel carrying output of one batch command.
func BatchChannel(batchID uuid.UUID) string {
	return "batch:" + batchID.String()
}

// drainInterval is the cadence at which buffered metric batches are pushed.
const drainInterval = time.Second

// Outbound message types.
const (
	TypeFullServerList = "full_server_list"
	TypeMetricBatch    = "performance_metric_batch"
	TypeMonitorResult  = "service_monitor_result"
	TypeBatchOutput    = "batch_command_output"
	TypeBatchUpdate    = "batch_command_update"
)

// Message is the envelope every outbound WebSocket frame uses.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// clientMessage is what browsers send.
type clientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// MetricBatchData is the payload of a performance_metric_batch message.
type MetricBatchData struct {
	VPSID     int64                          `json:"vps_id"`
	Snapshots []protocol.PerformanceSnapshot `json:"snapshots"`
}

// client is one connected browser. public clients only ever see the
// desensitized servers feed.
type client struct {
	id            string
	conn          *websocket.Conn
	public        bool
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// Hub tracks clients and channel subscriptions.
type Hub struct {
	log          *slog.Logger
	metrics      *metrics.Server
	writeTimeout time.Duration

	mu        sync.RWMutex
	clients   map[string]*client
	channelMu sync.RWMutex
	channels  map[string]map[string]bool

	// Current fleet snapshot, pre-marshaled per audience. Sent to every new
	// servers subscriber and rebroadcast whenever the fleet mutates.
	snapMu         sync.RWMutex
	snapshot       []byte
	publicSnapshot []byte

	// Per-host metric batches accumulated since the last drain tick.
	bufMu   sync.Mutex
	buffers map[int64][]protocol.PerformanceSnapshot

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a stopped hub. Call Start to begin the drain loop.
func NewHub(log *slog.Logger, m *metrics.Server, writeTimeout time.Duration) *Hub {
	return &Hub{
		log:          log.With("component", "live_hub"),
		metrics:      m,
		writeTimeout: writeTimeout,
		clients:      make(map[string]*client),
		channels:     make(map[string]map[string]bool),
		buffers:      make(map[int64][]protocol.PerformanceSnapshot),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the metric drain loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.drainLoop()
}

// Stop halts the drain loop and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// HandleConnection owns one browser connection. Blocks until it closes.
// Unauthenticated connections are served the desensitized public feed.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn, authenticated bool) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &client{
		id:            uuid.New().String(),
		conn:          conn,
		public:        !authenticated,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	h.register(c)
	defer h.unregister(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("invalid client message", "client_id", c.id, "error", err)
			continue
		}
		h.handleClientMessage(c, &msg)
	}
}

func (h *Hub) handleClientMessage(c *client, msg *clientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if c.public && msg.Channel != ChannelServers {
			h.sendJSON(c, map[string]string{"type": "error", "message": "authentication required for channel " + msg.Channel})
			return
		}
		h.subscribe(c, h.effectiveChannel(c, msg.Channel))
		h.sendJSON(c, map[string]string{"type": "subscription.confirmed", "channel": msg.Channel})
		// New servers subscribers immediately get the current fleet state
		// so the UI renders without waiting for the next mutation.
		if msg.Channel == ChannelServers {
			h.snapMu.RLock()
			snapshot := h.snapshot
			if c.public {
				snapshot = h.publicSnapshot
			}
			h.snapMu.RUnlock()
			if snapshot != nil {
				if err := h.sendRaw(c, snapshot); err != nil {
					h.log.Warn("sending snapshot failed", "client_id", c.id, "error", err)
				}
			}
		}
	case "unsubscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		h.unsubscribe(c, h.effectiveChannel(c, msg.Channel))
	case "ping":
		h.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// effectiveChannel maps a requested channel to the one a client actually
// joins: public clients ride the desensitized servers channel.
func (h *Hub) effectiveChannel(c *client, channel string) string {
	if c.public && channel == ChannelServers {
		return channelPublicServers
	}
	return channel
}

// SetServerList replaces the fleet snapshot and broadcasts it. Called on
// every fleet mutation (connect, disconnect, status or traffic change), not
// on a timer. Both the full and the desensitized frame are marshaled once.
func (h *Hub) SetServerList(list ServerListData) error {
	msg, err := marshalMessage(TypeFullServerList, list)
	if err != nil {
		return err
	}
	pubMsg, err := marshalMessage(TypeFullServerList, Desensitize(list))
	if err != nil {
		return err
	}
	h.snapMu.Lock()
	h.snapshot = msg
	h.publicSnapshot = pubMsg
	h.snapMu.Unlock()

	h.metrics.BroadcastsTotal.WithLabelValues(TypeFullServerList).Inc()
	h.broadcast(ChannelServers, msg)
	h.broadcast(channelPublicServers, pubMsg)
	return nil
}

// serversAudience counts subscribers across both servers channels.
func (h *Hub) serversAudience() int {
	return h.subscriberCount(ChannelServers) + h.subscriberCount(channelPublicServers)
}

// PushMetrics buffers one host's inbound metric batch for the next drain
// tick. Buffers are not kept when nobody is watching.
func (h *Hub) PushMetrics(vpsID int64, snaps []protocol.PerformanceSnapshot) {
	if len(snaps) == 0 || h.serversAudience() == 0 {
		return
	}
	h.bufMu.Lock()
	h.buffers[vpsID] = append(h.buffers[vpsID], snaps...)
	h.bufMu.Unlock()
}

// PushMonitorResult broadcasts one probe outcome immediately. Probe health
// carries no addresses or traffic numbers, so both audiences get it.
func (h *Hub) PushMonitorResult(result any) {
	msg, err := marshalMessage(TypeMonitorResult, result)
	if err != nil {
		h.log.Error("marshaling monitor result failed", "error", err)
		return
	}
	h.metrics.BroadcastsTotal.WithLabelValues(TypeMonitorResult).Inc()
	h.broadcast(ChannelServers, msg)
	h.broadcast(channelPublicServers, msg)
}

// PushBatchOutput streams one output chunk to the batch's channel.
func (h *Hub) PushBatchOutput(batchID uuid.UUID, chunk *protocol.BatchCommandOutputStream) {
	msg, err := marshalMessage(TypeBatchOutput, chunk)
	if err != nil {
		h.log.Error("marshaling batch output failed", "error", err)
		return
	}
	h.metrics.BroadcastsTotal.WithLabelValues(TypeBatchOutput).Inc()
	h.broadcast(BatchChannel(batchID), msg)
}

// PushBatchUpdate broadcasts a batch/child status change to the batch's channel.
func (h *Hub) PushBatchUpdate(batchID uuid.UUID, update any) {
	msg, err := marshalMessage(TypeBatchUpdate, update)
	if err != nil {
		h.log.Error("marshaling batch update failed", "error", err)
		return
	}
	h.metrics.BroadcastsTotal.WithLabelValues(TypeBatchUpdate).Inc()
	h.broadcast(BatchChannel(batchID), msg)
}

// ActiveClients returns the count of connected browsers.
func (h *Hub) ActiveClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) drainLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.drainBuffers()
		case <-h.stopCh:
			return
		}
	}
}

// drainBuffers pushes every buffered per-host batch, or discards them all
// when the last servers subscriber left between ticks.
func (h *Hub) drainBuffers() {
	h.bufMu.Lock()
	if len(h.buffers) == 0 {
		h.bufMu.Unlock()
		return
	}
	buffered := h.buffers
	h.buffers = make(map[int64][]protocol.PerformanceSnapshot)
	h.bufMu.Unlock()

	if h.serversAudience() == 0 {
		return
	}
	for vpsID, snaps := range buffered {
		msg, err := marshalMessage(TypeMetricBatch, MetricBatchData{VPSID: vpsID, Snapshots: snaps})
		if err != nil {
			h.log.Error("marshaling metric batch failed", "vps_id", vpsID, "error", err)
			continue
		}
		h.metrics.BroadcastsTotal.WithLabelValues(TypeMetricBatch).Inc()
		h.broadcast(ChannelServers, msg)
		h.broadcast(channelPublicServers, msg)
	}
}

// broadcast sends a frame to every subscriber of a channel. Lock scope
// mirrors registration: ids under channelMu, pointers under mu, sends under
// neither.
func (h *Hub) broadcast(channel string, frame []byte) {
	h.channelMu.RLock()
	subs, ok := h.channels[channel]
	if !ok {
		h.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	h.channelMu.RUnlock()

	h.mu.RLock()
	clients := make([]*client, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.clients[id]; ok {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := h.sendRaw(c, frame); err != nil {
			h.log.Warn("send to client failed", "client_id", c.id, "error", err)
		}
	}
}

func (h *Hub) subscriberCount(channel string) int {
	h.channelMu.RLock()
	defer h.channelMu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) subscribe(c *client, channel string) {
	h.channelMu.Lock()
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][c.id] = true
	h.channelMu.Unlock()
	c.subscriptions[channel] = true
}

func (h *Hub) unsubscribe(c *client, channel string) {
	h.channelMu.Lock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	h.channelMu.Unlock()
	delete(c.subscriptions, channel)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.WSClients.Inc()
}

func (h *Hub) unregister(c *client) {
	for ch := range c.subscriptions {
		h.unsubscribe(c, ch)
	}
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.metrics.WSClients.Dec()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) sendJSON(c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("marshaling client message failed", "client_id", c.id, "error", err)
		return
	}
	if err := h.sendRaw(c, data); err != nil {
		h.log.Warn("send to client failed", "client_id", c.id, "error", err)
	}
}

func (h *Hub) sendRaw(c *client, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func marshalMessage(msgType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("live: marshaling %s data: %w", msgType, err)
	}
	return json.Marshal(Message{Type: msgType, Data: raw})
}
