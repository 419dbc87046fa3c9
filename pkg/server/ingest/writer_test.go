package ingest

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/metrics"
	"github.com/nodenexus/nodenexus/pkg/protocol"
	"github.com/nodenexus/nodenexus/pkg/store"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]store.PerformanceSample
	err     error
}

func (c *captureSink) InsertSamplesAndAccount(_ context.Context, samples []store.PerformanceSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]store.PerformanceSample, len(samples))
	copy(batch, samples)
	c.batches = append(c.batches, batch)
	return c.err
}

func (c *captureSink) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func (c *captureSink) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func sample(hostID int64, ts int64) store.PerformanceSample {
	return store.PerformanceSample{
		HostID:   hostID,
		Time:     time.UnixMilli(ts).UTC(),
		Snapshot: protocol.PerformanceSnapshot{TimestampMs: ts},
	}
}

func newTestWriter(t *testing.T, sink Sink, opts ...Option) *Writer {
	t.Helper()
	return NewWriter(slog.New(slog.NewTextHandler(testWriterOut{t}, nil)), sink, metrics.NewServer(), opts...)
}

type testWriterOut struct{ t *testing.T }

func (o testWriterOut) Write(p []byte) (int, error) {
	o.t.Log(string(p))
	return len(p), nil
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	sink := &captureSink{}
	w := newTestWriter(t, sink, WithBatchSize(3), WithFlushInterval(time.Hour))
	w.Start()

	for i := 0; i < 3; i++ {
		w.Enqueue(sample(1, int64(i)))
	}

	require.Eventually(t, func() bool { return sink.total() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sink.batchCount(), "exactly one transaction for a full batch")
	w.Stop()
}

func TestWriterFlushesOnInterval(t *testing.T) {
	sink := &captureSink{}
	w := newTestWriter(t, sink, WithBatchSize(100), WithFlushInterval(50*time.Millisecond))
	w.Start()

	w.Enqueue(sample(1, 1))
	w.Enqueue(sample(2, 2))

	require.Eventually(t, func() bool { return sink.total() == 2 }, 2*time.Second, 10*time.Millisecond)
	w.Stop()
}

func TestWriterDrainsOnStop(t *testing.T) {
	sink := &captureSink{}
	w := newTestWriter(t, sink, WithBatchSize(1000), WithFlushInterval(time.Hour))
	w.Start()

	for i := 0; i < 25; i++ {
		w.Enqueue(sample(1, int64(i)))
	}
	w.Stop()

	assert.Equal(t, 25, sink.total(), "Stop must flush everything already queued")
}

func TestWriterPreservesArrivalOrder(t *testing.T) {
	sink := &captureSink{}
	w := newTestWriter(t, sink, WithBatchSize(1000), WithFlushInterval(time.Hour))
	w.Start()

	for i := 0; i < 10; i++ {
		w.Enqueue(sample(1, int64(i)))
	}
	w.Stop()

	require.Equal(t, 1, sink.batchCount())
	for i, sm := range sink.batches[0] {
		assert.Equal(t, int64(i), sm.Snapshot.TimestampMs)
	}
}

func TestWriterFailedFlushDropsBatch(t *testing.T) {
	sink := &captureSink{err: assert.AnError}
	w := newTestWriter(t, sink, WithBatchSize(2), WithFlushInterval(time.Hour))
	w.Start()

	w.Enqueue(sample(1, 1))
	w.Enqueue(sample(1, 2))
	require.Eventually(t, func() bool { return sink.batchCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Batch is gone; the next flush starts empty.
	w.Stop()
	assert.Equal(t, 1, sink.batchCount())
}
