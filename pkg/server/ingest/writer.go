// Package ingest moves performance samples from live sessions into the
// database. Samples are queued on a bounded channel and flushed in batches
// inside a single transaction, so a burst of reconnecting agents cannot issue
// one insert per sample.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nodenexus/nodenexus/pkg/metrics"
	"github.com/nodenexus/nodenexus/pkg/store"
)

const (
	// DefaultBatchSize flushes as soon as this many samples are pending.
	DefaultBatchSize = 100
	// DefaultFlushInterval flushes whatever is pending on this cadence.
	DefaultFlushInterval = 10 * time.Second

	queueCapacity = 4096
)

// Sink is the subset of the store the writer needs.
type Sink interface {
	InsertSamplesAndAccount(ctx context.Context, samples []store.PerformanceSample) error
}

// Writer is the single path that persists performance samples.
type Writer struct {
	log     *slog.Logger
	sink    Sink
	metrics *metrics.Server

	batchSize     int
	flushInterval time.Duration

	in       chan store.PerformanceSample
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option tunes a Writer.
type Option func(*Writer)

// WithBatchSize overrides the flush threshold.
func WithBatchSize(n int) Option {
	return func(w *Writer) { w.batchSize = n }
}

// WithFlushInterval overrides the flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(w *Writer) { w.flushInterval = d }
}

// NewWriter creates a stopped writer. Call Start to begin flushing.
func NewWriter(log *slog.Logger, sink Sink, m *metrics.Server, opts ...Option) *Writer {
	w := &Writer{
		log:           log.With("component", "metric_writer"),
		sink:          sink,
		metrics:       m,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		in:            make(chan store.PerformanceSample, queueCapacity),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop drains the queue, flushes the remainder, and blocks until done.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

// Enqueue queues one sample without blocking. Samples are dropped when the
// queue is full; a session must never stall on the database.
func (w *Writer) Enqueue(sample store.PerformanceSample) {
	select {
	case w.in <- sample:
		w.metrics.SamplesIngested.Inc()
	default:
		w.metrics.SamplesDropped.Inc()
		w.log.Warn("sample queue full, dropping sample", "vps_id", sample.HostID)
	}
}

// EnqueueBatch queues every sample of one inbound batch.
func (w *Writer) EnqueueBatch(samples []store.PerformanceSample) {
	for _, sm := range samples {
		w.Enqueue(sm)
	}
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	pending := make([]store.PerformanceSample, 0, w.batchSize)
	for {
		select {
		case sample := <-w.in:
			pending = append(pending, sample)
			if len(pending) >= w.batchSize {
				pending = w.flush(pending)
			}
		case <-ticker.C:
			pending = w.flush(pending)
		case <-w.stopCh:
			// Drain whatever made it into the queue before Stop.
			for {
				select {
				case sample := <-w.in:
					pending = append(pending, sample)
					if len(pending) >= w.batchSize {
						pending = w.flush(pending)
					}
					continue
				default:
				}
				break
			}
			w.flush(pending)
			return
		}
	}
}

// flush writes the pending batch in one transaction. A failed flush drops the
// batch: samples are telemetry, not ledger entries, and retrying against a
// down database would only back the queue up further.
func (w *Writer) flush(pending []store.PerformanceSample) []store.PerformanceSample {
	if len(pending) == 0 {
		return pending
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w.metrics.FlushesTotal.Inc()
	if err := w.sink.InsertSamplesAndAccount(ctx, pending); err != nil {
		w.metrics.FlushErrors.Inc()
		w.log.Error("flushing sample batch failed", "batch_size", len(pending), "error", err)
	}
	return pending[:0]
}
