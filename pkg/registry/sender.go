// Package registry maintains the process-wide table of live agent sessions:
// host id → outbound sink, last-seen, and negotiated config. All mutations
// serialize through a single mutex; sink handles are cheap references that
// may outlive the entry they were looked up from.
package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nodenexus/nodenexus/pkg/protocol"
)

// SinkCapacity bounds the per-session outbound queue. A slow agent causes
// synchronous enqueuers to block (backpressure), never to grow unbounded.
const SinkCapacity = 128

// ErrSinkClosed is returned when enqueueing to a closed sink, typically
// because the session ended or was replaced by a newer one.
var ErrSinkClosed = errors.New("registry: outbound sink closed")

// Sender is the outbound sink of one agent session. It assigns the monotonic
// per-direction message ids, so any holder of the handle can enqueue typed
// payloads without coordinating ids.
type Sender struct {
	ch     chan *protocol.Envelope
	closed chan struct{}
	once   sync.Once
	nextID atomic.Uint64
}

// NewSender creates a sink with the standard capacity.
func NewSender() *Sender {
	return &Sender{
		ch:     make(chan *protocol.Envelope, SinkCapacity),
		closed: make(chan struct{}),
	}
}

// Enqueue builds an envelope for the payload and queues it for the outbound
// pump. It blocks while the sink is full, and fails if the sink closes or
// the context is cancelled.
func (s *Sender) Enqueue(ctx context.Context, payload any) error {
	env, err := protocol.NewEnvelope(s.nextID.Add(1), payload)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrSinkClosed
	default:
	}
	select {
	case s.ch <- env:
		return nil
	case <-s.closed:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C exposes the queue to the session's outbound pump.
func (s *Sender) C() <-chan *protocol.Envelope { return s.ch }

// Done is closed when the sink closes.
func (s *Sender) Done() <-chan struct{} { return s.closed }

// Close marks the sink closed. Safe to call multiple times.
func (s *Sender) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Closed reports whether the sink has been closed.
func (s *Sender) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
