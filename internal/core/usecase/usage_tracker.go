package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
)

type UsageTrackerOptions struct {
	QueueSize      int
	EnqueueTimeout time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
	// OnAppend observes every sink write; err is nil on success.
	OnAppend func(session domain.Session, err error)
}

func DefaultUsageTrackerOptions() UsageTrackerOptions {
	return UsageTrackerOptions{
		QueueSize:      256,
		EnqueueTimeout: 2 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

// UsageTracker appends sealed sessions through a single writer goroutine
// draining a bounded queue, so concurrent requests never interleave
// writes.
type UsageTracker struct {
	sink ports.SessionSink
	opts UsageTrackerOptions

	mu     sync.RWMutex
	closed bool
	queue  chan domain.Session
	done   chan struct{}
}

func NewUsageTracker(sink ports.SessionSink, opts UsageTrackerOptions) *UsageTracker {
	def := DefaultUsageTrackerOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = def.EnqueueTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	t := &UsageTracker{
		sink:  sink,
		opts:  opts,
		queue: make(chan domain.Session, opts.QueueSize),
		done:  make(chan struct{}),
	}
	go t.run()
	return t
}

// Record enqueues a sealed session. It deliberately takes no request
// context: a timed-out request must still be recorded.
func (t *UsageTracker) Record(session domain.Session) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return domain.WrapError(domain.ErrTrackerClosed, "record session", fmt.Errorf("session %s", session.ID))
	}

	session = session.Clone()
	select {
	case t.queue <- session:
		return nil
	default:
	}

	timer := time.NewTimer(t.opts.EnqueueTimeout)
	defer timer.Stop()
	select {
	case t.queue <- session:
		return nil
	case <-timer.C:
		return domain.WrapError(domain.ErrTrackerBackpressure, "record session", fmt.Errorf("session %s", session.ID))
	}
}

// Close stops intake and waits until queued sessions are written or ctx
// is done.
func (t *UsageTracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain usage tracker: %w", ctx.Err())
	}
}

func (t *UsageTracker) run() {
	defer close(t.done)
	for session := range t.queue {
		t.write(session)
	}
}

func (t *UsageTracker) write(session domain.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.WriteTimeout)
	defer cancel()

	err := t.sink.Append(ctx, session)
	if err != nil {
		t.opts.Logger.Error("session_append_failed",
			"session_id", session.ID,
			"status", session.Status,
			"error", err,
		)
	}
	if t.opts.OnAppend != nil {
		t.opts.OnAppend(session, err)
	}
}
