package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

func TestUsageTrackerWritesInOrderAndDrainsOnClose(t *testing.T) {
	sink := &sessionSinkFake{}
	tracker := NewUsageTracker(sink, UsageTrackerOptions{QueueSize: 16})

	for i := range 10 {
		if err := tracker.Record(domain.Session{ID: fmt.Sprintf("s%d", i)}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tracker.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.count() != 10 {
		t.Fatalf("expected 10 sessions, got %d", sink.count())
	}
	for i, s := range sink.sessions {
		if s.ID != fmt.Sprintf("s%d", i) {
			t.Fatalf("out of order write at %d: %s", i, s.ID)
		}
	}

	if err := tracker.Record(domain.Session{ID: "late"}); !domain.IsKind(err, domain.ErrTrackerClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestUsageTrackerBackpressure(t *testing.T) {
	sink := &sessionSinkFake{gate: make(chan struct{})}
	tracker := NewUsageTracker(sink, UsageTrackerOptions{
		QueueSize:      1,
		EnqueueTimeout: 20 * time.Millisecond,
		WriteTimeout:   time.Second,
	})

	// The writer holds the first session at the gate; the second fills the queue.
	var err error
	for i := range 3 {
		err = tracker.Record(domain.Session{ID: fmt.Sprintf("s%d", i)})
		if i < 1 && err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if i == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
	if !domain.IsKind(err, domain.ErrTrackerBackpressure) {
		t.Fatalf("expected backpressure, got %v", err)
	}

	close(sink.gate)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tracker.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestUsageTrackerReportsSinkFailures(t *testing.T) {
	sink := &sessionSinkFake{err: errors.New("ledger unavailable")}
	var (
		mu     sync.Mutex
		failed []string
	)
	tracker := NewUsageTracker(sink, UsageTrackerOptions{
		OnAppend: func(session domain.Session, err error) {
			if err != nil {
				mu.Lock()
				failed = append(failed, session.ID)
				mu.Unlock()
			}
		},
	})

	if err := tracker.Record(domain.Session{ID: "s1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := tracker.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0] != "s1" {
		t.Fatalf("expected sink failure callback, got %v", failed)
	}
}

func TestUsageTrackerCloseHonoursContext(t *testing.T) {
	sink := &sessionSinkFake{gate: make(chan struct{})}
	defer close(sink.gate)
	tracker := NewUsageTracker(sink, UsageTrackerOptions{WriteTimeout: time.Second})
	if err := tracker.Record(domain.Session{ID: "s1"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tracker.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestUsageTrackerConcurrentRecordAndClose(t *testing.T) {
	const writers = 64
	sink := &sessionSinkFake{}
	tracker := NewUsageTracker(sink, UsageTrackerOptions{QueueSize: writers})

	var (
		mu       sync.Mutex
		accepted = make(map[string]bool, writers)
		rejected = make(map[string]bool, writers)
		wg       sync.WaitGroup
	)
	start := make(chan struct{})
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			id := fmt.Sprintf("s%d", i)
			err := tracker.Record(domain.Session{ID: id})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted[id] = true
			case domain.IsKind(err, domain.ErrTrackerClosed):
				rejected[id] = true
			default:
				t.Errorf("record %s: unexpected error %v", id, err)
			}
		}()
	}

	closed := make(chan error, 1)
	go func() {
		<-start
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		closed <- tracker.Close(ctx)
	}()

	close(start)
	wg.Wait()
	if err := <-closed; err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(accepted)+len(rejected) != writers {
		t.Fatalf("expected %d outcomes, got %d accepted and %d rejected", writers, len(accepted), len(rejected))
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	written := make(map[string]int, len(sink.sessions))
	for _, s := range sink.sessions {
		written[s.ID]++
	}
	for id := range accepted {
		if written[id] != 1 {
			t.Fatalf("accepted session %s written %d times", id, written[id])
		}
	}
	for id := range rejected {
		if written[id] != 0 {
			t.Fatalf("rejected session %s reached the sink", id)
		}
	}
	if len(sink.sessions) != len(accepted) {
		t.Fatalf("expected %d writes, got %d", len(accepted), len(sink.sessions))
	}
}
