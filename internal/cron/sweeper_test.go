package cron

import (
	"context"
	"sync"
	"testing"
	"time"
)

type countingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSweeper) RecoverStaleRuns(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 0, nil
}

func (c *countingSweeper) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestScheduler_SweepsOnStart(t *testing.T) {
	sw := &countingSweeper{}
	s, err := NewScheduler(Config{Sweeper: sw, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	deadline := time.After(2 * time.Second)
	for sw.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no sweep fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	s.Stop()
}

func TestNewScheduler_RejectsBadExpression(t *testing.T) {
	if _, err := NewScheduler(Config{Sweeper: &countingSweeper{}, Schedule: "not a cron"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 1, 12, 3, 0, 0, time.UTC)
	next, err := NextRunTime("*/10 * * * *", after)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	want := time.Date(2026, 8, 1, 12, 10, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
