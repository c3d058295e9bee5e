package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScanLoopRunsInitialScan(t *testing.T) {
	var runs atomic.Int32
	sl := NewScanLoop(ScanLoopConfig{Interval: time.Hour}, func(context.Context) error {
		runs.Add(1)
		return nil
	}, quiet())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sl.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan loop did not stop after context cancellation")
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestScanLoopGracefulShutdown(t *testing.T) {
	var runs atomic.Int32
	sl := NewScanLoop(ScanLoopConfig{Interval: 50 * time.Millisecond}, func(context.Context) error {
		runs.Add(1)
		return nil
	}, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sl.Run(ctx)
		close(done)
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan loop did not stop after cancel")
	}
	if got := runs.Load(); got < 3 {
		t.Errorf("runs = %d, want several", got)
	}
}

func TestScanLoopSurvivesFailures(t *testing.T) {
	var runs atomic.Int32
	sl := NewScanLoop(ScanLoopConfig{Interval: 20 * time.Millisecond}, func(context.Context) error {
		runs.Add(1)
		return errors.New("no multicast")
	}, quiet())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sl.Run(ctx)

	if got := runs.Load(); got < 2 {
		t.Errorf("runs = %d, loop stopped after a failure", got)
	}
}

func TestScanLoopZeroIntervalRunsOnce(t *testing.T) {
	var runs atomic.Int32
	sl := NewScanLoop(ScanLoopConfig{}, func(context.Context) error {
		runs.Add(1)
		return nil
	}, quiet())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sl.Run(ctx)

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestJitter(t *testing.T) {
	tests := []struct {
		base, lo, hi time.Duration
	}{
		{10 * time.Minute, 9 * time.Minute, 11 * time.Minute},
		{2 * time.Hour, 2*time.Hour - time.Minute, 2*time.Hour + time.Minute},
		{0, 0, 0},
	}
	for _, tt := range tests {
		for range 100 {
			got := jitter(tt.base)
			if got < tt.lo || got > tt.hi {
				t.Fatalf("jitter(%v) = %v, want within [%v, %v]", tt.base, got, tt.lo, tt.hi)
			}
		}
	}
}
