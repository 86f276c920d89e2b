package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestIntervalJobRuns(t *testing.T) {
	s := New()
	var runs atomic.Int64
	s.AddInterval("counter", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	s.Start(context.Background())
	time.Sleep(110 * time.Millisecond)
	s.Stop()

	got := runs.Load()
	if got < 3 {
		t.Errorf("expected at least 3 runs in 110ms at 20ms interval, got %d", got)
	}
}

func TestSkipIfRunning(t *testing.T) {
	s := New()
	var concurrent atomic.Int64
	var maxSeen atomic.Int64

	s.AddInterval("slow", 10*time.Millisecond, func(ctx context.Context) error {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			prev := maxSeen.Load()
			if n <= prev || maxSeen.CompareAndSwap(prev, n) {
				break
			}
		}
		// deliberately slower than the interval
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if maxSeen.Load() > 1 {
		t.Errorf("overlapping runs observed: %d", maxSeen.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	s := New()
	var runs atomic.Int64
	s.AddInterval("flaky", 20*time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("first run explodes")
		}
		return nil
	})

	s.Start(context.Background())
	// first fire panics; the loop must restart (1s backoff) and keep going
	time.Sleep(1500 * time.Millisecond)
	s.Stop()

	if runs.Load() < 2 {
		t.Errorf("job did not survive its own panic, runs=%d", runs.Load())
	}
}

func TestJobFailureIsIsolated(t *testing.T) {
	s := New()
	var goodRuns atomic.Int64

	s.AddInterval("bad", 20*time.Millisecond, func(ctx context.Context) error {
		return errors.New("always fails")
	})
	s.AddInterval("good", 20*time.Millisecond, func(ctx context.Context) error {
		goodRuns.Add(1)
		return nil
	})

	s.Start(context.Background())
	time.Sleep(110 * time.Millisecond)
	s.Stop()

	if goodRuns.Load() < 3 {
		t.Errorf("failing job starved its sibling, good runs=%d", goodRuns.Load())
	}

	for _, info := range s.Jobs() {
		if info.Name == "bad" && info.LastErr == "" {
			t.Error("failed job must report its last error")
		}
	}
}

func TestStopWaitsForInFlight(t *testing.T) {
	s := New()
	var finished atomic.Bool
	started := make(chan struct{}, 1)

	s.AddInterval("inflight", 10*time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(60 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	s.Start(context.Background())
	<-started
	s.Stop()

	if !finished.Load() {
		t.Error("Stop returned before the in-flight run completed")
	}
}

func TestAddCronRejectsBadSchedule(t *testing.T) {
	s := New()
	if err := s.AddCron("bad", "not a schedule", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("invalid cron expression must be rejected")
	}
	if err := s.AddCron("hourly", "0 0 * * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("valid six-field schedule rejected: %v", err)
	}
}

func TestStartTwiceIsNoop(t *testing.T) {
	s := New()
	s.AddInterval("noop", time.Hour, func(ctx context.Context) error { return nil })
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	s.Stop()
	s.Stop()
}

func TestBackoffResetsAfterCleanRun(t *testing.T) {
	s := New()
	var (
		mu    sync.Mutex
		times []time.Time
	)
	s.AddInterval("flappy", 20*time.Millisecond, func(ctx context.Context) error {
		mu.Lock()
		n := len(times) + 1
		times = append(times, time.Now())
		mu.Unlock()
		// 第1、4次运行 panic,中间穿插正常运行
		if n == 1 || n == 4 {
			panic("boom")
		}
		return nil
	})

	s.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(times)
		mu.Unlock()
		if n >= 5 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(times) < 5 {
		t.Fatalf("expected at least 5 runs, got %d", len(times))
	}
	// the clean runs between the two panics must reset the backoff, so the
	// second restart pays ~1s again instead of the doubled 2s
	gap := times[4].Sub(times[3])
	if gap >= 1800*time.Millisecond {
		t.Errorf("restart after second panic took %v, backoff was not reset", gap)
	}
	if gap < 900*time.Millisecond {
		t.Errorf("restart after second panic took %v, backoff missing entirely", gap)
	}
}
