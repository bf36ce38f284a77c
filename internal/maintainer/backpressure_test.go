package maintainer

import (
	"testing"
	"time"
)

func TestBackpressureController_InitialState(t *testing.T) {
	bp := NewBackpressureController(DefaultBackpressureConfig())

	if bp.Concurrency() != 8 {
		t.Fatalf("expected initial concurrency 8, got %d", bp.Concurrency())
	}
	if bp.FailureRate() != 0 {
		t.Fatalf("expected initial failure rate 0, got %f", bp.FailureRate())
	}
	if bp.ShouldPause(0) {
		t.Fatal("should not pause with zero backlog")
	}
}

func TestBackpressureController_FailureRateTracking(t *testing.T) {
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   4,
		MinConcurrency:   1,
		FailureThreshold: 0.10,
		WindowDuration:   time.Minute,
	})

	// 8 successes and 2 failures = 20%
	for i := 0; i < 8; i++ {
		bp.RecordSuccess()
	}
	bp.RecordFailure()
	bp.RecordFailure()

	rate := bp.FailureRate()
	if rate < 0.19 || rate > 0.21 {
		t.Fatalf("expected ~20%% failure rate, got %.2f%%", rate*100)
	}
}

func TestBackpressureController_BackoffOnHighFailureRate(t *testing.T) {
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   8,
		MinConcurrency:   1,
		FailureThreshold: 0.10,
		WindowDuration:   time.Minute,
	})

	for i := 0; i < 5; i++ {
		bp.RecordSuccess()
		bp.RecordFailure()
	}

	bp.AdjustConcurrency()
	if bp.Concurrency() != 4 {
		t.Fatalf("expected concurrency 4 after halving, got %d", bp.Concurrency())
	}

	bp.AdjustConcurrency()
	bp.AdjustConcurrency()
	bp.AdjustConcurrency()
	if bp.Concurrency() != 1 {
		t.Fatalf("expected concurrency floor 1, got %d", bp.Concurrency())
	}
}

func TestBackpressureController_RecoveryOnZeroFailures(t *testing.T) {
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   8,
		MinConcurrency:   1,
		FailureThreshold: 0.10,
		WindowDuration:   50 * time.Millisecond,
	})

	for i := 0; i < 10; i++ {
		bp.RecordFailure()
	}
	bp.AdjustConcurrency()
	bp.AdjustConcurrency()
	if bp.Concurrency() != 2 {
		t.Fatalf("expected concurrency 2, got %d", bp.Concurrency())
	}

	// Let the failures age out of the window.
	time.Sleep(80 * time.Millisecond)
	bp.RecordSuccess()

	bp.AdjustConcurrency()
	if bp.Concurrency() != 4 {
		t.Fatalf("expected concurrency to double to 4, got %d", bp.Concurrency())
	}
	bp.AdjustConcurrency()
	bp.AdjustConcurrency()
	if bp.Concurrency() != 8 {
		t.Fatalf("expected concurrency capped at 8, got %d", bp.Concurrency())
	}
}

func TestBackpressureController_ShouldPause(t *testing.T) {
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   2,
		MinConcurrency:   1,
		FailureThreshold: 0.5,
		WindowDuration:   time.Minute,
		MinAttempts:      3,
	})

	bp.RecordFailure()
	bp.RecordFailure()
	if bp.ShouldPause(100) {
		t.Fatal("should not pause before MinAttempts are recorded")
	}

	bp.RecordFailure()
	if !bp.ShouldPause(100) {
		t.Fatal("expected pause with 100% failure rate and a large backlog")
	}
	if bp.ShouldPause(2) {
		t.Fatal("should not pause when the backlog fits in one round")
	}
}

func TestBackpressureController_Stats(t *testing.T) {
	bp := NewBackpressureController(DefaultBackpressureConfig())
	bp.RecordSuccess()
	bp.RecordSuccess()
	bp.RecordFailure()

	stats := bp.Stats()
	if stats.AttemptsInWindow != 3 || stats.FailuresInWindow != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.CurrentConcurrency != 8 {
		t.Fatalf("expected concurrency 8, got %d", stats.CurrentConcurrency)
	}
}
