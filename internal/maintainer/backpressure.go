package maintainer

import (
	"sync"
	"sync/atomic"
	"time"
)

// BackpressureController tracks recent store failures and adjusts how hard
// the maintainers push on the aggregate store.
//
// When the failure rate exceeds the threshold, concurrency is halved.
// When it drops, concurrency ramps back up. If a backlog exists and the
// failure rate is high, passes pause entirely until the store recovers.
type BackpressureController struct {
	maxConcurrency int32
	minConcurrency int32
	threshold      float64
	minAttempts    int

	currentConcurrency atomic.Int32

	mu       sync.Mutex
	attempts []attemptRecord
	window   time.Duration
}

type attemptRecord struct {
	at      time.Time
	success bool
}

// BackpressureConfig holds configuration for the backpressure controller.
type BackpressureConfig struct {
	// MaxConcurrency is the upper bound for concurrent recomputes (default: 8).
	MaxConcurrency int

	// MinConcurrency is the lower bound (default: 1).
	MinConcurrency int

	// FailureThreshold is the failure rate above which backoff triggers (default: 0.5).
	FailureThreshold float64

	// WindowDuration is the sliding window for tracking failures (default: 1m).
	WindowDuration time.Duration

	// MinAttempts is how many attempts the window needs before a pass may pause.
	MinAttempts int
}

// DefaultBackpressureConfig returns sensible defaults.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		MaxConcurrency:   8,
		MinConcurrency:   1,
		FailureThreshold: 0.5,
		WindowDuration:   time.Minute,
		MinAttempts:      20,
	}
}

// NewBackpressureController creates a new controller with the given config.
func NewBackpressureController(cfg BackpressureConfig) *BackpressureController {
	def := DefaultBackpressureConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = def.MinConcurrency
	}
	if cfg.MinConcurrency > cfg.MaxConcurrency {
		cfg.MinConcurrency = cfg.MaxConcurrency
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = def.WindowDuration
	}
	if cfg.MinAttempts < 0 {
		cfg.MinAttempts = 0
	}

	bp := &BackpressureController{
		maxConcurrency: int32(cfg.MaxConcurrency),
		minConcurrency: int32(cfg.MinConcurrency),
		threshold:      cfg.FailureThreshold,
		minAttempts:    cfg.MinAttempts,
		window:         cfg.WindowDuration,
	}
	bp.currentConcurrency.Store(int32(cfg.MaxConcurrency))
	return bp
}

// RecordSuccess records a successful store write.
func (bp *BackpressureController) RecordSuccess() {
	bp.record(true)
}

// RecordFailure records a failed store write.
func (bp *BackpressureController) RecordFailure() {
	bp.record(false)
}

func (bp *BackpressureController) record(success bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.attempts = append(bp.attempts, attemptRecord{at: time.Now(), success: success})
}

// FailureRate returns the failure rate within the sliding window.
func (bp *BackpressureController) FailureRate() float64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.failureRateLocked()
}

// failureRateLocked computes the failure rate. Caller must hold bp.mu.
func (bp *BackpressureController) failureRateLocked() float64 {
	bp.pruneWindowLocked()

	if len(bp.attempts) == 0 {
		return 0
	}
	return float64(bp.failuresLocked()) / float64(len(bp.attempts))
}

func (bp *BackpressureController) failuresLocked() int {
	failures := 0
	for _, a := range bp.attempts {
		if !a.success {
			failures++
		}
	}
	return failures
}

// pruneWindowLocked removes records older than the sliding window. Caller must hold bp.mu.
func (bp *BackpressureController) pruneWindowLocked() {
	cutoff := time.Now().Add(-bp.window)
	i := 0
	for i < len(bp.attempts) && bp.attempts[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		bp.attempts = bp.attempts[i:]
	}
}

// AdjustConcurrency recalculates the concurrency level from the recent
// failure rate. Call it at the start of each batch run.
//
//   - rate > threshold: halve
//   - rate == 0 with history: double
//   - rate < threshold/2: +50%, at least +1
//   - otherwise: +1
func (bp *BackpressureController) AdjustConcurrency() {
	bp.mu.Lock()
	rate := bp.failureRateLocked()
	history := len(bp.attempts)
	bp.mu.Unlock()

	current := bp.currentConcurrency.Load()
	var next int32

	switch {
	case rate > bp.threshold:
		next = current / 2
	case rate == 0 && history > 0:
		next = current * 2
	case rate < bp.threshold/2:
		delta := current / 2
		if delta < 1 {
			delta = 1
		}
		next = current + delta
	default:
		next = current + 1
	}

	if next < bp.minConcurrency {
		next = bp.minConcurrency
	}
	if next > bp.maxConcurrency {
		next = bp.maxConcurrency
	}
	bp.currentConcurrency.Store(next)
}

// ShouldPause returns true if a pass should stop because the failure rate
// is high and the backlog is larger than one pass can drain at minimum
// concurrency. Small backlogs are always attempted so the system produces
// the success records that drive recovery.
func (bp *BackpressureController) ShouldPause(backlogSize int) bool {
	if backlogSize == 0 {
		return false
	}
	if int32(backlogSize) <= bp.maxConcurrency {
		return false
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()
	rate := bp.failureRateLocked()
	if len(bp.attempts) < bp.minAttempts {
		return false
	}
	return rate > bp.threshold
}

// Concurrency returns the current allowed concurrency level.
func (bp *BackpressureController) Concurrency() int {
	return int(bp.currentConcurrency.Load())
}

// BackpressureStats is a snapshot of the controller's state.
type BackpressureStats struct {
	CurrentConcurrency int     `json:"current_concurrency"`
	FailureRate        float64 `json:"failure_rate"`
	AttemptsInWindow   int     `json:"attempts_in_window"`
	FailuresInWindow   int     `json:"failures_in_window"`
}

// Stats returns current backpressure statistics.
func (bp *BackpressureController) Stats() BackpressureStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	rate := bp.failureRateLocked()
	return BackpressureStats{
		CurrentConcurrency: int(bp.currentConcurrency.Load()),
		FailureRate:        rate,
		AttemptsInWindow:   len(bp.attempts),
		FailuresInWindow:   bp.failuresLocked(),
	}
}
