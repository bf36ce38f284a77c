// Package daemon runs a task on an interval in the background.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arkilian/rollup/internal/logging"
)

// Task is one unit of periodic work.
type Task interface {
	Name() string
	RunOnce(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context) error
}

func (f TaskFunc) Name() string { return f.TaskName }

func (f TaskFunc) RunOnce(ctx context.Context) error { return f.Fn(ctx) }

// Config holds configuration for a daemon.
type Config struct {
	// Interval between runs.
	Interval time.Duration

	// Wake, when set, triggers a run as soon as a value is received. Extra
	// wake-ups that arrive during a run collapse into one.
	Wake <-chan struct{}

	// RunOnStart runs the task immediately instead of waiting one interval.
	RunOnStart bool
}

// Daemon runs a task until stopped.
type Daemon struct {
	task   Task
	config Config
	logger *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	statsMu  sync.Mutex
	runs     int64
	failures int64
	lastRun  time.Time
	lastErr  error
}

// New creates a daemon for task.
func New(task Task, config Config, logger *logging.Logger) (*Daemon, error) {
	if task == nil {
		return nil, fmt.Errorf("daemon: task is required")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("daemon: interval must be positive")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Daemon{
		task:   task,
		config: config,
		logger: logger.Named(task.Name()),
	}, nil
}

// Start begins the loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon: %s is already running", d.task.Name())
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop cancels the loop and waits for the current run to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

// Running reports whether the loop is active.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	if d.config.RunOnStart {
		d.RunOnce(ctx)
	}

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		case _, ok := <-d.config.Wake:
			if !ok {
				// Closed wake channel: fall back to the ticker only.
				d.config.Wake = nil
				continue
			}
			d.RunOnce(ctx)
		}
	}
}

// RunOnce runs the task once in the caller's goroutine and returns its error.
func (d *Daemon) RunOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := d.task.RunOnce(ctx)

	d.statsMu.Lock()
	d.runs++
	d.lastRun = time.Now()
	d.lastErr = err
	if err != nil {
		d.failures++
	}
	d.statsMu.Unlock()

	if err != nil && ctx.Err() == nil {
		d.logger.Error("run failed", "error", err)
	}
	return err
}

// Stats is a snapshot of a daemon's history.
type Stats struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

// Stats returns the daemon's run history.
func (d *Daemon) Stats() Stats {
	running := d.Running()

	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	s := Stats{
		Name:     d.task.Name(),
		Running:  running,
		Runs:     d.runs,
		Failures: d.failures,
		LastRun:  d.lastRun,
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	return s
}
