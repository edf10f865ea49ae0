package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Task is one long-running component the Supervisor owns: Pool
// Ingestion's Run, a Monitor's Run, a PerChainWriter's Run, and so on.
// Run should return only on ctx cancellation (nil or ctx.Err()) or an
// unrecoverable error.
type Task struct {
	Name string
	Run  func(ctx context.Context) error

	// Critical marks a task whose first failure halts it immediately
	// without restarting (e.g. a runtime-assumption failure, spec §7);
	// false uses the windowed circuit-breaker threshold instead.
	Critical bool
}

// Config bounds the Supervisor's restart and shutdown behavior.
type Config struct {
	// CircuitBreakerWindow/Threshold bound how many restarts a
	// non-critical task gets before the Supervisor gives up and reports
	// it halted (spec §5, grounded on the teacher's CircuitBreaker).
	CircuitBreakerWindow    time.Duration
	CircuitBreakerThreshold int

	// ShutdownGrace bounds how long a cancelled task may keep running
	// before the Supervisor stops waiting on it (spec §5: "finish any
	// in-flight submission up to inclusion or a configured grace
	// deadline, then persist their state and exit").
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.CircuitBreakerWindow <= 0 {
		c.CircuitBreakerWindow = 5 * time.Minute
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Supervisor runs a fixed set of Tasks for the life of the process,
// restarting a task with exponential backoff and jitter after a
// transient failure, and halting it (no further restarts, surfaced via
// Diagnostics) once its circuit breaker trips (spec §5, §7).
type Supervisor struct {
	cfg      Config
	reporter *Reporter

	mu     sync.Mutex
	halted map[string]string // task name -> halt reason, read by Diagnostics
}

// New builds a Supervisor. reporter may be nil to discard lifecycle
// events.
func New(cfg Config, reporter *Reporter) *Supervisor {
	if reporter == nil {
		reporter = NewReporter(1)
	}
	return &Supervisor{cfg: cfg.withDefaults(), reporter: reporter, halted: make(map[string]string)}
}

// Run launches every task and blocks until ctx is cancelled and every
// task has either stopped or exceeded ShutdownGrace, whichever comes
// first (spec §5: "tasks receive a cancellation signal... then persist
// their state and exit").
func (s *Supervisor) Run(ctx context.Context, tasks []Task) error {
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.supervise(ctx, t)
		}(t)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	<-ctx.Done()
	s.reporter.Emit(Report{Task: "supervisor", EventType: "shutdown", Message: "cancellation received, waiting for tasks to drain"})
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.ShutdownGrace):
		return errors.New("supervisor: shutdown grace period exceeded, some tasks did not exit cleanly")
	}
}

// supervise runs one task, restarting it with backoff on transient
// failure until ctx is cancelled or its circuit breaker trips.
func (s *Supervisor) supervise(ctx context.Context, t Task) {
	breaker := newCircuitBreaker(s.cfg.CircuitBreakerWindow, s.cfg.CircuitBreakerThreshold)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // a supervised task restarts indefinitely until halted or cancelled

	s.reporter.Emit(Report{Task: t.Name, EventType: "task_start", Message: "starting"})

	for {
		err := t.Run(ctx)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}

		if breaker.recordError(t.Critical) {
			s.mu.Lock()
			s.halted[t.Name] = err.Error()
			s.mu.Unlock()
			s.reporter.Emit(Report{Task: t.Name, EventType: "task_halt", Message: "circuit breaker tripped, no further restarts", Error: err.Error()})
			return
		}

		wait := bo.NextBackOff()
		s.reporter.Emit(Report{Task: t.Name, EventType: "task_retry", Message: "restarting after failure", Error: err.Error()})
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Halted returns the set of tasks the Supervisor has given up
// restarting, and why, for Diagnostics to surface (spec §4.8).
func (s *Supervisor) Halted() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.halted))
	for k, v := range s.halted {
		out[k] = v
	}
	return out
}
