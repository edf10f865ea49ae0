package scheduler

import (
	"sync"
	"time"
)

// circuitBreaker tracks a task's recent failures and decides when the
// Supervisor should stop restarting it and instead surface it as halted
// (spec §5/§7: escalation means no further automated submission, exposed
// via Diagnostics). Grounded on the teacher's CircuitBreaker
// (specs/001-liquidity-repositioning/contracts/strategy_api.go):
// time-windowed error count plus an immediate-halt path for critical
// errors.
type circuitBreaker struct {
	window    time.Duration
	threshold int

	mu       sync.Mutex
	errors   []time.Time
	critical bool
}

func newCircuitBreaker(window time.Duration, threshold int) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &circuitBreaker{window: window, threshold: threshold}
}

// recordError records a failure and reports whether the task should
// halt: critical errors halt immediately; otherwise halt once threshold
// errors have landed within window.
func (cb *circuitBreaker) recordError(critical bool) (shouldHalt bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if critical {
		cb.critical = true
		return true
	}
	now := time.Now()
	cb.errors = append(cb.errors, now)
	cutoff := now.Add(-cb.window)
	kept := cb.errors[:0]
	for _, t := range cb.errors {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.errors = kept
	return len(cb.errors) >= cb.threshold
}

func (cb *circuitBreaker) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.errors = nil
	cb.critical = false
}
