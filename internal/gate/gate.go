// Package gate implements a call gate protecting callers from repeated
// failures of a downstream dependency. The gate tracks consecutive failures,
// stops issuing calls once failures cross a threshold, and later probes the
// dependency with limited traffic before fully resuming.
//
// It has three states:
//
//   - CLOSED: normal operation, calls pass through and failures are counted
//   - OPEN: calls are rejected immediately with the fallback result
//   - HALF_OPEN: a limited number of probe calls test recovery
//
// All state is held in lock-free atomics; transitions are performed with
// compare-and-swap so concurrent callers race safely without a mutex.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tjnuccio/CircuitBreaker/internal/metrics"
)

// State represents the call gate state.
type State int32

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; limited calls allowed to test recovery.
)

// MarshalJSON renders the state by name so snapshots stay readable.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the immutable settings for a CallGate.
type Config struct {
	// ResetTimeout is how long the gate stays open before probe calls
	// are admitted. Must be positive.
	ResetTimeout time.Duration

	// FailureThreshold is the number of consecutive failures while closed
	// that trips the gate open. Must be positive.
	FailureThreshold int

	// HalfOpenLimit caps the number of probe calls admitted while
	// half-open and is also the number of probe successes required to
	// close the gate again. Must be positive.
	HalfOpenLimit int
}

func (c Config) validate() error {
	if c.ResetTimeout <= 0 {
		return errors.New("reset timeout must be positive")
	}
	if c.FailureThreshold <= 0 {
		return errors.New("failure threshold must be positive")
	}
	if c.HalfOpenLimit <= 0 {
		return errors.New("half-open limit must be positive")
	}
	return nil
}

// Operation is a downstream call guarded by a gate. A non-nil error marks
// the call as failed; the result may additionally be classified as a
// failure by the gate's classifier.
type Operation[T any] func() (T, error)

// CallGate wraps calls to a single logical dependency. Execute decides
// per-invocation whether to run the operation, records its outcome, and
// reacts by changing state. Safe for concurrent use; Execute never blocks
// the caller on a lock, only on the operation itself.
type CallGate[T any] struct {
	name      string
	cfg       Config
	fallback  T
	isFailure func(T) bool
	logger    *slog.Logger

	state     atomic.Int32
	failures  atomic.Int32 // consecutive failures while closed
	attempts  atomic.Int32 // probes admitted while half-open
	successes atomic.Int32 // probe successes while half-open

	totalCalls      atomic.Int64
	totalFailures   atomic.Int64
	totalRejections atomic.Int64

	pending  atomic.Pointer[time.Timer]
	shutdown atomic.Bool
}

// New creates a CallGate for the named dependency. fallback is the fixed
// result returned whenever a call is rejected or fails over; it is never
// itself counted as a failure. isFailure classifies operation results that
// completed without an error (for example HTTP 5xx responses); nil means
// only errors count as failures. Invalid configuration fails fast.
func New[T any](name string, cfg Config, fallback T, isFailure func(T) bool, logger *slog.Logger) (*CallGate[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("gate %q: %w", name, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &CallGate[T]{
		name:      name,
		cfg:       cfg,
		fallback:  fallback,
		isFailure: isFailure,
		logger:    logger,
	}
	metrics.GateState.WithLabelValues(name).Set(float64(StateClosed))
	return g, nil
}

// Name returns the dependency name this gate protects.
func (g *CallGate[T]) Name() string { return g.name }

// State returns the current gate state.
func (g *CallGate[T]) State() State { return State(g.state.Load()) }

// Fallback returns the fixed fallback result.
func (g *CallGate[T]) Fallback() T { return g.fallback }

// Execute routes a call through the gate. It returns the operation's real
// result, or the fallback when the call is rejected or classified as a
// failure. Execute never returns an error: downstream faults are absorbed
// into the fallback result.
func (g *CallGate[T]) Execute(op Operation[T]) T {
	switch State(g.state.Load()) {
	case StateOpen:
		g.reject("open")
		return g.fallback
	case StateHalfOpen:
		return g.probe(op)
	default:
		return g.closedCall(op)
	}
}

// closedCall invokes the operation while the gate is closed. A success
// zeroes the consecutive failure count; the threshold-th consecutive
// failure trips the gate open.
func (g *CallGate[T]) closedCall(op Operation[T]) T {
	res, ok := g.invoke(op)
	if !ok {
		if g.failures.Add(1) >= int32(g.cfg.FailureThreshold) {
			g.trip(StateClosed)
		}
		return g.fallback
	}
	g.failures.Store(0)
	return res
}

// probe handles a call while the gate is half-open. Probes beyond the
// admission cap are plain rejections with no state effect. An admitted
// probe failure reopens the gate; the HalfOpenLimit-th probe success
// closes it.
func (g *CallGate[T]) probe(op Operation[T]) T {
	if g.attempts.Add(1) > int32(g.cfg.HalfOpenLimit) {
		g.reject("probe_limit")
		return g.fallback
	}
	res, ok := g.invoke(op)
	if !ok {
		g.trip(StateHalfOpen)
		return g.fallback
	}
	if g.successes.Add(1) >= int32(g.cfg.HalfOpenLimit) &&
		g.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
		g.attempts.Store(0)
		g.successes.Store(0)
		g.failures.Store(0)
		g.observeTransition(StateHalfOpen, StateClosed)
	}
	return res
}

// invoke runs the operation and classifies the outcome. The second return
// value is false when the call failed.
func (g *CallGate[T]) invoke(op Operation[T]) (T, bool) {
	g.totalCalls.Add(1)
	res, err := op()
	if err != nil || (g.isFailure != nil && g.isFailure(res)) {
		g.totalFailures.Add(1)
		metrics.GateCalls.WithLabelValues(g.name, "failure").Inc()
		return res, false
	}
	metrics.GateCalls.WithLabelValues(g.name, "success").Inc()
	return res, true
}

func (g *CallGate[T]) reject(reason string) {
	g.totalRejections.Add(1)
	metrics.GateRejections.WithLabelValues(g.name, reason).Inc()
}

// trip moves the gate from the given state to open and schedules the
// delayed probe transition. The compare-and-swap guarantees exactly one
// transition and one timer when concurrent callers race.
func (g *CallGate[T]) trip(from State) {
	if !g.state.CompareAndSwap(int32(from), int32(StateOpen)) {
		return
	}
	g.failures.Store(0)
	g.attempts.Store(0)
	g.successes.Store(0)
	g.observeTransition(from, StateOpen)
	g.scheduleProbes()
}

// scheduleProbes arms a one-shot timer that flips the gate from open to
// half-open after the reset timeout. The callback uses compare-and-swap so
// a stale firing is inert once the state has already moved on.
func (g *CallGate[T]) scheduleProbes() {
	if g.shutdown.Load() {
		g.logger.Warn("gate tripped after shutdown, probes disabled", "gate", g.name)
		return
	}
	t := time.AfterFunc(g.cfg.ResetTimeout, func() {
		// Half-open counters are untouched while the gate is open, so
		// zeroing them before the swap cannot race with probe accounting.
		g.attempts.Store(0)
		g.successes.Store(0)
		if g.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			g.observeTransition(StateOpen, StateHalfOpen)
		}
	})
	if old := g.pending.Swap(t); old != nil {
		old.Stop()
	}
	if g.shutdown.Load() {
		// Close raced with the swap; don't leak the timer.
		if t := g.pending.Swap(nil); t != nil {
			t.Stop()
		}
	}
}

// Reset forces the gate back to closed, zeroes all counters, and cancels
// any pending probe timer. Used by the admin API.
func (g *CallGate[T]) Reset() {
	if t := g.pending.Swap(nil); t != nil {
		t.Stop()
	}
	from := State(g.state.Swap(int32(StateClosed)))
	g.failures.Store(0)
	g.attempts.Store(0)
	g.successes.Store(0)
	if from != StateClosed {
		g.observeTransition(from, StateClosed)
	}
}

// Close shuts down the gate's timer facility: any pending probe transition
// is cancelled and no further one is scheduled. In-flight calls are
// unaffected. A gate that trips open after Close stays open, so every
// later call returns the fallback. Close is idempotent.
func (g *CallGate[T]) Close() {
	if !g.shutdown.CompareAndSwap(false, true) {
		return
	}
	if t := g.pending.Swap(nil); t != nil {
		t.Stop()
	}
}

// Stats is a point-in-time snapshot of a gate's state and counters.
type Stats struct {
	State               State `json:"state"`
	ConsecutiveFailures int   `json:"consecutive_failures"`
	HalfOpenAttempts    int   `json:"half_open_attempts"`
	HalfOpenSuccesses   int   `json:"half_open_successes"`
	TotalCalls          int64 `json:"total_calls"`
	TotalFailures       int64 `json:"total_failures"`
	TotalRejections     int64 `json:"total_rejections"`
}

// Stats returns a snapshot of the gate's counters. The snapshot is not
// atomic across fields; it is intended for reporting, not coordination.
func (g *CallGate[T]) Stats() Stats {
	return Stats{
		State:               g.State(),
		ConsecutiveFailures: int(g.failures.Load()),
		HalfOpenAttempts:    int(g.attempts.Load()),
		HalfOpenSuccesses:   int(g.successes.Load()),
		TotalCalls:          g.totalCalls.Load(),
		TotalFailures:       g.totalFailures.Load(),
		TotalRejections:     g.totalRejections.Load(),
	}
}

func (g *CallGate[T]) observeTransition(from, to State) {
	metrics.GateTransitions.WithLabelValues(g.name, from.String(), to.String()).Inc()
	metrics.GateState.WithLabelValues(g.name).Set(float64(to))
	g.logger.Info("call gate state change",
		"gate", g.name,
		"from", from.String(),
		"to", to.String(),
	)
}
