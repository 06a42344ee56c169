package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjnuccio/CircuitBreaker/internal/metrics"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

// reply is a minimal downstream result for tests. Codes >= 500 are
// classified as failures, mirroring how the relay treats responses.
type reply struct{ code int }

var fallbackReply = reply{code: 503}

func newTestGate(t *testing.T, cfg Config) *CallGate[reply] {
	t.Helper()
	g, err := New("payments", cfg, fallbackReply, func(r reply) bool { return r.code >= 500 }, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func okOp() (reply, error)   { return reply{code: 200}, nil }
func failOp() (reply, error) { return reply{}, errors.New("connection refused") }

// waitForState polls until the gate reaches want or the deadline expires.
func waitForState(t *testing.T, g *CallGate[reply], want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("gate did not reach %v, still %v", want, g.State())
}

func TestNew_ConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero reset timeout", Config{ResetTimeout: 0, FailureThreshold: 3, HalfOpenLimit: 2}},
		{"negative reset timeout", Config{ResetTimeout: -time.Second, FailureThreshold: 3, HalfOpenLimit: 2}},
		{"zero failure threshold", Config{ResetTimeout: time.Second, FailureThreshold: 0, HalfOpenLimit: 2}},
		{"zero half-open limit", Config{ResetTimeout: time.Second, FailureThreshold: 3, HalfOpenLimit: 0}},
	}
	for _, tc := range cases {
		if _, err := New("x", tc.cfg, fallbackReply, nil, nil); err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
	}
}

func TestGate_StartsClosedAndPassesThrough(t *testing.T) {
	g := newTestGate(t, Config{ResetTimeout: time.Minute, FailureThreshold: 3, HalfOpenLimit: 2})

	if g.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", g.State())
	}
	res := g.Execute(okOp)
	if res.code != 200 {
		t.Fatalf("expected real result 200, got %d", res.code)
	}
}

func TestGate_StaysClosedBelowThreshold(t *testing.T) {
	g := newTestGate(t, Config{ResetTimeout: time.Minute, FailureThreshold: 3, HalfOpenLimit: 2})

	for i := 0; i < 2; i++ {
		if res := g.Execute(failOp); res != fallbackReply {
			t.Fatalf("failed call %d: expected fallback, got %+v", i, res)
		}
	}
	if g.State() != StateClosed {
		t.Fatalf("expected StateClosed after threshold-1 failures, got %v", g.State())
	}

	// The next call must still reach the operation.
	var invoked atomic.Bool
	g.Execute(func() (reply, error) {
		invoked.Store(true)
		return reply{code: 200}, nil
	})
	if !invoked.Load() {
		t.Fatal("expected operation to be invoked while closed")
	}
}

func TestGate_TripsAtThreshold(t *testing.T) {
	g := newTestGate(t, Config{ResetTimeout: time.Minute, FailureThreshold: 3, HalfOpenLimit: 2})

	for i := 0; i < 3; i++ {
		g.Execute(failOp)
	}
	if g.State() != StateOpen {
		t.Fatalf("expected StateOpen after threshold failures, got %v", g.State())
	}

	// While open, calls return the fallback without invoking the operation.
	var invoked atomic.Bool
	res := g.Execute(func() (reply, error) {
		invoked.Store(true)
		return reply{code: 200}, nil
	})
	if invoked.Load() {
		t.Fatal("operation must not be invoked while open")
	}
	if res != fallbackReply {
		t.Fatalf("expected fallback while open, got %+v", res)
	}
}

func TestGate_SuccessResetsFailureCount(t *testing.T) {
	g := newTestGate(t, Config{ResetTimeout: time.Minute, FailureThreshold: 3, HalfOpenLimit: 2})

	g.Execute(failOp)
	g.Execute(failOp)
	g.Execute(okOp)
	g.Execute(failOp)
	g.Execute(failOp)

	// Interleaved success zeroed the count, so five calls with only two
	// consecutive failures keep the gate closed.
	if g.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", g.State())
	}
}

func TestGate_ResultClassifierCountsFailures(t *testing.T) {
	g := newTestGate(t, Config{ResetTimeout: time.Minute, FailureThreshold: 2, HalfOpenLimit: 2})

	// Server-side error codes count as failures even without an error.
	serverError := func() (reply, error) { return reply{code: 502}, nil }

	if res := g.Execute(serverError); res != fallbackReply {
		t.Fatalf("expected fallback for 5xx result, got %+v", res)
	}
	g.Execute(serverError)
	if g.State() != StateOpen {
		t.Fatalf("expected StateOpen after classified failures, got %v", g.State())
	}
}

func TestGate_OpenToHalfOpenAfterResetTimeout(t *testing.T) {
	g := newTestGate(t, Config{ResetTimeout: 30 * time.Millisecond, FailureThreshold: 1, HalfOpenLimit: 2})

	g.Execute(failOp)
	if g.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", g.State())
	}

	waitForState(t, g, StateHalfOpen)

	// The first call after the transition is a probe that reaches the
	// operation.
	var invoked atomic.Bool
	g.Execute(func() (reply, error) {
		invoked.Store(true)
		return reply{code: 200}, nil
	})
	if !invoked.Load() {
		t.Fatal("expected probe to invoke the operation")
	}
}

func TestGate_HalfOpenClosesAfterSuccesses(t *testing.T) {
	g := newTestGate(t, Config{ResetTimeout: 30 * time.Millisecond, FailureThreshold: 2, HalfOpenLimit: 2})

	g.Execute(failOp)
	g.Execute(failOp)
	waitForState(t, g, StateHalfOpen)

	if res := g.Execute(okOp); res.code != 200 {
		t.Fatalf("expected real result from first probe, got %+v", res)
	}
	if g.State() != StateHalfOpen {
		t.Fatalf("expected still StateHalfOpen after 1 success, got %v", g.State())
	}
	if res := g.Execute(okOp); res.code != 200 {
		t.Fatalf("expected real result from second probe, got %+v", res)
	}
	if g.State() != StateClosed {
		t.Fatalf("expected StateClosed after 2 probe successes, got %v", g.State())
	}

	// The reclosed gate starts with a clean failure count: it takes a full
	// threshold of consecutive failures to reopen.
	g.Execute(failOp)
	if g.State() != StateClosed {
		t.Fatalf("expected StateClosed after single failure, got %v", g.State())
	}
	g.Execute(failOp)
	if g.State() != StateOpen {
		t.Fatalf("expected StateOpen after full threshold, got %v", g.State())
	}
}

func TestGate_HalfOpenFailureReopens(t *testing.T) {
	g := newTestGate(t, Config{ResetTimeout: 30 * time.Millisecond, FailureThreshold: 1, HalfOpenLimit: 2})

	g.Execute(failOp)
	waitForState(t, g, StateHalfOpen)

	if res := g.Execute(failOp); res != fallbackReply {
		t.Fatalf("expected fallback from failed probe, got %+v", res)
	}
	if g.State() != StateOpen {
		t.Fatalf("expected StateOpen after probe failure, got %v", g.State())
	}

	// The timer was rescheduled, so the gate probes again.
	waitForState(t, g, StateHalfOpen)
}

func TestGate_HalfOpenOverLimitRejected(t *testing.T) {
	g := newTestGate(t, Config{ResetTimeout: 30 * time.Millisecond, FailureThreshold: 1, HalfOpenLimit: 1})

	g.Execute(failOp)
	waitForState(t, g, StateHalfOpen)

	// Park the single admitted probe inside the operation so the gate
	// stays half-open while another call arrives.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan reply, 1)
	go func() {
		done <- g.Execute(func() (reply, error) {
			close(started)
			<-release
			return reply{code: 200}, nil
		})
	}()
	<-started

	var invoked atomic.Bool
	res := g.Execute(func() (reply, error) {
		invoked.Store(true)
		return reply{code: 200}, nil
	})
	if invoked.Load() {
		t.Fatal("over-limit probe must not invoke the operation")
	}
	if res != fallbackReply {
		t.Fatalf("expected fallback for over-limit probe, got %+v", res)
	}
	// The rejected call has no state effect.
	if g.State() != StateHalfOpen {
		t.Fatalf("expected still StateHalfOpen, got %v", g.State())
	}

	close(release)
	if probeRes := <-done; probeRes.code != 200 {
		t.Fatalf("expected real result from admitted probe, got %+v", probeRes)
	}
	if g.State() != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %v", g.State())
	}
}

func TestGate_RecoveryScenario(t *testing.T) {
	// threshold=3, halfOpenLimit=2, resetTimeout=100ms.
	g := newTestGate(t, Config{ResetTimeout: 100 * time.Millisecond, FailureThreshold: 3, HalfOpenLimit: 2})

	for i := 0; i < 3; i++ {
		if res := g.Execute(failOp); res != fallbackReply {
			t.Fatalf("failure %d: expected fallback, got %+v", i, res)
		}
	}
	if g.State() != StateOpen {
		t.Fatalf("expected StateOpen after 3 failures, got %v", g.State())
	}

	// Calls during the open window never reach the operation.
	var invoked atomic.Bool
	res := g.Execute(func() (reply, error) {
		invoked.Store(true)
		return reply{code: 200}, nil
	})
	if invoked.Load() || res != fallbackReply {
		t.Fatalf("expected rejected call during open window, invoked=%v res=%+v", invoked.Load(), res)
	}

	waitForState(t, g, StateHalfOpen)

	g.Execute(okOp)
	g.Execute(okOp)
	if g.State() != StateClosed {
		t.Fatalf("expected StateClosed after 2 probe successes, got %v", g.State())
	}

	if res := g.Execute(okOp); res.code != 200 {
		t.Fatalf("expected real result after recovery, got %+v", res)
	}
}

// transitionCounter is a slog.Handler that counts closed→open transitions.
type transitionCounter struct {
	mu     sync.Mutex
	opened int
}

func (h *transitionCounter) Enabled(context.Context, slog.Level) bool { return true }

func (h *transitionCounter) Handle(_ context.Context, rec slog.Record) error {
	var from, to string
	rec.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "from":
			from = a.Value.String()
		case "to":
			to = a.Value.String()
		}
		return true
	})
	if from == "closed" && to == "open" {
		h.mu.Lock()
		h.opened++
		h.mu.Unlock()
	}
	return nil
}

func (h *transitionCounter) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *transitionCounter) WithGroup(string) slog.Handler      { return h }

func TestGate_ConcurrentCallersTripOnce(t *testing.T) {
	counter := &transitionCounter{}
	g, err := New("payments",
		Config{ResetTimeout: time.Minute, FailureThreshold: 3, HalfOpenLimit: 2},
		fallbackReply, nil, slog.New(counter))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(g.Close)

	// Bring the failure count to one below the threshold, then race N
	// failing callers.
	g.Execute(failOp)
	g.Execute(failOp)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Execute(failOp)
		}()
	}
	wg.Wait()

	if g.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", g.State())
	}
	counter.mu.Lock()
	opened := counter.opened
	counter.mu.Unlock()
	if opened != 1 {
		t.Fatalf("expected exactly 1 closed→open transition, got %d", opened)
	}
}

func TestGate_ResetForcesClosed(t *testing.T) {
	g := newTestGate(t, Config{ResetTimeout: time.Minute, FailureThreshold: 1, HalfOpenLimit: 2})

	g.Execute(failOp)
	if g.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", g.State())
	}

	g.Reset()
	if g.State() != StateClosed {
		t.Fatalf("expected StateClosed after Reset, got %v", g.State())
	}

	var invoked atomic.Bool
	g.Execute(func() (reply, error) {
		invoked.Store(true)
		return reply{code: 200}, nil
	})
	if !invoked.Load() {
		t.Fatal("expected operation to be invoked after Reset")
	}
}

func TestGate_CloseDisablesProbeScheduling(t *testing.T) {
	g := newTestGate(t, Config{ResetTimeout: 20 * time.Millisecond, FailureThreshold: 1, HalfOpenLimit: 1})

	g.Execute(failOp)
	g.Close()
	g.Close() // idempotent

	time.Sleep(60 * time.Millisecond)
	if g.State() != StateOpen {
		t.Fatalf("expected gate to stay open after Close, got %v", g.State())
	}
	if res := g.Execute(okOp); res != fallbackReply {
		t.Fatalf("expected fallback after Close, got %+v", res)
	}
}

func TestGate_Stats(t *testing.T) {
	g := newTestGate(t, Config{ResetTimeout: time.Minute, FailureThreshold: 2, HalfOpenLimit: 2})

	g.Execute(okOp)
	g.Execute(failOp)
	g.Execute(failOp) // trips open
	g.Execute(okOp)   // rejected

	s := g.Stats()
	if s.State != StateOpen {
		t.Errorf("State = %v, want open", s.State)
	}
	if s.TotalCalls != 3 {
		t.Errorf("TotalCalls = %d, want 3", s.TotalCalls)
	}
	if s.TotalFailures != 2 {
		t.Errorf("TotalFailures = %d, want 2", s.TotalFailures)
	}
	if s.TotalRejections != 1 {
		t.Errorf("TotalRejections = %d, want 1", s.TotalRejections)
	}
	if s.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after trip", s.ConsecutiveFailures)
	}
}

func TestState_String(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
