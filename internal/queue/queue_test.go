package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(capacity int, clk *fakeClock) *Queue {
	return New(Options{
		Capacity:      capacity,
		RateWindow:    time.Second,
		RateLimit:     100,
		OpenThreshold: 0.95,
		Cooldown:      5 * time.Second,
		Clock:         clk.now,
	})
}

func mustPush(t *testing.T, q *Queue, data, connID string, pri Priority) {
	t.Helper()
	res := q.Push([]byte(data), connID, pri)
	if !res.Accepted {
		t.Fatalf("push %q rejected: %s (state=%s)", data, res.Reason, res.State)
	}
}

// TestPush_HealthyPassthrough: three Normal messages flow through in FIFO
// order with no drops and the state never leaves Healthy.
func TestPush_HealthyPassthrough(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(10, clk)

	for i := 0; i < 3; i++ {
		mustPush(t, q, fmt.Sprintf("msg-%d", i), "A", PriorityNormal)
	}
	if st := q.State(); st != StateHealthy {
		t.Fatalf("state = %s, want healthy", st)
	}

	msgs := q.Pop(10)
	if len(msgs) != 3 {
		t.Fatalf("pop returned %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("msg-%d", i); string(m.Data) != want {
			t.Fatalf("pop[%d] = %q, want %q (FIFO violated)", i, m.Data, want)
		}
		if m.ConnID != "A" {
			t.Fatalf("pop[%d].ConnID = %q", i, m.ConnID)
		}
	}

	s := q.Stats()
	if s.Accepted != 3 || s.Popped != 3 || s.Dropped != 0 {
		t.Fatalf("stats accepted=%d popped=%d dropped=%d, want 3/3/0", s.Accepted, s.Popped, s.Dropped)
	}
}

// TestPriorityGate_Degraded: at 6/10 the queue is Degraded, Low is shed,
// High still flows and pops ahead of the queued Normals.
func TestPriorityGate_Degraded(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(10, clk)

	for i := 0; i < 6; i++ {
		mustPush(t, q, fmt.Sprintf("n-%d", i), "A", PriorityNormal)
	}
	if st := q.State(); st != StateDegraded {
		t.Fatalf("state = %s, want degraded", st)
	}

	res := q.Push([]byte("low"), "A", PriorityLow)
	if res.Accepted || res.Reason != ReasonLowDropped {
		t.Fatalf("low push: accepted=%v reason=%q", res.Accepted, res.Reason)
	}
	if res.State != StateDegraded {
		t.Fatalf("rejection reported state %s, want degraded", res.State)
	}

	mustPush(t, q, "high", "A", PriorityHigh)

	msgs := q.Pop(1)
	if len(msgs) != 1 || string(msgs[0].Data) != "high" {
		t.Fatalf("pop(1) = %v, want the High message first", msgs)
	}
}

// TestPriorityGate_OverloadedAndCritical walks utilization through the
// upper bands and checks which priorities are still admitted.
func TestPriorityGate_OverloadedAndCritical(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(20, clk)

	// 16/20 = 0.8: Overloaded.
	for i := 0; i < 16; i++ {
		mustPush(t, q, "fill", "A", PriorityCritical)
	}
	if res := q.Push([]byte("n"), "A", PriorityNormal); res.Accepted || res.Reason != ReasonNormalDropped {
		t.Fatalf("normal at overloaded: accepted=%v reason=%q", res.Accepted, res.Reason)
	}
	if res := q.Push([]byte("l"), "A", PriorityLow); res.Accepted || res.Reason != ReasonLowDropped {
		t.Fatalf("low at overloaded: accepted=%v reason=%q", res.Accepted, res.Reason)
	}
	mustPush(t, q, "h", "A", PriorityHigh)
	mustPush(t, q, "c", "A", PriorityCritical)

	// 18/20 = 0.9, push one more Critical to reach 19/20 = 0.95: Critical.
	mustPush(t, q, "c", "A", PriorityCritical)
	if st := q.State(); st != StateCritical {
		t.Fatalf("state = %s, want critical", st)
	}
	if res := q.Push([]byte("h"), "A", PriorityHigh); res.Accepted || res.Reason != ReasonCriticalOnly {
		t.Fatalf("high at critical: accepted=%v reason=%q", res.Accepted, res.Reason)
	}
	mustPush(t, q, "c", "A", PriorityCritical)
}

// TestRateLimit_WindowBoundary: the 101st push inside the window is shed,
// the first push after the window elapses resets the counter.
func TestRateLimit_WindowBoundary(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(100000, clk)

	for i := 0; i < 100; i++ {
		mustPush(t, q, "m", "B", PriorityNormal)
		clk.advance(5 * time.Millisecond)
	}
	res := q.Push([]byte("m"), "B", PriorityNormal)
	if res.Accepted || res.Reason != ReasonRateLimited {
		t.Fatalf("101st push: accepted=%v reason=%q", res.Accepted, res.Reason)
	}

	// Another connection is unaffected.
	mustPush(t, q, "m", "C", PriorityNormal)

	clk.advance(600 * time.Millisecond)
	mustPush(t, q, "m", "B", PriorityNormal)
}

func TestSetRateLimit(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(100000, clk)
	q.SetRateLimit(100*time.Millisecond, 2)

	mustPush(t, q, "1", "A", PriorityNormal)
	mustPush(t, q, "2", "A", PriorityNormal)
	if res := q.Push([]byte("3"), "A", PriorityNormal); res.Accepted || res.Reason != ReasonRateLimited {
		t.Fatalf("3rd push: accepted=%v reason=%q", res.Accepted, res.Reason)
	}
	clk.advance(100 * time.Millisecond)
	mustPush(t, q, "4", "A", PriorityNormal)
}

// TestCircuitBreaker: a push observed above the threshold opens the
// breaker, everything is shed during cooldown regardless of priority or
// queue length, and the breaker closes on the first push past cooldown.
func TestCircuitBreaker(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(10, clk)

	for i := 0; i < 10; i++ {
		mustPush(t, q, "fill", "A", PriorityCritical)
	}

	res := q.Push([]byte("x"), "B", PriorityCritical)
	if res.Accepted || res.Reason != ReasonCircuitOpen {
		t.Fatalf("push at 10/10: accepted=%v reason=%q", res.Accepted, res.Reason)
	}
	if !q.Stats().CircuitOpen {
		t.Fatalf("breaker did not open")
	}

	// Drain completely; the breaker stays open for the rest of the cooldown.
	if got := len(q.Pop(100)); got != 10 {
		t.Fatalf("pop drained %d, want 10", got)
	}
	clk.advance(4 * time.Second)
	if res := q.Push([]byte("x"), "B", PriorityCritical); res.Accepted || res.Reason != ReasonCircuitOpen {
		t.Fatalf("push during cooldown: accepted=%v reason=%q", res.Accepted, res.Reason)
	}

	clk.advance(time.Second)
	mustPush(t, q, "x", "B", PriorityCritical)
	if q.Stats().CircuitOpen {
		t.Fatalf("breaker still open after cooldown")
	}
}

// The breaker threshold is strict: utilization exactly at it does not
// open, one message above does.
func TestCircuitBreaker_StrictThreshold(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(20, clk)

	for i := 0; i < 19; i++ {
		mustPush(t, q, "fill", "A", PriorityCritical)
	}
	// 19/20 = 0.95 observed: gate says critical-only, breaker stays shut.
	mustPush(t, q, "at-threshold", "A", PriorityCritical)

	res := q.Push([]byte("over"), "A", PriorityCritical)
	if res.Accepted || res.Reason != ReasonCircuitOpen {
		t.Fatalf("push above threshold: accepted=%v reason=%q", res.Accepted, res.Reason)
	}
}

func TestResetCircuitBreaker(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(10, clk)

	for i := 0; i < 10; i++ {
		mustPush(t, q, "fill", "A", PriorityCritical)
	}
	if res := q.Push([]byte("x"), "A", PriorityCritical); res.Accepted {
		t.Fatalf("expected breaker to open")
	}
	q.Pop(100)
	q.ResetCircuitBreaker()
	mustPush(t, q, "x", "A", PriorityCritical)
}

// TestHardCap_Boundary: with the breaker disabled, a gate-permitted push
// at capacity-1 is admitted and one at capacity is shed with the cap
// reason.
func TestHardCap_Boundary(t *testing.T) {
	clk := newFakeClock()
	q := New(Options{
		Capacity:      10,
		RateWindow:    time.Second,
		RateLimit:     1000,
		OpenThreshold: 2, // breaker never trips
		Cooldown:      5 * time.Second,
		Clock:         clk.now,
	})

	for i := 0; i < 9; i++ {
		mustPush(t, q, "fill", "A", PriorityCritical)
	}
	mustPush(t, q, "last-slot", "A", PriorityCritical)

	res := q.Push([]byte("overflow"), "A", PriorityCritical)
	if res.Accepted || res.Reason != ReasonQueueFull {
		t.Fatalf("push at capacity: accepted=%v reason=%q", res.Accepted, res.Reason)
	}
}

// No pop may return a lower-priority message while a higher bucket still
// holds one.
func TestPop_StrictPriorityOrder(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(100, clk)

	mustPush(t, q, "low", "A", PriorityLow)
	mustPush(t, q, "normal", "A", PriorityNormal)
	mustPush(t, q, "high", "A", PriorityHigh)
	mustPush(t, q, "critical", "A", PriorityCritical)

	msgs := q.Pop(2)
	if len(msgs) != 2 || string(msgs[0].Data) != "critical" || string(msgs[1].Data) != "high" {
		t.Fatalf("pop(2) = %v, want [critical high]", msgs)
	}

	mustPush(t, q, "critical-2", "A", PriorityCritical)
	msgs = q.Pop(10)
	want := []string{"critical-2", "normal", "low"}
	if len(msgs) != 3 {
		t.Fatalf("pop(10) returned %d, want 3", len(msgs))
	}
	for i, w := range want {
		if string(msgs[i].Data) != w {
			t.Fatalf("pop[%d] = %q, want %q", i, msgs[i].Data, w)
		}
	}
}

func TestPop_EmptyAndZero(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(10, clk)
	if msgs := q.Pop(10); msgs != nil {
		t.Fatalf("pop on empty queue = %v, want nil", msgs)
	}
	mustPush(t, q, "m", "A", PriorityNormal)
	if msgs := q.Pop(0); msgs != nil {
		t.Fatalf("pop(0) = %v, want nil", msgs)
	}
}

// Length always equals the sum of the bucket sizes.
func TestLength_EqualsBucketSum(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(100, clk)

	mustPush(t, q, "a", "A", PriorityLow)
	mustPush(t, q, "b", "A", PriorityNormal)
	mustPush(t, q, "c", "A", PriorityNormal)
	mustPush(t, q, "d", "A", PriorityCritical)

	s := q.Stats()
	sum := 0
	for _, n := range s.Buckets {
		sum += n
	}
	if q.Length() != sum || sum != 4 {
		t.Fatalf("length=%d bucket sum=%d, want 4", q.Length(), sum)
	}
}

func TestStateFor_SteppedFunction(t *testing.T) {
	cases := []struct {
		u    float64
		want State
	}{
		{0, StateHealthy},
		{0.49, StateHealthy},
		{0.5, StateDegraded},
		{0.79, StateDegraded},
		{0.8, StateOverloaded},
		{0.94, StateOverloaded},
		{0.95, StateCritical},
		{1.0, StateCritical},
		{1.5, StateCritical},
	}
	for _, tc := range cases {
		if got := StateFor(tc.u); got != tc.want {
			t.Fatalf("StateFor(%v) = %s, want %s", tc.u, got, tc.want)
		}
	}
}

// Shrinking capacity below the current length keeps every queued message
// and pushes utilization past 1.
func TestSetCapacity_ShrinkKeepsMessages(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(10, clk)

	for i := 0; i < 5; i++ {
		mustPush(t, q, fmt.Sprintf("m-%d", i), "A", PriorityNormal)
	}
	q.SetCapacity(4)

	if got := q.Length(); got != 5 {
		t.Fatalf("length after shrink = %d, want 5", got)
	}
	if u := q.Utilization(); u != 1.25 {
		t.Fatalf("utilization after shrink = %v, want 1.25", u)
	}
	if got := len(q.Pop(10)); got != 5 {
		t.Fatalf("pop after shrink drained %d, want 5", got)
	}
}

func TestCleanup_DropsIdleWindows(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(100, clk)

	mustPush(t, q, "m", "old", PriorityNormal)
	clk.advance(61 * time.Minute)
	mustPush(t, q, "m", "fresh", PriorityNormal)

	if removed := q.Cleanup(time.Hour); removed != 1 {
		t.Fatalf("cleanup removed %d windows, want 1", removed)
	}
	if got := q.Stats().Connections; got != 1 {
		t.Fatalf("tracked connections = %d, want 1", got)
	}
}

func TestStats_DroppedByReason(t *testing.T) {
	clk := newFakeClock()
	q := newTestQueue(10, clk)

	for i := 0; i < 6; i++ {
		mustPush(t, q, "fill", "A", PriorityNormal)
	}
	q.Push([]byte("l"), "A", PriorityLow)
	q.Push([]byte("l"), "A", PriorityLow)

	s := q.Stats()
	if s.Dropped != 2 || s.DroppedByReason[ReasonLowDropped] != 2 {
		t.Fatalf("dropped=%d byReason=%v", s.Dropped, s.DroppedByReason)
	}
}

// Concurrent pushers and a popper must never lose or invent messages.
func TestConcurrentPushPop(t *testing.T) {
	q := New(Options{Capacity: 100000, RateLimit: 1 << 30})

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	var accepted atomic.Uint64
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", p)
			for i := 0; i < perProducer; i++ {
				if res := q.Push([]byte("m"), conn, Priority(i%NumPriorities)); res.Accepted {
					accepted.Add(1)
				}
			}
		}(p)
	}

	stop := make(chan struct{})
	poppedCh := make(chan uint64, 1)
	go func() {
		var popped uint64
		for {
			batch := q.Pop(64)
			popped += uint64(len(batch))
			if len(batch) > 0 {
				continue
			}
			select {
			case <-stop:
				if q.Length() == 0 {
					poppedCh <- popped
					return
				}
			default:
			}
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	close(stop)
	popped := <-poppedCh

	if got := accepted.Load(); popped != got {
		t.Fatalf("popped %d of %d accepted messages", popped, got)
	}
	if got := accepted.Load(); got != producers*perProducer {
		t.Fatalf("accepted %d, want %d (capacity was never under pressure)", got, producers*perProducer)
	}
}
