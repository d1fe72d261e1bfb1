// Package queue implements the relay's ingress queue: a priority-partitioned,
// bounded, in-process queue with a utilization-derived state machine, a
// self-resetting circuit breaker and per-connection sliding-window rate
// limiting. It decouples socket reads from downstream work; all overload is
// expressed as a rejected push, never as blocking.
package queue

import (
	"sync"
	"time"
)

// Priority is the admission band of a queued message. Lower value drains
// first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	NumPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// State is the backpressure level derived from utilization.
type State int

const (
	StateHealthy    State = iota // u < 0.5
	StateDegraded                // 0.5 <= u < 0.8
	StateOverloaded              // 0.8 <= u < 0.95
	StateCritical                // u >= 0.95
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateOverloaded:
		return "overloaded"
	case StateCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// StateFor maps a utilization value to its backpressure state.
func StateFor(u float64) State {
	switch {
	case u < 0.5:
		return StateHealthy
	case u < 0.8:
		return StateDegraded
	case u < 0.95:
		return StateOverloaded
	default:
		return StateCritical
	}
}

// Rejection reasons surfaced to clients through OK/CLOSED/NOTICE frames.
const (
	ReasonCircuitOpen   = "circuit breaker open"
	ReasonRateLimited   = "rate limited"
	ReasonLowDropped    = "low priority dropped"
	ReasonNormalDropped = "normal priority dropped"
	ReasonCriticalOnly  = "only critical accepted"
	ReasonQueueFull     = "queue full"
)

// Message is one queued inbound frame.
type Message struct {
	Data       []byte
	ConnID     string
	Priority   Priority
	EnqueuedAt time.Time
}

// PushResult reports the admission decision. Reason is empty when
// Accepted; State is the level observed at admission time.
type PushResult struct {
	Accepted bool
	Reason   string
	State    State
}

// Options configure a Queue. Zero values fall back to the defaults below.
type Options struct {
	Capacity      int           // default 100000
	RateWindow    time.Duration // default 1s
	RateLimit     int           // default 100 frames per window per connection
	OpenThreshold float64       // default 0.95
	Cooldown      time.Duration // default 5s
	Clock         func() time.Time
}

const (
	DefaultCapacity      = 100000
	DefaultRateWindow    = time.Second
	DefaultRateLimit     = 100
	DefaultOpenThreshold = 0.95
	DefaultCooldown      = 5 * time.Second

	latencyHistory = 1000
)

type connWindow struct {
	count       int
	windowStart time.Time
	blocked     bool
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Length          int
	Capacity        int
	Utilization     float64
	State           State
	Buckets         [NumPriorities]int
	Accepted        uint64
	Popped          uint64
	Dropped         uint64
	DroppedByReason map[string]uint64
	CircuitOpen     bool
	Connections     int
	AvgPopLatency   time.Duration
}

// Queue is safe for concurrent use. Every operation is O(1)-ish and holds
// a single mutex briefly; nothing inside ever blocks or suspends.
type Queue struct {
	mu sync.Mutex

	buckets  [NumPriorities][]Message
	capacity int

	rateWindow time.Duration
	rateLimit  int
	conns      map[string]*connWindow

	openThreshold float64
	cooldown      time.Duration
	breakerOpen   bool
	breakerUntil  time.Time

	accepted        uint64
	popped          uint64
	dropped         uint64
	droppedByReason map[string]uint64

	latencies [latencyHistory]time.Duration
	latCursor int
	latFilled int

	now func() time.Time
}

func New(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = DefaultRateWindow
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.OpenThreshold <= 0 {
		opts.OpenThreshold = DefaultOpenThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Queue{
		capacity:        opts.Capacity,
		rateWindow:      opts.RateWindow,
		rateLimit:       opts.RateLimit,
		openThreshold:   opts.OpenThreshold,
		cooldown:        opts.Cooldown,
		conns:           make(map[string]*connWindow),
		droppedByReason: make(map[string]uint64),
		now:             opts.Clock,
	}
}

// Push admits or rejects one frame. It never blocks; the checks run in
// order: circuit breaker, per-connection rate limit, priority gate, hard
// capacity cap.
func (q *Queue) Push(data []byte, connID string, pri Priority) PushResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	u := q.utilizationLocked()
	st := StateFor(u)

	if q.breakerOpen {
		if now.Before(q.breakerUntil) {
			return q.rejectLocked(ReasonCircuitOpen, st)
		}
		q.breakerOpen = false
	}
	if u > q.openThreshold {
		q.breakerOpen = true
		q.breakerUntil = now.Add(q.cooldown)
		return q.rejectLocked(ReasonCircuitOpen, st)
	}

	cw := q.conns[connID]
	if cw == nil {
		cw = &connWindow{windowStart: now}
		q.conns[connID] = cw
	}
	if now.Sub(cw.windowStart) >= q.rateWindow {
		cw.count = 0
		cw.windowStart = now
		cw.blocked = false
	}
	if cw.count >= q.rateLimit {
		cw.blocked = true
		return q.rejectLocked(ReasonRateLimited, st)
	}
	cw.count++

	switch st {
	case StateDegraded:
		if pri == PriorityLow {
			return q.rejectLocked(ReasonLowDropped, st)
		}
	case StateOverloaded:
		if pri == PriorityLow {
			return q.rejectLocked(ReasonLowDropped, st)
		}
		if pri == PriorityNormal {
			return q.rejectLocked(ReasonNormalDropped, st)
		}
	case StateCritical:
		if pri != PriorityCritical {
			return q.rejectLocked(ReasonCriticalOnly, st)
		}
	}

	if q.lengthLocked() >= q.capacity {
		return q.rejectLocked(ReasonQueueFull, st)
	}

	q.buckets[pri] = append(q.buckets[pri], Message{
		Data:       data,
		ConnID:     connID,
		Priority:   pri,
		EnqueuedAt: now,
	})
	q.accepted++
	return PushResult{Accepted: true, State: st}
}

func (q *Queue) rejectLocked(reason string, st State) PushResult {
	q.dropped++
	q.droppedByReason[reason]++
	return PushResult{Accepted: false, Reason: reason, State: st}
}

// Pop drains up to n messages, highest priority bucket first, FIFO within
// a bucket. Partial batches return immediately; an empty queue returns nil.
func (q *Queue) Pop(n int) []Message {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	start := q.now()
	var out []Message
	for pri := 0; pri < NumPriorities && len(out) < n; pri++ {
		bucket := q.buckets[pri]
		if len(bucket) == 0 {
			continue
		}
		take := n - len(out)
		if take > len(bucket) {
			take = len(bucket)
		}
		out = append(out, bucket[:take]...)
		if take == len(bucket) {
			q.buckets[pri] = nil
		} else {
			q.buckets[pri] = bucket[take:]
		}
	}
	if len(out) > 0 {
		q.popped += uint64(len(out))
		q.recordLatencyLocked(q.now().Sub(start))
	}
	return out
}

func (q *Queue) recordLatencyLocked(d time.Duration) {
	q.latencies[q.latCursor] = d
	q.latCursor = (q.latCursor + 1) % latencyHistory
	if q.latFilled < latencyHistory {
		q.latFilled++
	}
}

func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lengthLocked()
}

func (q *Queue) lengthLocked() int {
	total := 0
	for _, b := range q.buckets {
		total += len(b)
	}
	return total
}

func (q *Queue) Utilization() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.utilizationLocked()
}

func (q *Queue) utilizationLocked() float64 {
	return float64(q.lengthLocked()) / float64(q.capacity)
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return StateFor(q.utilizationLocked())
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Length:          q.lengthLocked(),
		Capacity:        q.capacity,
		Accepted:        q.accepted,
		Popped:          q.popped,
		Dropped:         q.dropped,
		DroppedByReason: make(map[string]uint64, len(q.droppedByReason)),
		CircuitOpen:     q.breakerOpen,
		Connections:     len(q.conns),
	}
	s.Utilization = q.utilizationLocked()
	s.State = StateFor(s.Utilization)
	for i, b := range q.buckets {
		s.Buckets[i] = len(b)
	}
	for reason, n := range q.droppedByReason {
		s.DroppedByReason[reason] = n
	}
	if q.latFilled > 0 {
		var sum time.Duration
		for i := 0; i < q.latFilled; i++ {
			sum += q.latencies[i]
		}
		s.AvgPopLatency = sum / time.Duration(q.latFilled)
	}
	return s
}

// SetCapacity changes the cap at runtime. Shrinking never drops queued
// messages; utilization simply reports above 1 until the queue drains.
func (q *Queue) SetCapacity(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = n
}

// SetRateLimit changes the per-connection window and cap. Existing window
// counters keep their state and pick up the new limits on the next push.
func (q *Queue) SetRateLimit(window time.Duration, limit int) {
	if window <= 0 || limit <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rateWindow = window
	q.rateLimit = limit
}

// ResetCircuitBreaker force-closes the breaker regardless of cooldown.
func (q *Queue) ResetCircuitBreaker() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.breakerOpen = false
	q.breakerUntil = time.Time{}
}

// Cleanup drops rate-limit windows that have been idle longer than maxAge
// and returns how many were removed. Queued messages are never touched.
func (q *Queue) Cleanup(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	removed := 0
	for connID, cw := range q.conns {
		if now.Sub(cw.windowStart) > maxAge {
			delete(q.conns, connID)
			removed++
		}
	}
	return removed
}
