package proxy

import (
	"sync"
	"time"

	"github.com/migadu/poplogin/pkg/circuitbreaker"
)

// HealthRecord is the process-wide, per-destination state used to decide
// fast-fail and to pace delayed disconnects. Records live as long as any
// Proxy references them and are never removed while their counters are
// non-zero.
type HealthRecord struct {
	mu sync.Mutex

	Waiting uint
	Active  uint

	LastSuccess time.Time
	LastFailure time.Time

	DisconnectBatchStart time.Time
	DisconnectsInBatch   uint
	DelayedDisconnects   uint

	consecutiveFailures uint
	breaker             *circuitbreaker.CircuitBreaker
}

func newHealthRecord(name string) *HealthRecord {
	rec := &HealthRecord{}
	rec.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return rec
}

// BreakerState exposes the circuit breaker's operational state for the
// admin STATUS surface. It never influences ShouldFailFast.
func (r *HealthRecord) BreakerState() circuitbreaker.State {
	return r.breaker.State()
}

// HealthRegistry is the process-wide mapping from destination to
// HealthRecord. All mutation of a record's counters and timestamps goes
// through the registry so that concurrent proxies observe a consistent
// view of each destination.
type HealthRegistry struct {
	mu      sync.Mutex
	records map[DestinationKey]*HealthRecord
	notify  func(user string)
}

// NewHealthRegistry constructs an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{records: make(map[DestinationKey]*HealthRecord)}
}

// SetNotifier wires the function used by Notify to reach the notify pipe.
func (h *HealthRegistry) SetNotifier(fn func(user string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notify = fn
}

// Get returns the HealthRecord for a destination, creating it if this is
// the first time the destination has been seen. The returned pointer is
// stable for the life of the process.
func (h *HealthRegistry) Get(key DestinationKey) *HealthRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[key]
	if !ok {
		rec = newHealthRecord(key.String())
		h.records[key] = rec
	}
	return rec
}

// RecordAttemptBegin marks the start of a connect attempt against rec.
func (h *HealthRegistry) RecordAttemptBegin(rec *HealthRecord) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.Waiting++
}

// RecordAttemptEnd matches a prior RecordAttemptBegin. attemptCreated is
// the time the connect attempt itself began; a failure only updates
// LastFailure if no success has landed since the attempt started, so a
// concurrent success doesn't get retroactively poisoned by a slower
// failing attempt.
func (h *HealthRegistry) RecordAttemptEnd(rec *HealthRecord, success bool, attemptCreated time.Time) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.Waiting > 0 {
		rec.Waiting--
	}
	now := time.Now()
	if success {
		rec.Active++
		rec.LastSuccess = now
		rec.consecutiveFailures = 0
	} else {
		if attemptCreated.After(rec.LastSuccess) {
			rec.LastFailure = now
		}
		rec.consecutiveFailures++
	}

	rec.breaker.Execute(func() (interface{}, error) {
		if success {
			return nil, nil
		}
		return nil, errAttemptFailed
	})
}

// RecordActiveEnd decrements the active count when a detached proxy
// finally tears down.
func (h *HealthRegistry) RecordActiveEnd(rec *HealthRecord) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.Active > 0 {
		rec.Active--
	}
}

// ShouldFailFast reports whether a new attempt against rec should be
// abandoned immediately rather than tried: the destination has been down
// (failing without an intervening success) for longer than window, and
// there is already another attempt in flight so this isn't the sole probe
// that could discover recovery.
func (h *HealthRegistry) ShouldFailFast(rec *HealthRecord, window time.Duration) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if window <= 0 {
		return false
	}
	if rec.LastFailure.IsZero() || !rec.LastFailure.After(rec.LastSuccess) {
		return false
	}
	downFor := rec.LastFailure.Sub(rec.LastSuccess)
	return downFor > window && rec.Waiting > 1
}

// Notify emits an external "user is still proxied" hint via the notify
// pipe, if one is configured.
func (h *HealthRegistry) Notify(user string) {
	h.mu.Lock()
	fn := h.notify
	h.mu.Unlock()
	if fn != nil {
		fn(user)
	}
}

// DestinationStatus summarizes one destination's HealthRecord for the
// admin STATUS surface.
type DestinationStatus struct {
	Dest   DestinationKey
	Active uint
	State  circuitbreaker.State
}

// Snapshot returns the breaker state and active count of every
// destination the registry has ever seen, for operational visibility
// distinct from the fast-fail decision itself.
func (h *HealthRegistry) Snapshot() []DestinationStatus {
	h.mu.Lock()
	keys := make([]DestinationKey, 0, len(h.records))
	recs := make([]*HealthRecord, 0, len(h.records))
	for k, r := range h.records {
		keys = append(keys, k)
		recs = append(recs, r)
	}
	h.mu.Unlock()

	out := make([]DestinationStatus, len(keys))
	for i, rec := range recs {
		rec.mu.Lock()
		out[i] = DestinationStatus{Dest: keys[i], Active: rec.Active, State: rec.breaker.State()}
		rec.mu.Unlock()
	}
	return out
}

var errAttemptFailed = &attemptFailedError{}

type attemptFailedError struct{}

func (*attemptFailedError) Error() string { return "connect attempt failed" }
