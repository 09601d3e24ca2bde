// Package health implements the per-provider rolling health tracker:
// bounded metric windows, the derived [0,100] score, and a per
// -provider circuit breaker layered on top (SPEC_FULL.md §4.4).
// Metrics are appended synchronously under a per-provider lock; there
// is no background ingestion queue.
package health

import (
	"sync"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/addonfed/core/model"
)

const (
	// DefaultWindowSize is N in "last N records per operation"
	// (SPEC_FULL.md §4.4/§6.4).
	DefaultWindowSize = 200
	// DefaultWindowDuration is T in "records from the last T hours".
	DefaultWindowDuration = 168 * time.Hour
)

// Persistence is the interface the tracker uses to durably record
// metrics and summaries (SPEC_FULL.md §4.8). The tracker ignores
// errors from it (they are neither returned nor logged), so
// persistence failures here never affect the in-memory answer.
type Persistence interface {
	SaveMetric(model.HealthMetric) error
	SaveSummary(model.HealthSummary) error
	DeleteProviderHistory(providerID string) error
}

type providerState struct {
	mu      sync.Mutex
	byOp    map[model.ResourceKind][]model.HealthMetric
	breaker *gobreaker.CircuitBreaker[interface{}]
}

// Tracker is the engine's health tracker: one instance shared by the
// aggregator (writer) and the facade (reader).
type Tracker struct {
	mu             sync.RWMutex
	providers      map[string]*providerState
	windowSize     int
	windowDuration time.Duration
	persist        Persistence
	names          func(providerID string) string
}

// NewTracker builds a Tracker. persist may be nil (in which case
// records are kept only in memory). names resolves a provider id to
// its display name for Summaries(); it may be nil.
func NewTracker(windowSize int, windowDuration time.Duration, persist Persistence, names func(string) string) *Tracker {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if windowDuration <= 0 {
		windowDuration = DefaultWindowDuration
	}
	return &Tracker{
		providers:      make(map[string]*providerState),
		windowSize:     windowSize,
		windowDuration: windowDuration,
		persist:        persist,
		names:          names,
	}
}

func (t *Tracker) stateFor(providerID string) *providerState {
	t.mu.RLock()
	st, ok := t.providers[providerID]
	t.mu.RUnlock()
	if ok {
		return st
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok = t.providers[providerID]; ok {
		return st
	}
	st = &providerState{byOp: make(map[model.ResourceKind][]model.HealthMetric)}
	st.breaker = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        providerID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})
	t.providers[providerID] = st
	return st
}

// Record appends one per-call observation. It returns nothing and
// ignores persistence errors; when persistence is configured, the
// metric and the refreshed summary are written synchronously before
// Record returns.
func (t *Tracker) Record(m model.HealthMetric) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ObservedAt.IsZero() {
		m.ObservedAt = time.Now()
	}

	st := t.stateFor(m.ProviderID)
	st.mu.Lock()
	st.byOp[m.Operation] = prune(append(st.byOp[m.Operation], m), t.windowSize, t.windowDuration, m.ObservedAt)
	st.mu.Unlock()

	isFailure := m.Outcome.IsFailure()
	_, _ = st.breaker.Execute(func() (interface{}, error) {
		if isFailure {
			return nil, errBreakerObservedFailure
		}
		return nil, nil
	})

	if t.persist != nil {
		_ = t.persist.SaveMetric(m)
		_ = t.persist.SaveSummary(t.Summary(m.ProviderID))
	}
}

var errBreakerObservedFailure = &breakerFailure{}

type breakerFailure struct{}

func (e *breakerFailure) Error() string { return "health: observed failure" }

// prune keeps at most windowSize records, all within windowDuration of
// now, preferring whichever bound is tighter.
func prune(records []model.HealthMetric, windowSize int, windowDuration time.Duration, now time.Time) []model.HealthMetric {
	cutoff := now.Add(-windowDuration)
	kept := records[:0:0]
	for _, r := range records {
		if r.ObservedAt.After(cutoff) {
			kept = append(kept, r)
		}
	}
	if len(kept) > windowSize {
		kept = kept[len(kept)-windowSize:]
	}
	return kept
}

// window returns the full retained window across all operations for
// a provider (the score is computed over all operations together).
func (t *Tracker) window(providerID string) []model.HealthMetric {
	t.mu.RLock()
	st, ok := t.providers[providerID]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	var all []model.HealthMetric
	for _, recs := range st.byOp {
		all = append(all, recs...)
	}
	return all
}

// CircuitState reports the current circuit state for a provider.
// Providers never observed default to closed.
func (t *Tracker) CircuitState(providerID string) model.CircuitState {
	t.mu.RLock()
	st, ok := t.providers[providerID]
	t.mu.RUnlock()
	if !ok {
		return model.CircuitClosed
	}
	switch st.breaker.State() {
	case gobreaker.StateOpen:
		return model.CircuitOpen
	case gobreaker.StateHalfOpen:
		return model.CircuitHalfOpen
	default:
		return model.CircuitClosed
	}
}

// Summary derives the current HealthSummary for one provider.
func (t *Tracker) Summary(providerID string) model.HealthSummary {
	win := t.window(providerID)
	now := time.Now()

	var total, success, fail int
	var latencySum int64
	var lastErr string
	var lastObserved time.Time
	for _, m := range win {
		total++
		if m.Outcome.IsFailure() {
			fail++
			if m.Detail != "" {
				lastErr = m.Detail
			}
		} else {
			success++
		}
		latencySum += m.LatencyMS
		if m.ObservedAt.After(lastObserved) {
			lastObserved = m.ObservedAt
		}
	}

	mean := 0.0
	if total > 0 {
		mean = float64(latencySum) / float64(total)
	}

	name := ""
	if t.names != nil {
		name = t.names(providerID)
	}

	return model.HealthSummary{
		ProviderID:     providerID,
		ProviderName:   name,
		TotalCalls:     total,
		SuccessCalls:   success,
		FailedCalls:    fail,
		MeanLatencyMS:  mean,
		LastError:      lastErr,
		Score:          score(win, now),
		LastObservedAt: lastObserved,
		Circuit:        t.CircuitState(providerID),
	}
}

// Summaries returns the derived summary for every provider the
// tracker has observed, joined with provider display names.
func (t *Tracker) Summaries() []model.HealthSummary {
	t.mu.RLock()
	ids := make([]string, 0, len(t.providers))
	for id := range t.providers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	summaries := make([]model.HealthSummary, 0, len(ids))
	for _, id := range ids {
		summaries = append(summaries, t.Summary(id))
	}
	return summaries
}

// Clear removes all retained history for a provider (on uninstall).
func (t *Tracker) Clear(providerID string) {
	t.mu.Lock()
	delete(t.providers, providerID)
	t.mu.Unlock()
	if t.persist != nil {
		_ = t.persist.DeleteProviderHistory(providerID)
	}
}
