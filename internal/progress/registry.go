package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lotscout/api/internal/models"
)

// Stage identifies the pipeline phase a search is currently in.
type Stage string

const (
	StageStarting    Stage = "starting"
	StageSQLFilter   Stage = "sql_filter"
	StageCVAnalysis  Stage = "cv_analysis"
	StageLLMAnalysis Stage = "llm_analysis"
	StageComplete    Stage = "complete"
	StageError       Stage = "error"
)

// Terminal reports whether the stage ends the search.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// StageTimings records wall-clock duration per stage in milliseconds.
type StageTimings struct {
	SQLFilterMs   int64 `json:"sqlFilterMs"`
	CVAnalysisMs  int64 `json:"cvAnalysisMs"`
	LLMAnalysisMs int64 `json:"llmAnalysisMs"`
	TotalMs       int64 `json:"totalMs"`
}

// CacheStats records detection-cache effectiveness for one search.
type CacheStats struct {
	Hits    int     `json:"hits"`
	Misses  int     `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// CostStats records external adjudication spend for one search.
type CostStats struct {
	AdjudicationUnits int     `json:"adjudicationUnits"`
	EstimatedUSD      float64 `json:"estimatedUsd"`
	BudgetUSD         float64 `json:"budgetUsd"`
	BudgetExhausted   bool    `json:"budgetExhausted"`
}

// SearchStats is the stats block attached to the terminal snapshot.
type SearchStats struct {
	Timings      StageTimings `json:"timings"`
	Cache        CacheStats   `json:"cache"`
	Cost         CostStats    `json:"cost"`
	CVOperations int          `json:"cvOperations"`
}

// Snapshot is one point-in-time view of a search's progress. Results and
// Stats are populated only on the complete snapshot; Error only on the
// error snapshot.
type Snapshot struct {
	SearchID  uuid.UUID       `json:"searchId"`
	Stage     Stage           `json:"stage"`
	Processed int             `json:"processed"`
	Total     int             `json:"total"`
	Message   string          `json:"message,omitempty"`
	Results   []models.Parcel `json:"results,omitempty"`
	Stats     *SearchStats    `json:"stats,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// tracker holds the live state of one search's progress stream.
type tracker struct {
	mu         sync.Mutex
	latest     Snapshot
	subs       map[int]chan Snapshot
	nextSubID  int
	doneAt     time.Time
}

// Registry tracks progress for all in-flight searches and fans snapshots
// out to subscribers. Publishing never blocks on consumers: a subscriber
// that falls behind is skipped for intermediate snapshots and still gets
// the latest one when it catches up, because each channel is buffered and
// drained newest-first by the reader.
type Registry struct {
	mu       sync.RWMutex
	trackers map[uuid.UUID]*tracker

	// grace is how long terminal snapshots stay readable before eviction.
	grace time.Duration

	stopCh chan struct{}
}

// NewRegistry creates a Registry whose terminal snapshots are retained for
// the given grace period. Retention lets clients that reconnect shortly
// after completion still read the final result.
func NewRegistry(grace time.Duration) *Registry {
	r := &Registry{
		trackers: make(map[uuid.UUID]*tracker),
		grace:    grace,
		stopCh:   make(chan struct{}),
	}
	go r.evictLoop()
	return r
}

// Stop terminates the background eviction loop.
func (r *Registry) Stop() {
	close(r.stopCh)
}

// Create registers a new search in the starting stage.
func (r *Registry) Create(searchID uuid.UUID) {
	t := &tracker{
		latest: Snapshot{
			SearchID:  searchID,
			Stage:     StageStarting,
			UpdatedAt: time.Now(),
		},
		subs: make(map[int]chan Snapshot),
	}

	r.mu.Lock()
	r.trackers[searchID] = t
	r.mu.Unlock()
}

// Latest returns the most recent snapshot for a search. The second return
// is false when the search is unknown or already evicted.
func (r *Registry) Latest(searchID uuid.UUID) (Snapshot, bool) {
	r.mu.RLock()
	t, ok := r.trackers[searchID]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, true
}

// Publish records a new snapshot and fans it out to all subscribers.
// Snapshots for an unknown search are dropped silently so a pipeline
// racing with eviction cannot panic the registry.
func (r *Registry) Publish(snap Snapshot) {
	snap.UpdatedAt = time.Now()

	r.mu.RLock()
	t, ok := r.trackers[snap.SearchID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.latest = snap
	if snap.Stage.Terminal() && t.doneAt.IsZero() {
		t.doneAt = time.Now()
	}
	for _, ch := range t.subs {
		select {
		case ch <- snap:
		default:
			// Slow consumer: drop the oldest buffered snapshot and
			// retry so the channel always tends toward the freshest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	t.mu.Unlock()
}

// Subscribe returns a channel of snapshots for a search plus an unsubscribe
// function. The current snapshot is delivered immediately, so late joiners
// see where the search is without waiting for the next publish. The second
// return is nil and ok is false when the search is unknown.
func (r *Registry) Subscribe(searchID uuid.UUID) (<-chan Snapshot, func(), bool) {
	r.mu.RLock()
	t, ok := r.trackers[searchID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}

	ch := make(chan Snapshot, 8)

	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subs[id] = ch
	ch <- t.latest
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if _, still := t.subs[id]; still {
			delete(t.subs, id)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, cancel, true
}

// evictLoop drops trackers whose terminal snapshot has outlived the grace
// period, closing any remaining subscriber channels.
func (r *Registry) evictLoop() {
	interval := r.grace / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.evictExpired(now)
		}
	}
}

func (r *Registry) evictExpired(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.trackers {
		t.mu.Lock()
		expired := !t.doneAt.IsZero() && now.Sub(t.doneAt) > r.grace
		if expired {
			for subID, ch := range t.subs {
				delete(t.subs, subID)
				close(ch)
			}
			delete(r.trackers, id)
		}
		t.mu.Unlock()
	}
}
