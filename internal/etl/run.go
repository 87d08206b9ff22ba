package etl

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tejusbharadwaj/posterflow/internal/api"
	"github.com/tejusbharadwaj/posterflow/internal/models"
)

// DefaultRunStoreSize bounds the run handles kept in memory.
const DefaultRunStoreSize = 32

// Outcome is what happened to one entity during a run.
type Outcome struct {
	Entity       string     `json:"entity"`
	Status       api.Status `json:"status"`
	Requests     int        `json:"requests"`
	Fetched      int        `json:"fetched"`
	Written      int        `json:"written"`
	Items        int        `json:"items"`
	ItemsWritten int        `json:"items_written"`
	FetchError   string     `json:"fetch_error,omitempty"`
	WriteError   string     `json:"write_error,omitempty"`
	Skipped      bool       `json:"skipped,omitempty"`
}

// OK reports whether the entity was fully fetched and written.
func (o Outcome) OK() bool {
	return o.Status == api.StatusComplete && o.WriteError == "" && !o.Skipped
}

// Run is the handle of one sync. Stages after the sync (reports, exports)
// take the run instead of reaching for shared state.
type Run struct {
	ID         string     `json:"id"`
	Window     api.Window `json:"-"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Outcomes   []Outcome  `json:"outcomes"`
	ArchiveURI string     `json:"archive_uri,omitempty"`

	// Transactions and Items hold the fetched transactions and their
	// flattened line items for reporting.
	Transactions []models.Record  `json:"-"`
	Items        []models.FlatRow `json:"-"`
}

// OK reports whether every entity of the run succeeded.
func (r *Run) OK() bool {
	for _, o := range r.Outcomes {
		if !o.OK() {
			return false
		}
	}
	return true
}

// Outcome returns the outcome recorded for entity.
func (r *Run) Outcome(entity string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Entity == entity {
			return o, true
		}
	}
	return Outcome{}, false
}

// RunStore keeps the most recent run handles, evicting the least recently
// used.
type RunStore struct {
	cache *lru.Cache

	mu     sync.Mutex
	latest string
}

func NewRunStore(size int) (*RunStore, error) {
	if size <= 0 {
		size = DefaultRunStoreSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &RunStore{cache: cache}, nil
}

func (s *RunStore) Put(r *Run) {
	s.cache.Add(r.ID, r)
	s.mu.Lock()
	s.latest = r.ID
	s.mu.Unlock()
}

func (s *RunStore) Get(id string) (*Run, bool) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Run), true
}

// Latest returns the most recently stored run, if it has not been evicted.
func (s *RunStore) Latest() (*Run, bool) {
	s.mu.Lock()
	id := s.latest
	s.mu.Unlock()
	if id == "" {
		return nil, false
	}
	return s.Get(id)
}

func (s *RunStore) Len() int {
	return s.cache.Len()
}
