// Package etl drives a sync: every requested entity is fetched from Poster,
// optionally flattened, and written to the sink, one entity at a time.
package etl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/posterflow/internal/api"
	"github.com/tejusbharadwaj/posterflow/internal/database"
	"github.com/tejusbharadwaj/posterflow/internal/flatten"
	"github.com/tejusbharadwaj/posterflow/internal/models"
)

var ErrUnknownEntity = errors.New("unknown entity")

// Fetcher walks one endpoint. *api.Fetcher implements it.
type Fetcher interface {
	FetchAll(ctx context.Context, ep api.Endpoint, base url.Values) *api.Result
}

// Archiver stores the flattened items of a run elsewhere and returns where.
type Archiver interface {
	ArchiveItems(ctx context.Context, runID string, window api.Window, rows []models.FlatRow) (string, error)
}

type Syncer struct {
	// mu serializes runs from the scheduler and the API surfaces.
	mu       sync.Mutex
	fetcher  Fetcher
	registry api.Registry
	sink     database.Sink
	plan     []EntitySpec
	store    *RunStore
	archiver Archiver
	observe  []RunObserver
	logger   *logrus.Logger
	now      func() time.Time
}

type SyncerOption func(*Syncer)

// WithPlan replaces DefaultPlan.
func WithPlan(plan []EntitySpec) SyncerOption {
	return func(s *Syncer) { s.plan = plan }
}

// WithRunStore records every finished run in store.
func WithRunStore(store *RunStore) SyncerOption {
	return func(s *Syncer) { s.store = store }
}

// WithArchiver uploads each run's transaction items after the sync.
func WithArchiver(a Archiver) SyncerOption {
	return func(s *Syncer) { s.archiver = a }
}

// WithObserver notifies o of every finished run.
func WithObserver(o RunObserver) SyncerOption {
	return func(s *Syncer) { s.observe = append(s.observe, o) }
}

func NewSyncer(fetcher Fetcher, registry api.Registry, sink database.Sink, logger *logrus.Logger, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		fetcher:  fetcher,
		registry: registry,
		sink:     sink,
		plan:     DefaultPlan(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddObserver registers o after construction. It waits for a running sync.
func (s *Syncer) AddObserver(o RunObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observe = append(s.observe, o)
}

// Entities returns the entity names of the plan in sync order.
func (s *Syncer) Entities() []string {
	names := make([]string, len(s.plan))
	for i, e := range s.plan {
		names[i] = e.Name
	}
	return names
}

// Run syncs entities (all of the plan when empty) for window. Entities are
// drained strictly one after another. A failed entity is recorded in its
// Outcome and the run moves on; earlier writes are never rolled back.
//
// The only error returned is ErrUnknownEntity, before anything is fetched.
func (s *Syncer) Run(ctx context.Context, window api.Window, entities []string) (*Run, error) {
	specs, err := s.selectSpecs(entities)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run := &Run{
		ID:        uuid.New().String(),
		Window:    window,
		StartedAt: s.now(),
	}
	if !window.IsZero() {
		run.From = window.From.Format("2006-01-02")
		run.To = window.To.Format("2006-01-02")
	}
	log := s.logger.WithFields(logrus.Fields{"run": run.ID, "window": window.String()})
	log.Info("Sync started")

	for _, spec := range specs {
		if ctx.Err() != nil {
			run.Outcomes = append(run.Outcomes, Outcome{
				Entity:     spec.Name,
				Status:     api.StatusFailed,
				FetchError: ctx.Err().Error(),
				Skipped:    true,
			})
			continue
		}
		run.Outcomes = append(run.Outcomes, s.syncEntity(ctx, run, spec, log))
	}

	s.archive(ctx, run, log)

	run.FinishedAt = s.now()
	if s.store != nil {
		s.store.Put(run)
	}
	for _, o := range s.observe {
		o.ObserveRun(ctx, run)
	}

	log.WithFields(logrus.Fields{
		"ok":       run.OK(),
		"duration": run.FinishedAt.Sub(run.StartedAt).String(),
	}).Info("Sync finished")
	return run, nil
}

// Bootstrap syncs everything from lookback days ago up to today.
func (s *Syncer) Bootstrap(ctx context.Context, lookback int) (*Run, error) {
	return s.Run(ctx, LastDays(s.now(), lookback), nil)
}

// LastDays returns the window of the n calendar days ending on now's day.
func LastDays(now time.Time, n int) api.Window {
	if n < 1 {
		n = 1
	}
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return api.Window{From: to.AddDate(0, 0, -(n - 1)), To: to}
}

func (s *Syncer) selectSpecs(entities []string) ([]EntitySpec, error) {
	if len(entities) == 0 {
		return s.plan, nil
	}

	byName := make(map[string]EntitySpec, len(s.plan))
	for _, e := range s.plan {
		byName[e.Name] = e
	}

	// Keep plan order regardless of request order.
	want := make(map[string]bool, len(entities))
	for _, name := range entities {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
		}
		if _, ok := s.registry.Lookup(name); !ok {
			return nil, fmt.Errorf("%w: %s has no endpoint", ErrUnknownEntity, name)
		}
		want[name] = true
	}

	var specs []EntitySpec
	for _, e := range s.plan {
		if want[e.Name] {
			specs = append(specs, e)
		}
	}
	return specs, nil
}

func (s *Syncer) syncEntity(ctx context.Context, run *Run, spec EntitySpec, log *logrus.Entry) Outcome {
	out := Outcome{Entity: spec.Name}
	log = log.WithField("entity", spec.Name)

	ep, ok := s.registry.Lookup(spec.Name)
	if !ok {
		out.Status = api.StatusFailed
		out.FetchError = fmt.Sprintf("no endpoint registered for %s", spec.Name)
		log.Error(out.FetchError)
		return out
	}

	res := s.fetcher.FetchAll(ctx, ep, ep.Query(run.Window))
	out.Status = res.Status
	out.Requests = res.Requests
	out.Fetched = len(res.Records)
	if res.Err != nil {
		out.FetchError = res.Err.Error()
	}

	if spec.Name == EntityTransactions {
		run.Transactions = res.Records
	}

	if len(res.Records) == 0 {
		log.WithField("status", res.Status).Info("No records to write")
		return out
	}

	// A partial fetch must not replace a complete reference table.
	if spec.Mode == Overwrite && !res.Complete() {
		out.Skipped = true
		log.WithField("status", res.Status).Warn("Partial fetch, keeping stored table")
		return out
	}

	written, err := s.write(ctx, spec.Table, spec.Mode, database.TableFrom(res.Records, spec.IDField), spec.IDField)
	out.Written = written
	if err != nil {
		out.WriteError = err.Error()
		log.WithError(err).Error("Failed to write records")
		return out
	}

	if spec.Items != nil {
		rows := flatten.Flatten(res.Records, spec.Items.Flatten)
		out.Items = len(rows)
		if spec.Name == EntityTransactions {
			run.Items = rows
		}

		idField := spec.Items.Flatten.RowIDField
		lead := append([]string{idField}, spec.Items.Flatten.CarryFields...)
		written, err := s.write(ctx, spec.Items.Table, AppendDedup, database.TableFrom(rows, lead...), idField)
		out.ItemsWritten = written
		if err != nil {
			out.WriteError = err.Error()
			log.WithError(err).Error("Failed to write items")
			return out
		}
	}

	log.WithFields(logrus.Fields{
		"status":  out.Status,
		"fetched": out.Fetched,
		"written": out.Written,
		"items":   out.ItemsWritten,
	}).Info("Entity synced")
	return out
}

func (s *Syncer) write(ctx context.Context, table string, mode WriteMode, t models.Table, idField string) (int, error) {
	if t.Len() == 0 {
		return 0, nil
	}
	if mode == Overwrite {
		if err := s.sink.Overwrite(ctx, table, t); err != nil {
			return 0, err
		}
		return t.Len(), nil
	}
	return s.sink.AppendDedup(ctx, table, t, idField)
}

func (s *Syncer) archive(ctx context.Context, run *Run, log *logrus.Entry) {
	if s.archiver == nil || len(run.Items) == 0 {
		return
	}
	uri, err := s.archiver.ArchiveItems(ctx, run.ID, run.Window, run.Items)
	if err != nil {
		log.WithError(err).Warn("Failed to archive items")
		return
	}
	run.ArchiveURI = uri
	log.WithField("uri", uri).Info("Items archived")
}
