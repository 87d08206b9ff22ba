package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/posterflow/internal/api"
	"github.com/tejusbharadwaj/posterflow/internal/etl"
)

const (
	DefaultSpec    = "*/15 * * * *"
	DefaultTimeout = 10 * time.Minute
)

// Syncer runs one sync. *etl.Syncer implements it.
type Syncer interface {
	Run(ctx context.Context, window api.Window, entities []string) (*etl.Run, error)
}

type Options struct {
	// Spec is a standard five-field cron expression.
	Spec         string
	LookbackDays int
	Entities     []string
	Timeout      time.Duration
}

type Scheduler struct {
	ctx    context.Context
	syncer Syncer
	opts   Options
	logger *logrus.Logger
	cron   *cron.Cron
	now    func() time.Time
}

func NewScheduler(ctx context.Context, syncer Syncer, opts Options, logger *logrus.Logger) *Scheduler {
	if opts.Spec == "" {
		opts.Spec = DefaultSpec
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	// A sync still running when the next tick fires is not started twice.
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(logger)),
		cron.SkipIfStillRunning(cron.PrintfLogger(logger)),
	))

	return &Scheduler{
		ctx:    ctx,
		syncer: syncer,
		opts:   opts,
		logger: logger,
		cron:   c,
		now:    time.Now,
	}
}

// Start the scheduler
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.opts.Spec, s.collectData)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.WithField("spec", s.opts.Spec).Info("Scheduler started")
	return nil
}

// RunNow performs one sync of the configured lookback window.
func (s *Scheduler) RunNow() (*etl.Run, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
	defer cancel()

	window := etl.LastDays(s.now(), s.opts.LookbackDays)
	return s.syncer.Run(ctx, window, s.opts.Entities)
}

// collectData syncs the lookback window into the sink
func (s *Scheduler) collectData() {
	run, err := s.RunNow()
	if err != nil {
		s.logger.WithError(err).Error("Scheduled sync failed")
		return
	}
	if !run.OK() {
		s.logger.WithField("run", run.ID).Warn("Scheduled sync finished with partial results")
	}
}

// Stop the scheduler and wait for a running sync to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
