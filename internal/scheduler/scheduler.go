// Package scheduler drives periodic and manual ingestion from a single loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/ingestion"
	"github.com/defiguard/backend/internal/metrics"
	"github.com/defiguard/backend/internal/storage/models"
	"github.com/defiguard/backend/pkg/logger"
)

var (
	ErrQueueFull = errors.New("scheduler queue is full")
	ErrStopped   = errors.New("scheduler is stopped")
)

const queueSize = 8

type Runner interface {
	Run(ctx context.Context, names ...string) ingestion.RunReport
}

// Corpus is the read side used by maintenance.
type Corpus interface {
	CountThreats(ctx context.Context, f models.ThreatFilter) (int, error)
}

// RunCounter persists run counts outside the process, e.g. in Redis.
type RunCounter interface {
	IncrementMetric(ctx context.Context, name string) error
}

const (
	TriggerStartup  = "startup"
	TriggerInterval = "interval"
	TriggerManual   = "manual"
)

// Triggers lists every label a scrape can be started under.
var Triggers = []string{TriggerStartup, TriggerInterval, TriggerManual}

// RunCounterKey is the counter name a scrape increments for its trigger.
func RunCounterKey(trigger string) string {
	return "runs:" + trigger
}

type Config struct {
	Interval        time.Duration
	MaintenanceHour int
	// RunOnStart triggers a scrape as soon as the loop starts.
	RunOnStart bool
	// ManualOnly disables the interval ticker; only triggers and maintenance run.
	ManualOnly bool
}

type task struct {
	sources []string
	trigger string
	done    chan ingestion.RunReport
}

// Scheduler owns one goroutine. Periodic ticks, the daily maintenance timer and
// manual triggers all go through it, so two scrapes never overlap.
type Scheduler struct {
	runner  Runner
	corpus  Corpus
	counter RunCounter
	cfg     Config
	queue   chan task
	now     func() time.Time
	log     *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type Option func(*Scheduler)

func WithRunCounter(c RunCounter) Option {
	return func(s *Scheduler) { s.counter = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(runner Runner, corpus Corpus, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 4 * time.Hour
	}
	s := &Scheduler{
		runner: runner,
		corpus: corpus,
		cfg:    cfg,
		queue:  make(chan task, queueSize),
		now:    time.Now,
		log:    logger.Named("scheduler"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop(ctx)
		s.log.Info("Scheduler started",
			zap.Duration("interval", s.cfg.Interval),
			zap.Int("maintenance_hour", s.cfg.MaintenanceHour),
		)
	})
}

// Stop ends the loop after the task in progress, if any, finishes. Queued
// triggers are dropped.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })

	started := true
	s.startOnce.Do(func() { started = false })
	if started {
		<-s.done
	}
	s.log.Info("Scheduler stopped")
}

// Trigger queues a manual scrape of the named sources (all when empty). The
// returned channel receives the report once the run completes.
func (s *Scheduler) Trigger(sources ...string) (<-chan ingestion.RunReport, error) {
	select {
	case <-s.stop:
		return nil, ErrStopped
	default:
	}

	t := task{sources: sources, trigger: TriggerManual, done: make(chan ingestion.RunReport, 1)}
	select {
	case s.queue <- t:
		return t.done, nil
	default:
		return nil, ErrQueueFull
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	var tick <-chan time.Time
	if !s.cfg.ManualOnly {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	maintenance := time.NewTimer(untilNext(s.now(), s.cfg.MaintenanceHour))
	defer maintenance.Stop()

	if s.cfg.RunOnStart {
		s.scrape(ctx, task{trigger: TriggerStartup})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case t := <-s.queue:
			s.scrape(ctx, t)
		case <-tick:
			s.scrape(ctx, task{trigger: TriggerInterval})
		case <-maintenance.C:
			s.maintain(ctx)
			maintenance.Reset(untilNext(s.now(), s.cfg.MaintenanceHour))
		}
	}
}

func (s *Scheduler) scrape(ctx context.Context, t task) {
	s.log.Info("Scheduled scrape starting", zap.String("trigger", t.trigger), zap.Strings("sources", t.sources))

	report := s.runner.Run(ctx, t.sources...)

	accepted, updated := report.Totals()
	s.log.Info("Scheduled scrape completed",
		zap.String("trigger", t.trigger),
		zap.String("run_id", report.RunID),
		zap.Int("accepted", accepted),
		zap.Int("updated", updated),
	)

	if s.counter != nil {
		if err := s.counter.IncrementMetric(ctx, RunCounterKey(t.trigger)); err != nil {
			s.log.Debug("Failed to count run", zap.Error(err))
		}
	}

	if t.done != nil {
		t.done <- report
	}
}

func (s *Scheduler) maintain(ctx context.Context) {
	s.log.Info("Running daily maintenance")

	n, err := s.corpus.CountThreats(ctx, models.ThreatFilter{})
	if err != nil {
		s.log.Error("Maintenance failed", zap.Error(err))
		return
	}
	metrics.CorpusSize.Set(float64(n))

	s.log.Info("Daily maintenance completed", zap.Int("corpus_records", n))
}

// RunCountReader reads counters written through RunCounter.
type RunCountReader interface {
	GetMetric(ctx context.Context, name string) (int64, error)
}

// RunCounts returns the persisted run count for every trigger.
func RunCounts(ctx context.Context, r RunCountReader) (map[string]int64, error) {
	counts := make(map[string]int64, len(Triggers))
	for _, trigger := range Triggers {
		n, err := r.GetMetric(ctx, RunCounterKey(trigger))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s run count: %w", trigger, err)
		}
		counts[trigger] = n
	}
	return counts, nil
}

// untilNext returns the wait until the next occurrence of hour:00 local time.
func untilNext(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
