// Package ingestion runs source adapters and merges their candidates into the
// corpus.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/defiguard/backend/internal/metrics"
	"github.com/defiguard/backend/internal/sources"
	"github.com/defiguard/backend/internal/storage/models"
	"github.com/defiguard/backend/pkg/logger"
)

const (
	StatusSuccess = "success"
	// StatusPartial means the scrape was cut short but the records it produced
	// were ingested.
	StatusPartial = "partial"
	StatusError   = "error"
)

const defaultConcurrency = 4

type SourceResult struct {
	Source       string        `json:"source"`
	Status       string        `json:"status"`
	ItemsScraped int           `json:"items_scraped"`
	Accepted     int           `json:"accepted"`
	Updated      int           `json:"updated"`
	Unchanged    int           `json:"unchanged"`
	Errors       []string      `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration"`
}

type RunReport struct {
	RunID     string         `json:"run_id"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Sources   []SourceResult `json:"sources"`
}

// Totals sums accepted and updated records across sources.
func (r RunReport) Totals() (accepted, updated int) {
	for _, s := range r.Sources {
		accepted += s.Accepted
		updated += s.Updated
	}
	return accepted, updated
}

func (r RunReport) Failed() bool {
	for _, s := range r.Sources {
		if s.Status == StatusError {
			return true
		}
	}
	return false
}

type Manager struct {
	store       Store
	adapters    []sources.Adapter
	byName      map[string]sources.Adapter
	projectors  []Projector
	notifier    Notifier
	concurrency int
	now         func() time.Time
	log         *zap.Logger
}

type Option func(*Manager)

func WithProjectors(p ...Projector) Option {
	return func(m *Manager) { m.projectors = append(m.projectors, p...) }
}

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithConcurrency caps how many adapters run at once.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager wires a manager over adapters, kept in the order given.
func NewManager(store Store, adapters []sources.Adapter, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		adapters:    adapters,
		byName:      make(map[string]sources.Adapter, len(adapters)),
		concurrency: defaultConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
		log:         logger.Named("ingestion"),
	}
	for _, a := range adapters {
		m.byName[a.Name()] = a
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sources lists the registered adapter names in priority order.
func (m *Manager) Sources() []string {
	return adapterNames(m.adapters)
}

// Run scrapes and ingests the named sources, or all of them when names is
// empty. Sources run concurrently and fail independently; Run itself never
// fails, the report lists each source's outcome.
func (m *Manager) Run(ctx context.Context, names ...string) RunReport {
	report := RunReport{
		RunID:     uuid.NewString(),
		StartedAt: m.now(),
	}

	selected := m.adapters
	var unknown []string
	if len(names) > 0 {
		selected = nil
		for _, name := range names {
			if a, ok := m.byName[name]; ok {
				selected = append(selected, a)
			} else {
				unknown = append(unknown, name)
			}
		}
	}

	runLog := m.log.With(zap.String("run_id", report.RunID))
	runLog.Info("Ingestion run started", zap.Int("sources", len(selected)))
	m.notify(Event{Type: EventRunStarted, RunID: report.RunID, Sources: adapterNames(selected)})

	results := make([]SourceResult, len(selected))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, a := range selected {
		i, a := i, a
		g.Go(func() error {
			results[i] = m.runSource(ctx, report.RunID, a)
			return nil
		})
	}
	_ = g.Wait()

	for _, name := range unknown {
		results = append(results, SourceResult{
			Source: name,
			Status: StatusError,
			Errors: []string{fmt.Sprintf("unknown source %q", name)},
		})
	}

	report.Sources = results
	report.Duration = m.now().Sub(report.StartedAt)

	for _, res := range results {
		m.recordRun(report, res)
	}

	accepted, updated := report.Totals()
	runLog.Info("Ingestion run finished",
		zap.Int("accepted", accepted),
		zap.Int("updated", updated),
		zap.Duration("duration", report.Duration),
		zap.Bool("failed", report.Failed()),
	)
	m.notify(Event{Type: EventRunFinished, RunID: report.RunID, Report: &report})

	return report
}

func (m *Manager) runSource(ctx context.Context, runID string, a sources.Adapter) (res SourceResult) {
	name := a.Name()
	start := time.Now()
	res = SourceResult{Source: name}

	defer func() {
		if r := recover(); r != nil {
			metrics.IngestionErrors.WithLabelValues(name, "panic").Inc()
			m.log.Error("Source panicked", zap.String("source", name), zap.Any("panic", r))
			res.Status = StatusError
			res.Errors = append(res.Errors, fmt.Sprintf("panic: %v", r))
		}
		res.Duration = time.Since(start)
		metrics.ScrapeDuration.WithLabelValues(name).Observe(res.Duration.Seconds())
		done := res
		m.notify(Event{Type: EventSourceFinished, RunID: runID, Result: &done})
	}()

	candidates, err := a.Scrape(ctx)
	res.ItemsScraped = len(candidates)
	res.Status = StatusSuccess

	ingestCtx := ctx
	if err != nil {
		metrics.IngestionErrors.WithLabelValues(name, "scrape").Inc()
		res.Errors = append(res.Errors, err.Error())

		if len(candidates) == 0 || !errors.Is(err, ctx.Err()) {
			m.log.Error("Scrape failed", zap.String("source", name), zap.Error(err))
			res.Status = StatusError
			return res
		}

		// The records finished before cancellation are complete; keep them.
		m.log.Warn("Scrape interrupted, ingesting partial results",
			zap.String("source", name),
			zap.Int("candidates", len(candidates)),
			zap.Error(err),
		)
		res.Status = StatusPartial
		ingestCtx = context.WithoutCancel(ctx)
	}

	ir, err := m.Ingest(ingestCtx, candidates, name)
	res.Accepted, res.Updated, res.Unchanged = ir.Accepted, ir.Updated, ir.Unchanged
	res.Errors = append(res.Errors, ir.Errors...)
	if err != nil {
		res.Status = StatusError
	}

	return res
}

func (m *Manager) recordRun(report RunReport, res SourceResult) {
	run := models.ScrapeRun{
		RunID:        report.RunID,
		Source:       res.Source,
		Status:       res.Status,
		ItemsScraped: res.ItemsScraped,
		Accepted:     res.Accepted,
		Updated:      res.Updated,
		Errors:       res.Errors,
		StartedAt:    report.StartedAt,
		Duration:     res.Duration,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.store.RecordRun(ctx, run); err != nil {
		m.log.Warn("Failed to record run", zap.String("source", res.Source), zap.Error(err))
	}
}

func (m *Manager) notify(e Event) {
	if m.notifier == nil {
		return
	}
	e.Timestamp = m.now()
	m.notifier.Notify(e)
}

func adapterNames(adapters []sources.Adapter) []string {
	names := make([]string, len(adapters))
	for i, a := range adapters {
		names[i] = a.Name()
	}
	return names
}
