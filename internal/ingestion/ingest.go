package ingestion

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/metrics"
	"github.com/defiguard/backend/internal/storage/models"
	"github.com/defiguard/backend/pkg/utils"
)

// Store is the corpus persistence the manager writes through.
type Store interface {
	Lookup(ctx context.Context, ids []string) (map[string]models.ThreatRecord, error)
	// ApplyBatch writes all records atomically and must re-check the
	// scrape-timestamp gate itself so concurrent batches resolve by timestamp.
	// It returns the ids the gate rejected.
	ApplyBatch(ctx context.Context, records []models.ThreatRecord) ([]string, error)
	RecordRun(ctx context.Context, run models.ScrapeRun) error
}

// IngestResult counts what one batch did to the corpus.
type IngestResult struct {
	Accepted  int      `json:"accepted"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Errors    []string `json:"errors,omitempty"`
}

// IngestError is a persistence failure for one source's batch. Nothing from
// the batch was applied.
type IngestError struct {
	Source string
	Err    error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.Source, e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// Ingest merges one adapter's candidates into the corpus in a single
// transaction.
func (m *Manager) Ingest(ctx context.Context, candidates []models.Candidate, source string) (IngestResult, error) {
	var result IngestResult
	if len(candidates) == 0 {
		return result, nil
	}

	batch, order, skipped := dedupe(candidates)
	result.Errors = append(result.Errors, skipped...)

	existing, err := m.store.Lookup(ctx, order)
	if err != nil {
		return m.failed(source, "lookup", err)
	}

	writes := make([]models.ThreatRecord, 0, len(order))
	inserted := make(map[string]bool)
	var accepted, updated, unchanged int
	for _, id := range order {
		cand := batch[id]

		stored, ok := existing[id]
		if !ok {
			writes = append(writes, models.ThreatRecord{
				ID:        id,
				Candidate: cand,
				CreatedAt: m.now(),
			})
			inserted[id] = true
			accepted++
			continue
		}

		merged, changed := Merge(stored, cand)
		if !changed {
			unchanged++
			continue
		}
		writes = append(writes, merged)
		updated++
	}

	gated, err := m.store.ApplyBatch(ctx, writes)
	if err != nil {
		return m.failed(source, "apply", err)
	}

	// A concurrent batch committed a newer scrape between Lookup and the
	// write. The store kept its row, so these count as unchanged.
	if len(gated) > 0 {
		skip := make(map[string]bool, len(gated))
		for _, id := range gated {
			skip[id] = true
			if inserted[id] {
				accepted--
			} else {
				updated--
			}
			unchanged++
		}
		writes = slices.DeleteFunc(writes, func(r models.ThreatRecord) bool { return skip[r.ID] })
	}

	result.Accepted, result.Updated, result.Unchanged = accepted, updated, unchanged
	metrics.RecordsIngested.WithLabelValues(source, "accepted").Add(float64(accepted))
	metrics.RecordsIngested.WithLabelValues(source, "updated").Add(float64(updated))
	metrics.RecordsIngested.WithLabelValues(source, "unchanged").Add(float64(unchanged))

	m.log.Info("Batch ingested",
		zap.String("source", source),
		zap.Int("accepted", accepted),
		zap.Int("updated", updated),
		zap.Int("unchanged", unchanged),
	)

	if len(writes) > 0 {
		m.project(ctx, writes)
	}

	return result, nil
}

func (m *Manager) failed(source, stage string, err error) (IngestResult, error) {
	metrics.IngestionErrors.WithLabelValues(source, stage).Inc()
	m.log.Error("Batch rolled back", zap.String("source", source), zap.String("stage", stage), zap.Error(err))

	ierr := &IngestError{Source: source, Err: err}
	return IngestResult{Errors: []string{ierr.Error()}}, ierr
}

// project hands committed records to every projector. Projections are
// derived views, so failures are only logged.
func (m *Manager) project(ctx context.Context, records []models.ThreatRecord) {
	for _, p := range m.projectors {
		if err := p.Project(ctx, records); err != nil {
			metrics.ProjectionFailures.WithLabelValues(p.Name()).Inc()
			m.log.Warn("Projection failed",
				zap.String("projector", p.Name()),
				zap.Int("records", len(records)),
				zap.Error(err),
			)
		}
	}
}

// dedupe keys candidates by stable id. Within a batch the later scrape wins;
// ties keep the first seen.
func dedupe(candidates []models.Candidate) (map[string]models.Candidate, []string, []string) {
	batch := make(map[string]models.Candidate, len(candidates))
	order := make([]string, 0, len(candidates))
	var skipped []string

	for _, c := range candidates {
		id, err := utils.RecordID(c.SourceURL)
		if err != nil {
			skipped = append(skipped, err.Error())
			continue
		}
		prev, seen := batch[id]
		if !seen {
			order = append(order, id)
			batch[id] = c
			continue
		}
		if c.ScrapedAt.After(prev.ScrapedAt) {
			batch[id] = c
		}
	}

	return batch, order, skipped
}

// Merge applies a candidate onto a stored record. It changes nothing unless
// the candidate was scraped strictly later; then every non-empty candidate
// field overwrites and the scrape timestamp advances.
func Merge(existing models.ThreatRecord, cand models.Candidate) (models.ThreatRecord, bool) {
	if !cand.ScrapedAt.After(existing.ScrapedAt) {
		return existing, false
	}

	m := existing
	m.Tags = slices.Clone(existing.Tags)
	m.AdditionalData = maps.Clone(existing.AdditionalData)

	if cand.Title != "" {
		m.Title = cand.Title
	}
	if cand.Description != "" {
		m.Description = cand.Description
	}
	if cand.SourceName != "" {
		m.SourceName = cand.SourceName
	}
	if cand.PublishedDate != nil {
		m.PublishedDate = cand.PublishedDate
	}
	if cand.ProtocolName != nil {
		m.ProtocolName = cand.ProtocolName
	}
	if cand.RiskLevel.Valid() {
		m.RiskLevel = cand.RiskLevel
	}
	if cand.AmountLost != nil {
		m.AmountLost = cand.AmountLost
	}
	if cand.Blockchain != nil {
		m.Blockchain = cand.Blockchain
	}
	if cand.AttackType != nil {
		m.AttackType = cand.AttackType
	}
	if len(cand.Tags) > 0 {
		m.Tags = slices.Clone(cand.Tags)
	}
	if len(cand.AdditionalData) > 0 {
		m.AdditionalData = maps.Clone(cand.AdditionalData)
	}
	m.SeverityScore = cand.SeverityScore
	m.IsVerified = cand.IsVerified
	m.ScrapedAt = cand.ScrapedAt

	return m, true
}
