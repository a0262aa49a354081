package ingestion

import (
	"context"
	"time"

	"github.com/defiguard/backend/internal/storage/models"
)

// Projector maintains a derived view of committed records, such as a graph or
// a similarity index.
type Projector interface {
	Name() string
	Project(ctx context.Context, records []models.ThreatRecord) error
}

const (
	EventRunStarted     = "run_started"
	EventSourceFinished = "source_finished"
	EventRunFinished    = "run_finished"
)

type Event struct {
	Type      string        `json:"type"`
	RunID     string        `json:"run_id"`
	Sources   []string      `json:"sources,omitempty"`
	Result    *SourceResult `json:"result,omitempty"`
	Report    *RunReport    `json:"report,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Notifier receives progress events. Notify must not block.
type Notifier interface {
	Notify(Event)
}
