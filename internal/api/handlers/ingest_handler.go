package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/ingestion"
	"github.com/defiguard/backend/internal/middleware/validation"
	"github.com/defiguard/backend/internal/scheduler"
	"github.com/defiguard/backend/internal/storage/models"
	"github.com/defiguard/backend/pkg/logger"
)

type Triggerer interface {
	Trigger(sources ...string) (<-chan ingestion.RunReport, error)
}

type SourceLister interface {
	Sources() []string
}

type RunStore interface {
	RecentRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error)
}

type IngestHandler struct {
	trigger     Triggerer
	sources     SourceLister
	runs        RunStore
	waitTimeout time.Duration
}

func NewIngestHandler(trigger Triggerer, sources SourceLister, runs RunStore, waitTimeout time.Duration) *IngestHandler {
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Minute
	}
	return &IngestHandler{
		trigger:     trigger,
		sources:     sources,
		runs:        runs,
		waitTimeout: waitTimeout,
	}
}

// Scrape queues an ingestion run. With wait it blocks until the run report
// is ready or the wait timeout passes, in which case the run keeps going.
func (h *IngestHandler) Scrape(c *fiber.Ctx) error {
	req, err := validation.ParseScrapeRequest(c, h.sources.Sources())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	done, err := h.trigger.Trigger(req.Sources...)
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		c.Set(fiber.HeaderRetryAfter, "60")
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "Too many scrapes queued",
		})
	case err != nil:
		logger.Error("Failed to queue scrape", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Ingestion is not accepting work",
		})
	}

	logger.Info("Scrape queued", zap.Strings("sources", req.Sources), zap.Bool("wait", req.Wait))

	if !req.Wait {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"status":  "queued",
			"sources": req.Sources,
		})
	}

	timer := time.NewTimer(h.waitTimeout)
	defer timer.Stop()

	select {
	case report := <-done:
		accepted, updated := report.Totals()
		return c.JSON(fiber.Map{
			"status":   "completed",
			"accepted": accepted,
			"updated":  updated,
			"report":   report,
		})
	case <-timer.C:
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"status":  "running",
			"sources": req.Sources,
		})
	}
}

func (h *IngestHandler) ListSources(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"sources": h.sources.Sources(),
	})
}

func (h *IngestHandler) ListRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > validation.MaxLimit {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid limit",
		})
	}

	runs, err := h.runs.RecentRuns(c.UserContext(), limit)
	if err != nil {
		logger.Error("Failed to list runs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list runs",
		})
	}

	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, newRunResponse(r))
	}

	return c.JSON(fiber.Map{
		"runs": out,
	})
}
