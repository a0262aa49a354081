package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	graph "github.com/defiguard/backend/internal/kg/neo4j"
	"github.com/defiguard/backend/internal/middleware/validation"
	"github.com/defiguard/backend/internal/severity"
	"github.com/defiguard/backend/internal/storage/models"
	"github.com/defiguard/backend/internal/storage/sqlite"
	"github.com/defiguard/backend/internal/vector/zilliz"
	"github.com/defiguard/backend/pkg/logger"
)

type ThreatStore interface {
	QueryThreats(ctx context.Context, f models.ThreatFilter) ([]models.ThreatRecord, error)
	CountThreats(ctx context.Context, f models.ThreatFilter) (int, error)
	GetThreat(ctx context.Context, id string) (*models.ThreatRecord, error)
	ListProtocols(ctx context.Context) ([]models.ProtocolSummary, error)
	Statistics(ctx context.Context, recentDays int) (*models.Statistics, error)
}

type SimilarIndex interface {
	SimilarTo(ctx context.Context, record models.ThreatRecord, topK int) ([]zilliz.SimilarIncident, error)
}

type IncidentGraph interface {
	IncidentsForProtocol(ctx context.Context, name string, limit int) ([]graph.GraphIncident, error)
}

// ThreatHandler serves read access to the corpus. The similarity index and
// the graph are optional; their endpoints answer 503 when unset.
type ThreatHandler struct {
	store   ThreatStore
	similar SimilarIndex
	graph   IncidentGraph
	cutoffs severity.Cutoffs
}

func NewThreatHandler(store ThreatStore, similar SimilarIndex, graph IncidentGraph, cutoffs severity.Cutoffs) *ThreatHandler {
	return &ThreatHandler{
		store:   store,
		similar: similar,
		graph:   graph,
		cutoffs: cutoffs,
	}
}

func (h *ThreatHandler) ListThreats(c *fiber.Ctx) error {
	q, err := validation.ParseThreatQuery(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	filter := q.Filter(h.cutoffs)

	ctx := c.UserContext()
	records, err := h.store.QueryThreats(ctx, filter)
	if err != nil {
		logger.Error("Failed to query threats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to query threats",
		})
	}

	total, err := h.store.CountThreats(ctx, filter)
	if err != nil {
		logger.Error("Failed to count threats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to query threats",
		})
	}

	threats := make([]ThreatResponse, 0, len(records))
	for _, r := range records {
		threats = append(threats, NewThreatResponse(r))
	}

	return c.JSON(fiber.Map{
		"threats": threats,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func (h *ThreatHandler) GetThreat(c *fiber.Ctx) error {
	record, ok, err := h.lookup(c)
	if !ok {
		return err
	}
	return c.JSON(NewThreatResponse(*record))
}

func (h *ThreatHandler) SimilarThreats(c *fiber.Ctx) error {
	if h.similar == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Similarity index is not configured",
		})
	}

	record, ok, err := h.lookup(c)
	if !ok {
		return err
	}

	topK := c.QueryInt("k", 5)
	if topK < 1 || topK > 50 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "k must be between 1 and 50",
		})
	}

	similar, err := h.similar.SimilarTo(c.UserContext(), *record, topK)
	if err != nil {
		logger.Error("Similarity search failed", zap.String("threat_id", record.ID), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Similarity search failed",
		})
	}
	if similar == nil {
		similar = []zilliz.SimilarIncident{}
	}

	return c.JSON(fiber.Map{
		"threat_id": record.ID,
		"similar":   similar,
	})
}

func (h *ThreatHandler) ListProtocols(c *fiber.Ctx) error {
	summaries, err := h.store.ListProtocols(c.UserContext())
	if err != nil {
		logger.Error("Failed to list protocols", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list protocols",
		})
	}

	protocols := make([]ProtocolResponse, 0, len(summaries))
	for _, s := range summaries {
		protocols = append(protocols, ProtocolResponse(s))
	}

	return c.JSON(fiber.Map{
		"protocols": protocols,
	})
}

func (h *ThreatHandler) ProtocolGraph(c *fiber.Ctx) error {
	if h.graph == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Incident graph is not configured",
		})
	}

	name := c.Params("name")
	limit := c.QueryInt("limit", 25)
	if limit < 1 || limit > validation.MaxLimit {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid limit",
		})
	}

	incidents, err := h.graph.IncidentsForProtocol(c.UserContext(), name, limit)
	if err != nil {
		logger.Error("Graph query failed", zap.String("protocol", name), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Graph query failed",
		})
	}
	if incidents == nil {
		incidents = []graph.GraphIncident{}
	}

	return c.JSON(fiber.Map{
		"protocol":  name,
		"incidents": incidents,
	})
}

func (h *ThreatHandler) Statistics(c *fiber.Ctx) error {
	days := c.QueryInt("days", 30)
	if days < 1 || days > 3650 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "days must be between 1 and 3650",
		})
	}

	stats, err := h.store.Statistics(c.UserContext(), days)
	if err != nil {
		logger.Error("Failed to compute statistics", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute statistics",
		})
	}

	return c.JSON(newStatisticsResponse(stats, days))
}

// lookup loads the :id record. When ok is false the response has already
// been written and err is what the handler should return.
func (h *ThreatHandler) lookup(c *fiber.Ctx) (*models.ThreatRecord, bool, error) {
	id := c.Params("id")
	record, err := h.store.GetThreat(c.UserContext(), id)
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		return nil, false, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Threat not found",
		})
	case err != nil:
		logger.Error("Failed to get threat", zap.String("threat_id", id), zap.Error(err))
		return nil, false, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get threat",
		})
	}
	return record, true, nil
}
