package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Check probes one dependency. Required checks make the service unhealthy
// when they fail; the rest only degrade it.
type Check struct {
	Name     string
	Required bool
	Probe    func(ctx context.Context) error
}

type HealthHandler struct {
	checks  []Check
	timeout time.Duration
	now     func() time.Time
}

func NewHealthHandler(checks ...Check) *HealthHandler {
	sort.SliceStable(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return &HealthHandler{
		checks:  checks,
		timeout: 3 * time.Second,
		now:     time.Now,
	}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	status := "healthy"
	code := fiber.StatusOK
	components := make(fiber.Map, len(h.checks))

	for _, check := range h.checks {
		if err := check.Probe(ctx); err != nil {
			components[check.Name] = err.Error()
			if check.Required {
				status = "unhealthy"
				code = fiber.StatusServiceUnavailable
			} else if status == "healthy" {
				status = "degraded"
			}
			continue
		}
		components[check.Name] = "ok"
	}

	return c.Status(code).JSON(fiber.Map{
		"status":     status,
		"components": components,
		"time":       h.now().Unix(),
	})
}
