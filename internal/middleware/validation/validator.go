package validation

import (
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/severity"
	"github.com/defiguard/backend/internal/storage/models"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(\bunion\b\s+\bselect\b|;\s*(drop|delete|insert|update|alter)\b|--|/\*|\bexec\b\s*\()`)
	xssPattern          = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)
)

var riskLevels = []any{"low", "medium", "high", "critical"}

type Config struct {
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects unsupported request bodies and suspicious free-text
// query parameters before they reach a handler.
func Middleware(cfg Config) fiber.Handler {
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && !containsAny(contentType, cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		for _, key := range []string{"search", "protocol", "source"} {
			value := c.Query(key)
			if value == "" {
				continue
			}
			if sqlInjectionPattern.MatchString(value) || xssPattern.MatchString(value) {
				cfg.Logger.Warn("Rejected suspicious query parameter",
					zap.String("ip", c.IP()),
					zap.String("param", key),
					zap.String("value", value),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid query content",
				})
			}
		}

		return c.Next()
	}
}

// ThreatQuery is the validated form of the threat listing query string.
type ThreatQuery struct {
	Protocol   string
	RiskLevel  string
	Severity   string
	Source     string
	Blockchain string
	AttackType string
	Search     string
	Tags       []string
	DaysBack   int
	MinAmount  float64
	Verified   bool
	Limit      int
	Offset     int
}

func ParseThreatQuery(c *fiber.Ctx) (ThreatQuery, error) {
	q := ThreatQuery{
		Protocol:   sanitizeString(c.Query("protocol")),
		RiskLevel:  strings.ToLower(c.Query("risk_level")),
		Severity:   strings.ToLower(c.Query("severity")),
		Source:     sanitizeString(c.Query("source")),
		Blockchain: sanitizeString(c.Query("blockchain")),
		AttackType: sanitizeString(c.Query("attack_type")),
		Search:     sanitizeString(c.Query("search")),
		DaysBack:   c.QueryInt("days_back", 0),
		MinAmount:  c.QueryFloat("min_amount", 0),
		Verified:   c.QueryBool("verified", false),
		Limit:      c.QueryInt("limit", DefaultLimit),
		Offset:     c.QueryInt("offset", 0),
	}
	if tags := c.Query("tags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				q.Tags = append(q.Tags, tag)
			}
		}
	}

	if err := q.Validate(); err != nil {
		return ThreatQuery{}, err
	}
	return q, nil
}

func (q ThreatQuery) Validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.RiskLevel, validation.In(riskLevels...)),
		validation.Field(&q.Severity, validation.In(riskLevels...)),
		validation.Field(&q.Protocol, validation.Length(0, 100)),
		validation.Field(&q.Search, validation.Length(0, 200)),
		validation.Field(&q.Tags, validation.Length(0, 10)),
		validation.Field(&q.DaysBack, validation.Min(0), validation.Max(3650)),
		validation.Field(&q.MinAmount, validation.Min(0.0)),
		validation.Field(&q.Limit, validation.Required, validation.Min(1), validation.Max(MaxLimit)),
		validation.Field(&q.Offset, validation.Min(0)),
	)
}

// Filter maps the query onto a store filter. A severity band becomes the
// minimum score of that band under cutoffs.
func (q ThreatQuery) Filter(cutoffs severity.Cutoffs) models.ThreatFilter {
	f := models.ThreatFilter{
		Protocol:   q.Protocol,
		Source:     q.Source,
		DaysBack:   q.DaysBack,
		MinAmount:  q.MinAmount,
		Blockchain: q.Blockchain,
		AttackType: q.AttackType,
		Tags:       models.CleanTags(q.Tags),
		Search:     q.Search,
		Verified:   q.Verified,
		Limit:      q.Limit,
		Offset:     q.Offset,
	}
	if q.RiskLevel != "" {
		f.RiskLevel = models.ParseRiskLevel(q.RiskLevel)
	}
	if q.Severity != "" {
		f.MinSeverity = cutoffs.MinScore(models.ParseRiskLevel(q.Severity))
	}
	return f
}

type ScrapeRequest struct {
	Sources []string `json:"sources"`
	Wait    bool     `json:"wait"`
}

// ParseScrapeRequest reads an optional JSON body and checks every requested
// source against the known names.
func ParseScrapeRequest(c *fiber.Ctx, known []string) (ScrapeRequest, error) {
	var req ScrapeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return ScrapeRequest{}, err
		}
	}
	if c.QueryBool("wait", false) {
		req.Wait = true
	}

	allowed := make([]any, len(known))
	for i, name := range known {
		allowed[i] = name
	}

	err := validation.ValidateStruct(&req,
		validation.Field(&req.Sources, validation.Each(validation.Required, validation.In(allowed...))),
	)
	return req, err
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	return strings.ReplaceAll(input, "\x00", "")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
