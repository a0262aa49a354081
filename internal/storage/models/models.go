package models

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/defiguard/backend/pkg/utils"
)

// MaxAmount is the sanity ceiling for reported losses.
const MaxAmount = 1e12

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank gives the total order low < medium < high < critical. Unknown levels rank 0.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

func (r RiskLevel) Valid() bool {
	return r.Rank() > 0
}

func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "medium", "med", "moderate":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical", "severe", "urgent":
		return RiskCritical
	default:
		return RiskLow
	}
}

// Candidate is a freshly scraped record. Build it with NewCandidate; the
// pipeline passes it by value and never mutates it afterwards.
type Candidate struct {
	Title          string
	Description    string
	SourceURL      string
	SourceName     string
	PublishedDate  *time.Time
	ScrapedAt      time.Time
	ProtocolName   *string
	RiskLevel      RiskLevel
	AmountLost     *float64
	Blockchain     *string
	AttackType     *string
	Tags           []string
	SeverityScore  float64
	IsVerified     bool
	AdditionalData map[string]any
}

// ThreatRecord is the persisted, merged form of a Candidate.
type ThreatRecord struct {
	ID string
	Candidate
	CreatedAt time.Time
}

var ErrInvalidCandidate = errors.New("invalid candidate")

// NewCandidate normalizes c and enforces the record invariants.
func NewCandidate(c Candidate) (Candidate, error) {
	canonical, err := utils.CanonicalURL(c.SourceURL)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	c.SourceURL = canonical

	c.Title = strings.Join(strings.Fields(c.Title), " ")
	if c.Title == "" {
		return Candidate{}, fmt.Errorf("%w: empty title", ErrInvalidCandidate)
	}
	if c.SourceName == "" {
		return Candidate{}, fmt.Errorf("%w: empty source name", ErrInvalidCandidate)
	}
	if c.ScrapedAt.IsZero() {
		c.ScrapedAt = time.Now().UTC()
	}
	if !c.RiskLevel.Valid() {
		c.RiskLevel = RiskLow
	}

	c.SeverityScore = ClampSeverity(c.SeverityScore)
	c.AmountLost = ValidAmount(c.AmountLost)
	c.Tags = CleanTags(c.Tags)
	c.ProtocolName = nonEmpty(c.ProtocolName)
	c.Blockchain = nonEmpty(c.Blockchain)
	c.AttackType = nonEmpty(c.AttackType)

	if len(c.AdditionalData) > 0 {
		aux := make(map[string]any, len(c.AdditionalData))
		for k, v := range c.AdditionalData {
			aux[k] = v
		}
		c.AdditionalData = aux
	}

	return c, nil
}

func ClampSeverity(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(10, v))
}

// ValidAmount drops non-positive or implausibly large losses.
func ValidAmount(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || *v <= 0 || *v >= MaxAmount {
		return nil
	}
	rounded := math.Round(*v*100) / 100
	return &rounded
}

var tagStrip = regexp.MustCompile(`[^a-z0-9_]`)

func CleanTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(tag)), " ", "_")
		t = tagStrip.ReplaceAllString(t, "")
		if len(t) <= 1 {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// ThreatFilter selects records for corpus queries. Zero values mean "any".
type ThreatFilter struct {
	Protocol    string
	RiskLevel   RiskLevel
	Source      string
	DaysBack    int
	MinAmount   float64
	MinSeverity float64
	Blockchain  string
	AttackType  string
	Tags        []string
	Search      string
	Verified    bool
	Limit       int
	Offset      int
}

// ProtocolSummary aggregates incidents per protocol.
type ProtocolSummary struct {
	Name          string
	IncidentCount int
	TotalLost     float64
	MaxSeverity   float64
	LastSeen      time.Time
}

// Statistics summarizes the corpus.
type Statistics struct {
	TotalThreats    int
	TotalLost       float64
	ByRiskLevel     map[RiskLevel]int
	BySource        map[string]int
	TopAttackTypes  map[string]int
	RecentThreats   int
	AverageSeverity float64
}

// ScrapeRun records the outcome of one ingestion run for one source.
type ScrapeRun struct {
	RunID        string
	Source       string
	Status       string
	ItemsScraped int
	Accepted     int
	Updated      int
	Errors       []string
	StartedAt    time.Time
	Duration     time.Duration
}
