package handlers

import (
	"time"

	"github.com/defiguard/backend/internal/storage/models"
)

type ThreatResponse struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	SourceURL      string         `json:"source_url"`
	SourceName     string         `json:"source_name"`
	PublishedDate  *time.Time     `json:"published_date,omitempty"`
	ScrapedAt      time.Time      `json:"scraped_at"`
	CreatedAt      time.Time      `json:"created_at"`
	Protocol       *string        `json:"protocol_name,omitempty"`
	RiskLevel      string         `json:"risk_level"`
	AmountLost     *float64       `json:"amount_lost,omitempty"`
	Blockchain     *string        `json:"blockchain,omitempty"`
	AttackType     *string        `json:"attack_type,omitempty"`
	Tags           []string       `json:"tags"`
	SeverityScore  float64        `json:"severity_score"`
	IsVerified     bool           `json:"is_verified"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
}

func NewThreatResponse(r models.ThreatRecord) ThreatResponse {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return ThreatResponse{
		ID:             r.ID,
		Title:          r.Title,
		Description:    r.Description,
		SourceURL:      r.SourceURL,
		SourceName:     r.SourceName,
		PublishedDate:  r.PublishedDate,
		ScrapedAt:      r.ScrapedAt,
		CreatedAt:      r.CreatedAt,
		Protocol:       r.ProtocolName,
		RiskLevel:      string(r.RiskLevel),
		AmountLost:     r.AmountLost,
		Blockchain:     r.Blockchain,
		AttackType:     r.AttackType,
		Tags:           tags,
		SeverityScore:  r.SeverityScore,
		IsVerified:     r.IsVerified,
		AdditionalData: r.AdditionalData,
	}
}

type ProtocolResponse struct {
	Name          string    `json:"name"`
	IncidentCount int       `json:"incident_count"`
	TotalLost     float64   `json:"total_lost"`
	MaxSeverity   float64   `json:"max_severity"`
	LastSeen      time.Time `json:"last_seen"`
}

type StatisticsResponse struct {
	TotalThreats    int            `json:"total_threats"`
	TotalLost       float64        `json:"total_lost"`
	ByRiskLevel     map[string]int `json:"by_risk_level"`
	BySource        map[string]int `json:"by_source"`
	TopAttackTypes  map[string]int `json:"top_attack_types"`
	RecentThreats   int            `json:"recent_threats"`
	RecentDays      int            `json:"recent_days"`
	AverageSeverity float64        `json:"average_severity"`
}

func newStatisticsResponse(s *models.Statistics, recentDays int) StatisticsResponse {
	byRisk := make(map[string]int, len(s.ByRiskLevel))
	for level, n := range s.ByRiskLevel {
		byRisk[string(level)] = n
	}
	return StatisticsResponse{
		TotalThreats:    s.TotalThreats,
		TotalLost:       s.TotalLost,
		ByRiskLevel:     byRisk,
		BySource:        s.BySource,
		TopAttackTypes:  s.TopAttackTypes,
		RecentThreats:   s.RecentThreats,
		RecentDays:      recentDays,
		AverageSeverity: s.AverageSeverity,
	}
}

type RunResponse struct {
	RunID        string    `json:"run_id"`
	Source       string    `json:"source"`
	Status       string    `json:"status"`
	ItemsScraped int       `json:"items_scraped"`
	Accepted     int       `json:"accepted"`
	Updated      int       `json:"updated"`
	Errors       []string  `json:"errors,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
}

func newRunResponse(r models.ScrapeRun) RunResponse {
	return RunResponse{
		RunID:        r.RunID,
		Source:       r.Source,
		Status:       r.Status,
		ItemsScraped: r.ItemsScraped,
		Accepted:     r.Accepted,
		Updated:      r.Updated,
		Errors:       r.Errors,
		StartedAt:    r.StartedAt,
		DurationMS:   r.Duration.Milliseconds(),
	}
}
