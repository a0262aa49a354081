package analysis

import (
	"strings"

	"github.com/defiguard/backend/internal/storage/models"
)

// Thresholds are the loss cutoffs for amount-based risk levels.
type Thresholds struct {
	Medium   float64
	High     float64
	Critical float64
}

var DefaultThresholds = Thresholds{
	Medium:   100_000,
	High:     1_000_000,
	Critical: 10_000_000,
}

var riskKeywords = []struct {
	level    models.RiskLevel
	keywords []string
}{
	{models.RiskCritical, []string{"critical", "emergency", "immediate", "urgent", "exploit"}},
	{models.RiskHigh, []string{"hack", "attack", "vulnerability", "breach", "stolen", "drained"}},
	{models.RiskMedium, []string{"warning", "risk", "issue", "concern", "potential"}},
}

// RiskLevel grades an incident. A loss at or above the medium threshold decides
// the level on its own; otherwise keyword classes are checked from most to least
// severe.
func RiskLevel(amount *float64, title, body string, t Thresholds) models.RiskLevel {
	if amount != nil {
		switch {
		case *amount >= t.Critical:
			return models.RiskCritical
		case *amount >= t.High:
			return models.RiskHigh
		case *amount >= t.Medium:
			return models.RiskMedium
		}
	}

	text := strings.ToLower(title + " " + body)
	for _, class := range riskKeywords {
		if containsAny(text, class.keywords) {
			return class.level
		}
	}

	return models.RiskLow
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
