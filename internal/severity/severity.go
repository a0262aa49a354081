// Package severity maps a risk level and loss to a 0-10 score.
package severity

import (
	"fmt"
	"math"

	"github.com/defiguard/backend/internal/storage/models"
)

const MaxScore = 10.0

// Profile is one publisher's scoring scale.
type Profile struct {
	Name      string
	Base      map[models.RiskLevel]float64
	Default   float64
	MajorLoss float64
	MajorBump float64
	MinorLoss float64
	MinorBump float64
}

// IncidentProfile scores incident post-mortems.
var IncidentProfile = Profile{
	Name: "incident",
	Base: map[models.RiskLevel]float64{
		models.RiskLow:      2.0,
		models.RiskMedium:   5.0,
		models.RiskHigh:     7.5,
		models.RiskCritical: 9.0,
	},
	Default:   1.0,
	MajorLoss: 100_000_000,
	MajorBump: 1.0,
	MinorLoss: 10_000_000,
	MinorBump: 0.5,
}

// AnalyticalProfile scores research and trend publications, which start from
// lower baselines.
var AnalyticalProfile = Profile{
	Name: "analytical",
	Base: map[models.RiskLevel]float64{
		models.RiskLow:      3.0,
		models.RiskMedium:   5.0,
		models.RiskHigh:     7.0,
		models.RiskCritical: 8.5,
	},
	Default:   2.0,
	MajorLoss: 50_000_000,
	MajorBump: 1.0,
	MinorLoss: 5_000_000,
	MinorBump: 0.5,
}

func ProfileByName(name string) (Profile, error) {
	switch name {
	case "", IncidentProfile.Name:
		return IncidentProfile, nil
	case AnalyticalProfile.Name:
		return AnalyticalProfile, nil
	default:
		return Profile{}, fmt.Errorf("unknown severity profile %q", name)
	}
}

func (p Profile) Score(amount *float64, level models.RiskLevel) float64 {
	score, ok := p.Base[level]
	if !ok {
		score = p.Default
	}

	if amount != nil {
		switch {
		case *amount >= p.MajorLoss:
			score += p.MajorBump
		case *amount >= p.MinorLoss:
			score += p.MinorBump
		}
	}

	return math.Max(0, math.Min(MaxScore, score))
}

// Cutoffs band numeric scores back into risk levels for filtering.
type Cutoffs struct {
	Medium   float64
	High     float64
	Critical float64
}

var DefaultCutoffs = Cutoffs{Medium: 4.0, High: 7.0, Critical: 9.0}

func (c Cutoffs) Band(score float64) models.RiskLevel {
	switch {
	case score >= c.Critical:
		return models.RiskCritical
	case score >= c.High:
		return models.RiskHigh
	case score >= c.Medium:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// MinScore is the smallest score that bands into level.
func (c Cutoffs) MinScore(level models.RiskLevel) float64 {
	switch level {
	case models.RiskCritical:
		return c.Critical
	case models.RiskHigh:
		return c.High
	case models.RiskMedium:
		return c.Medium
	default:
		return 0
	}
}
