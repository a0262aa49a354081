package zilliz

import (
	"strings"
	"testing"

	"github.com/defiguard/backend/internal/storage/models"
)

func TestFilterExpr(t *testing.T) {
	tests := []struct {
		name   string
		filter SearchFilter
		want   string
	}{
		{"empty", SearchFilter{}, ""},
		{"risk", SearchFilter{RiskLevel: "high"}, `risk_level == "high"`},
		{"all", SearchFilter{RiskLevel: "critical", Protocol: "Curve", ExcludeID: "abc"},
			`risk_level == "critical" && protocol == "Curve" && threat_id != "abc"`},
		{"quoted", SearchFilter{Protocol: `Bad"Name`}, `protocol == "Bad\"Name"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FilterExpr(tt.filter); got != tt.want {
				t.Errorf("FilterExpr = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEmbedText(t *testing.T) {
	r := models.ThreatRecord{Candidate: models.Candidate{
		Title:       "Curve pools drained",
		Description: strings.Repeat("x", 800),
	}}
	got := EmbedText(r)
	if !strings.HasPrefix(got, "Curve pools drained\n") {
		t.Errorf("EmbedText = %q", got[:40])
	}
	if n := len([]rune(got)); n != len("Curve pools drained\n")+500 {
		t.Errorf("len = %d, want description truncated to 500", n)
	}

	r.AdditionalData = map[string]any{"summary": "Vyper reentrancy bug."}
	if got := EmbedText(r); got != "Curve pools drained\nVyper reentrancy bug." {
		t.Errorf("EmbedText with summary = %q", got)
	}
}
