package models

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRiskLevelOrder(t *testing.T) {
	levels := []RiskLevel{RiskCritical, RiskLow, RiskHigh, RiskMedium}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Rank() < levels[j].Rank() })

	want := []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}
	if diff := cmp.Diff(want, levels); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRiskLevel(t *testing.T) {
	tests := map[string]RiskLevel{
		"moderate": RiskMedium,
		"SEVERE":   RiskCritical,
		"high":     RiskHigh,
		"whatever": RiskLow,
		"":         RiskLow,
	}
	for in, want := range tests {
		if got := ParseRiskLevel(in); got != want {
			t.Errorf("ParseRiskLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewCandidateEnforcesInvariants(t *testing.T) {
	huge := 2e12
	c, err := NewCandidate(Candidate{
		Title:         "  Euler   Finance  exploited ",
		SourceURL:     "https://Rekt.news/euler-rekt/",
		SourceName:    "Rekt News",
		SeverityScore: 14,
		AmountLost:    &huge,
		Tags:          []string{"Flash Loan", "flash_loan", "x", "oracle!"},
		ProtocolName:  Ptr("  "),
		ScrapedAt:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("NewCandidate: %v", err)
	}

	if c.Title != "Euler Finance exploited" {
		t.Errorf("Title = %q", c.Title)
	}
	if c.SourceURL != "https://rekt.news/euler-rekt" {
		t.Errorf("SourceURL = %q", c.SourceURL)
	}
	if c.SeverityScore != 10 {
		t.Errorf("SeverityScore = %v, want 10", c.SeverityScore)
	}
	if c.AmountLost != nil {
		t.Errorf("AmountLost = %v, want nil", *c.AmountLost)
	}
	if c.ProtocolName != nil {
		t.Errorf("ProtocolName = %q, want nil", *c.ProtocolName)
	}
	if c.RiskLevel != RiskLow {
		t.Errorf("RiskLevel = %q, want low", c.RiskLevel)
	}
	if diff := cmp.Diff([]string{"flash_loan", "oracle"}, c.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestNewCandidateRejectsRelativeURL(t *testing.T) {
	_, err := NewCandidate(Candidate{Title: "t", SourceURL: "/posts/x", SourceName: "s"})
	if !errors.Is(err, ErrInvalidCandidate) {
		t.Fatalf("err = %v, want ErrInvalidCandidate", err)
	}
}

func TestValidAmount(t *testing.T) {
	if ValidAmount(Ptr(0.0)) != nil {
		t.Error("zero amount should be dropped")
	}
	if ValidAmount(Ptr(-5.0)) != nil {
		t.Error("negative amount should be dropped")
	}
	if got := ValidAmount(Ptr(1234.567)); got == nil || *got != 1234.57 {
		t.Errorf("ValidAmount rounding = %v", got)
	}
}
