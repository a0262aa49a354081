package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/defiguard/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	c, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return c
}

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func record(id, url string, scraped time.Time) models.ThreatRecord {
	return models.ThreatRecord{
		ID: id,
		Candidate: models.Candidate{
			Title:         "Euler Finance exploited for $197M",
			Description:   "Flash loan exploit drained Euler",
			SourceURL:     url,
			SourceName:    "Rekt News",
			ScrapedAt:     scraped,
			RiskLevel:     models.RiskCritical,
			ProtocolName:  models.Ptr("Euler"),
			AmountLost:    models.Ptr(197_000_000.0),
			Tags:          []string{"exploit", "flash_loan"},
			SeverityScore: 10,
			IsVerified:    true,
			AdditionalData: map[string]any{
				"attack_vector": "flash_loan",
			},
		},
		CreatedAt: scraped,
	}
}

func TestApplyBatchRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	want := record("a1", "https://rekt.news/euler", baseTime)
	pub := time.Date(2023, 3, 13, 0, 0, 0, 0, time.UTC)
	want.PublishedDate = &pub

	if _, err := c.ApplyBatch(ctx, []models.ThreatRecord{want}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	got, err := c.GetThreat(ctx, "a1")
	if err != nil {
		t.Fatalf("GetThreat: %v", err)
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestGetThreatNotFound(t *testing.T) {
	c := newTestClient(t)
	_, err := c.GetThreat(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestApplyBatchIgnoresStaleWrites(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	fresh := record("a1", "https://rekt.news/euler", baseTime)
	if _, err := c.ApplyBatch(ctx, []models.ThreatRecord{fresh}); err != nil {
		t.Fatal(err)
	}

	stale := record("a1", "https://rekt.news/euler", baseTime.Add(-time.Hour))
	stale.Title = "stale title"
	other := record("b1", "https://rekt.news/curve", baseTime)
	gated, err := c.ApplyBatch(ctx, []models.ThreatRecord{stale, other})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a1"}, gated); diff != "" {
		t.Errorf("gated ids mismatch (-want +got):\n%s", diff)
	}

	got, err := c.GetThreat(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != fresh.Title {
		t.Errorf("Title = %q, stale write was applied", got.Title)
	}
	if !got.ScrapedAt.Equal(baseTime) {
		t.Errorf("ScrapedAt = %v, want %v", got.ScrapedAt, baseTime)
	}
}

func TestApplyBatchPreservesStoredValuesForNulls(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if _, err := c.ApplyBatch(ctx, []models.ThreatRecord{record("a1", "https://rekt.news/euler", baseTime)}); err != nil {
		t.Fatal(err)
	}

	newer := record("a1", "https://rekt.news/euler", baseTime.Add(time.Hour))
	newer.ProtocolName = nil
	newer.AmountLost = nil
	newer.Tags = nil
	newer.Blockchain = models.Ptr("Ethereum")
	if _, err := c.ApplyBatch(ctx, []models.ThreatRecord{newer}); err != nil {
		t.Fatal(err)
	}

	got, err := c.GetThreat(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ProtocolName == nil || *got.ProtocolName != "Euler" {
		t.Errorf("ProtocolName = %v, want Euler", got.ProtocolName)
	}
	if got.AmountLost == nil || *got.AmountLost != 197_000_000 {
		t.Errorf("AmountLost = %v, want 197000000", got.AmountLost)
	}
	if got.Blockchain == nil || *got.Blockchain != "Ethereum" {
		t.Errorf("Blockchain = %v, want Ethereum", got.Blockchain)
	}
	if diff := cmp.Diff([]string{"exploit", "flash_loan"}, got.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyBatchRollsBackOnFailure(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	// second record reuses the first one's URL under another id, violating UNIQUE(source_url)
	batch := []models.ThreatRecord{
		record("a1", "https://rekt.news/euler", baseTime),
		record("a2", "https://rekt.news/euler", baseTime),
	}
	if _, err := c.ApplyBatch(ctx, batch); err == nil {
		t.Fatal("expected constraint error")
	}

	n, err := c.CountThreats(ctx, models.ThreatFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0 after rollback", n)
	}
}

func TestLookup(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if _, err := c.ApplyBatch(ctx, []models.ThreatRecord{
		record("a1", "https://rekt.news/one", baseTime),
		record("a2", "https://rekt.news/two", baseTime),
	}); err != nil {
		t.Fatal(err)
	}

	found, err := c.Lookup(ctx, []string{"a1", "zz", "a2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("len(found) = %d, want 2", len(found))
	}
	if _, ok := found["zz"]; ok {
		t.Error("unexpected record for missing id")
	}
}

func TestQueryThreatsFiltersAndOrder(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	low := record("low", "https://rekt.news/low", time.Now().UTC())
	low.RiskLevel = models.RiskLow
	low.SeverityScore = 2
	low.ProtocolName = models.Ptr("Curve")
	low.Tags = []string{"oracle"}

	high := record("high", "https://rekt.news/high", time.Now().UTC())
	high.RiskLevel = models.RiskHigh
	high.SeverityScore = 7.5

	if _, err := c.ApplyBatch(ctx, []models.ThreatRecord{low, high}); err != nil {
		t.Fatal(err)
	}

	all, err := c.QueryThreats(ctx, models.ThreatFilter{})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"high", "low"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		name   string
		filter models.ThreatFilter
		want   int
	}{
		{"risk at least medium", models.ThreatFilter{RiskLevel: models.RiskMedium}, 1},
		{"protocol", models.ThreatFilter{Protocol: "curve"}, 1},
		{"tag", models.ThreatFilter{Tags: []string{"oracle"}}, 1},
		{"min amount", models.ThreatFilter{MinAmount: 1e6}, 2},
		{"search", models.ThreatFilter{Search: "flash loan"}, 2},
		{"days back", models.ThreatFilter{DaysBack: 1}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.QueryThreats(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestListProtocolsAndStatistics(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	a := record("a", "https://rekt.news/a", baseTime)
	b := record("b", "https://rekt.news/b", baseTime)
	b.AmountLost = models.Ptr(3_000_000.0)
	b.AttackType = models.Ptr("flash_loan")
	if _, err := c.ApplyBatch(ctx, []models.ThreatRecord{a, b}); err != nil {
		t.Fatal(err)
	}

	protocols, err := c.ListProtocols(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(protocols) != 1 || protocols[0].Name != "Euler" || protocols[0].IncidentCount != 2 {
		t.Fatalf("protocols = %+v", protocols)
	}
	if protocols[0].TotalLost != 200_000_000 {
		t.Errorf("TotalLost = %v", protocols[0].TotalLost)
	}

	stats, err := c.Statistics(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalThreats != 2 || stats.ByRiskLevel[models.RiskCritical] != 2 || stats.TopAttackTypes["flash_loan"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRecordRun(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	run := models.ScrapeRun{
		RunID:        "r1",
		Source:       "rekt",
		Status:       "success",
		ItemsScraped: 4,
		Accepted:     3,
		Updated:      1,
		Errors:       []string{"fetch failed"},
		StartedAt:    baseTime,
		Duration:     1500 * time.Millisecond,
	}
	if err := c.RecordRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	runs, err := c.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]models.ScrapeRun{run}, runs); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}
}
