package ingestion

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/defiguard/backend/internal/sources"
	"github.com/defiguard/backend/internal/storage/models"
	"github.com/defiguard/backend/internal/storage/sqlite"
	"github.com/defiguard/backend/pkg/utils"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Client {
	t.Helper()

	c, err := sqlite.NewClient(filepath.Join(t.TempDir(), "corpus.db"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return c
}

func candidate(url string, scraped time.Time) models.Candidate {
	return models.Candidate{
		Title:         "Protocol X Hacked for $5 Million",
		Description:   "A flash loan exploit drained the pools.",
		SourceURL:     url,
		SourceName:    "Rekt News",
		ScrapedAt:     scraped,
		ProtocolName:  models.Ptr("Protocol X"),
		RiskLevel:     models.RiskHigh,
		AmountLost:    models.Ptr(5_000_000.0),
		Tags:          []string{"exploit", "flash_loan"},
		SeverityScore: 7.5,
		IsVerified:    true,
	}
}

func mustID(t *testing.T, url string) string {
	t.Helper()
	id, err := utils.RecordID(url)
	if err != nil {
		t.Fatalf("RecordID: %v", err)
	}
	return id
}

func TestIngestIsIdempotent(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, nil, WithClock(func() time.Time { return t0 }))
	ctx := context.Background()
	url := "https://rekt.news/protocol-x-rekt"

	res, err := m.Ingest(ctx, []models.Candidate{candidate(url, t0)}, "rekt")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Accepted != 1 {
		t.Fatalf("first ingest = %+v, want 1 accepted", res)
	}
	before, err := store.GetThreat(ctx, mustID(t, url))
	if err != nil {
		t.Fatalf("GetThreat: %v", err)
	}

	res, err = m.Ingest(ctx, []models.Candidate{candidate(url, t0)}, "rekt")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if diff := cmp.Diff(IngestResult{Unchanged: 1}, res); diff != "" {
		t.Errorf("second ingest mismatch (-want +got):\n%s", diff)
	}

	after, err := store.GetThreat(ctx, mustID(t, url))
	if err != nil {
		t.Fatalf("GetThreat: %v", err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("record changed on re-ingest (-before +after):\n%s", diff)
	}
}

func TestIngestNewerScrapeUpdatesOnlyNewField(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, nil)
	ctx := context.Background()
	url := "https://rekt.news/protocol-x-rekt"

	first := candidate(url, t0)
	if _, err := m.Ingest(ctx, []models.Candidate{first}, "rekt"); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	later := candidate(url, t0.Add(time.Hour))
	later.Blockchain = models.Ptr("Ethereum")
	later.ProtocolName = nil
	later.AmountLost = nil

	res, err := m.Ingest(ctx, []models.Candidate{later}, "rekt")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("result = %+v, want 1 updated", res)
	}

	got, err := store.GetThreat(ctx, mustID(t, url))
	if err != nil {
		t.Fatalf("GetThreat: %v", err)
	}
	if got.Blockchain == nil || *got.Blockchain != "Ethereum" {
		t.Errorf("Blockchain = %v, want Ethereum", got.Blockchain)
	}
	if got.ProtocolName == nil || *got.ProtocolName != "Protocol X" {
		t.Errorf("ProtocolName = %v, want preserved Protocol X", got.ProtocolName)
	}
	if got.AmountLost == nil || *got.AmountLost != 5_000_000 {
		t.Errorf("AmountLost = %v, want preserved 5000000", got.AmountLost)
	}
	if !got.ScrapedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("ScrapedAt = %v, want advanced", got.ScrapedAt)
	}

	stale := candidate(url, t0.Add(-time.Hour))
	stale.Title = "Stale title that must not win"
	res, err = m.Ingest(ctx, []models.Candidate{stale}, "rekt")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Unchanged != 1 {
		t.Errorf("stale ingest = %+v, want unchanged", res)
	}
}

func TestMerge(t *testing.T) {
	existing := models.ThreatRecord{
		ID:        "id",
		Candidate: candidate("https://rekt.news/x", t0),
		CreatedAt: t0,
	}

	if got, changed := Merge(existing, candidate("https://rekt.news/x", t0)); changed {
		t.Errorf("same timestamp reported a change: %+v", got)
	}

	newer := models.Candidate{
		SourceURL:     "https://rekt.news/x",
		ScrapedAt:     t0.Add(time.Minute),
		AttackType:    models.Ptr("flash_loan"),
		SeverityScore: 8,
		RiskLevel:     models.RiskHigh,
	}
	got, changed := Merge(existing, newer)
	if !changed {
		t.Fatal("expected change for newer candidate")
	}

	want := existing
	want.AttackType = models.Ptr("flash_loan")
	want.SeverityScore = 8
	want.IsVerified = false
	want.ScrapedAt = t0.Add(time.Minute)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}
	if existing.AttackType != nil {
		t.Error("Merge mutated its input")
	}
}

func TestIngestDedupesWithinBatch(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, nil)
	ctx := context.Background()

	a := candidate("https://rekt.news/x", t0)
	b := candidate("https://rekt.news/x/", t0.Add(time.Minute))
	b.Title = "Later title"
	c := candidate("https://rekt.news/x#comments", t0.Add(time.Minute))
	c.Title = "Tie keeps first"

	res, err := m.Ingest(ctx, []models.Candidate{a, b, c}, "rekt")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Accepted != 1 {
		t.Fatalf("result = %+v, want 1 accepted", res)
	}

	got, err := store.GetThreat(ctx, mustID(t, "https://rekt.news/x"))
	if err != nil {
		t.Fatalf("GetThreat: %v", err)
	}
	if got.Title != "Later title" {
		t.Errorf("Title = %q, want Later title", got.Title)
	}
}

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]models.ThreatRecord
	runs     []models.ScrapeRun
	applyErr error
	// beforeApply runs under the lock ahead of each write, standing in for
	// another batch that committed after Lookup.
	beforeApply func(records map[string]models.ThreatRecord)
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]models.ThreatRecord)}
}

func (s *fakeStore) Lookup(ctx context.Context, ids []string) (map[string]models.ThreatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.ThreatRecord)
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (s *fakeStore) ApplyBatch(ctx context.Context, records []models.ThreatRecord) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	if s.beforeApply != nil {
		s.beforeApply(s.records)
	}
	var gated []string
	for _, r := range records {
		if prev, ok := s.records[r.ID]; ok && !r.ScrapedAt.After(prev.ScrapedAt) {
			gated = append(gated, r.ID)
			continue
		}
		s.records[r.ID] = r
	}
	return gated, nil
}

func (s *fakeStore) RecordRun(ctx context.Context, run models.ScrapeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

type recordingProjector struct {
	calls int
	err   error
}

func (p *recordingProjector) Name() string { return "recording" }

func (p *recordingProjector) Project(ctx context.Context, records []models.ThreatRecord) error {
	p.calls++
	return p.err
}

func TestIngestCountsConcurrentNewerWriteAsUnchanged(t *testing.T) {
	store := newFakeStore()
	proj := &recordingProjector{}
	m := NewManager(store, nil, WithProjectors(proj))

	racedID := mustID(t, "https://rekt.news/raced")
	store.beforeApply = func(records map[string]models.ThreatRecord) {
		records[racedID] = models.ThreatRecord{
			ID:        racedID,
			Candidate: candidate("https://rekt.news/raced", t0.Add(time.Hour)),
		}
	}

	res, err := m.Ingest(context.Background(), []models.Candidate{
		candidate("https://rekt.news/raced", t0),
		candidate("https://rekt.news/fresh", t0),
	}, "rekt")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	want := IngestResult{Accepted: 1, Unchanged: 1}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if got := store.records[racedID].ScrapedAt; !got.Equal(t0.Add(time.Hour)) {
		t.Errorf("raced record ScrapedAt = %v, newer write was overwritten", got)
	}
	if proj.calls != 1 {
		t.Errorf("projector calls = %d, want 1", proj.calls)
	}
}

func TestIngestFailureAppliesNothing(t *testing.T) {
	store := newFakeStore()
	store.applyErr = errors.New("disk full")
	proj := &recordingProjector{}
	m := NewManager(store, nil, WithProjectors(proj))

	res, err := m.Ingest(context.Background(), []models.Candidate{
		candidate("https://rekt.news/a", t0),
		candidate("https://rekt.news/b", t0),
	}, "rekt")

	var ierr *IngestError
	if !errors.As(err, &ierr) || ierr.Source != "rekt" {
		t.Fatalf("err = %v, want *IngestError for rekt", err)
	}
	if res.Accepted != 0 || res.Updated != 0 || len(res.Errors) != 1 {
		t.Errorf("result = %+v, want zero counts and one error", res)
	}
	if len(store.records) != 0 {
		t.Errorf("store has %d records, want none", len(store.records))
	}
	if proj.calls != 0 {
		t.Error("projector ran for a rolled back batch")
	}
}

func TestIngestRollsBackRealStore(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Ingest(ctx, []models.Candidate{candidate("https://rekt.news/a", t0)}, "rekt")
	if err == nil {
		t.Fatal("expected error with cancelled context")
	}

	n, err := store.CountThreats(context.Background(), models.ThreatFilter{})
	if err != nil {
		t.Fatalf("CountThreats: %v", err)
	}
	if n != 0 {
		t.Errorf("corpus has %d records, want 0", n)
	}
}

func TestProjectorFailureIsNotFatal(t *testing.T) {
	store := newFakeStore()
	proj := &recordingProjector{err: errors.New("graph down")}
	m := NewManager(store, nil, WithProjectors(proj))

	res, err := m.Ingest(context.Background(), []models.Candidate{candidate("https://rekt.news/a", t0)}, "rekt")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Accepted != 1 || proj.calls != 1 {
		t.Errorf("result = %+v, projector calls = %d", res, proj.calls)
	}
}

type stubAdapter struct {
	name     string
	cands    []models.Candidate
	err      error
	panicMsg string
	started  func()
	finished func()
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Scrape(ctx context.Context) ([]models.Candidate, error) {
	if a.started != nil {
		a.started()
	}
	if a.finished != nil {
		defer a.finished()
	}
	if a.panicMsg != "" {
		panic(a.panicMsg)
	}
	return a.cands, a.err
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func TestRunReportsPerSource(t *testing.T) {
	store := newFakeStore()
	events := &eventLog{}

	adapters := []sources.Adapter{
		&stubAdapter{name: "rekt", cands: []models.Candidate{
			candidate("https://rekt.news/a", t0),
			candidate("https://rekt.news/b", t0),
		}},
		&stubAdapter{name: "broken", err: errors.New("listing unavailable")},
		&stubAdapter{name: "panicky", panicMsg: "nil selector"},
	}
	m := NewManager(store, adapters, WithNotifier(events))

	report := m.Run(context.Background(), "rekt", "broken", "panicky", "missing")

	byName := make(map[string]SourceResult)
	for _, r := range report.Sources {
		byName[r.Source] = r
	}

	if r := byName["rekt"]; r.Status != StatusSuccess || r.Accepted != 2 || r.ItemsScraped != 2 {
		t.Errorf("rekt = %+v", r)
	}
	if r := byName["broken"]; r.Status != StatusError || len(r.Errors) != 1 {
		t.Errorf("broken = %+v", r)
	}
	if r := byName["panicky"]; r.Status != StatusError || !strings.Contains(strings.Join(r.Errors, ""), "nil selector") {
		t.Errorf("panicky = %+v", r)
	}
	if r := byName["missing"]; r.Status != StatusError {
		t.Errorf("missing = %+v", r)
	}
	if !report.Failed() {
		t.Error("report should be marked failed")
	}

	if len(store.runs) != 4 {
		t.Errorf("recorded %d runs, want 4", len(store.runs))
	}
	for _, run := range store.runs {
		if run.RunID != report.RunID {
			t.Errorf("run id = %s, want %s", run.RunID, report.RunID)
		}
	}

	var types []string
	for _, e := range events.events {
		types = append(types, e.Type)
	}
	if types[0] != EventRunStarted || types[len(types)-1] != EventRunFinished {
		t.Errorf("event order = %v", types)
	}
	finished := 0
	for _, typ := range types {
		if typ == EventSourceFinished {
			finished++
		}
	}
	if finished != 3 {
		t.Errorf("source_finished events = %d, want 3", finished)
	}
}

func TestRunAllSourcesByDefault(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, []sources.Adapter{
		&stubAdapter{name: "rekt"},
		&stubAdapter{name: "chainalysis"},
	})

	report := m.Run(context.Background())

	var names []string
	for _, r := range report.Sources {
		names = append(names, r.Source)
	}
	sort.Strings(names)
	if diff := cmp.Diff([]string{"chainalysis", "rekt"}, names); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
}

func TestRunIngestsPartialScrape(t *testing.T) {
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())

	a := &stubAdapter{
		name:  "rekt",
		cands: []models.Candidate{candidate("https://rekt.news/a", t0)},
		err:   context.Canceled,
	}
	a.started = cancel

	m := NewManager(store, []sources.Adapter{a})
	report := m.Run(ctx)

	r := report.Sources[0]
	if r.Status != StatusPartial || r.Accepted != 1 {
		t.Errorf("result = %+v, want partial with 1 accepted", r)
	}
}

func TestRunRespectsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	start := func() {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	finish := func() { inFlight.Add(-1) }

	var adapters []sources.Adapter
	for _, name := range []string{"a", "b", "c", "d"} {
		adapters = append(adapters, &stubAdapter{name: name, started: start, finished: finish})
	}

	m := NewManager(newFakeStore(), adapters, WithConcurrency(2))
	m.Run(context.Background())

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}
