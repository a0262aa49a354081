package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/defiguard/backend/internal/ingestion"
	"github.com/defiguard/backend/internal/storage/models"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	inFlight atomic.Int32
	overlap  atomic.Bool
	block    chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, names ...string) ingestion.RunReport {
	if r.inFlight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inFlight.Add(-1)

	if r.block != nil {
		<-r.block
	}

	r.mu.Lock()
	r.calls = append(r.calls, names)
	n := len(r.calls)
	r.mu.Unlock()

	return ingestion.RunReport{
		RunID:   "run",
		Sources: []ingestion.SourceResult{{Source: "rekt", Accepted: n}},
	}
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeCorpus struct{ n int }

func (c fakeCorpus) CountThreats(ctx context.Context, f models.ThreatFilter) (int, error) {
	return c.n, nil
}

type countingCounter struct {
	mu    sync.Mutex
	names []string
}

func (c *countingCounter) IncrementMetric(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
	return nil
}

func (c *countingCounter) GetMetric(ctx context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, got := range c.names {
		if got == name {
			n++
		}
	}
	return n, nil
}

func TestRunCounts(t *testing.T) {
	counter := &countingCounter{names: []string{"runs:interval", "runs:manual", "runs:interval"}}

	got, err := RunCounts(context.Background(), counter)
	if err != nil {
		t.Fatalf("RunCounts: %v", err)
	}
	want := map[string]int64{TriggerStartup: 0, TriggerInterval: 2, TriggerManual: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestTriggerRunsNamedSources(t *testing.T) {
	runner := &fakeRunner{}
	counter := &countingCounter{}
	s := New(runner, fakeCorpus{}, Config{Interval: time.Hour}, WithRunCounter(counter))
	s.Start(context.Background())
	defer s.Stop()

	done, err := s.Trigger("rekt")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	select {
	case report := <-done:
		if report.RunID != "run" {
			t.Errorf("report = %+v", report)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not complete")
	}

	if diff := cmp.Diff([][]string{{"rekt"}}, runner.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"runs:manual"}, counter.names); diff != "" {
		t.Errorf("counter mismatch (-want +got):\n%s", diff)
	}
}

func TestScrapesNeverOverlap(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s := New(runner, fakeCorpus{}, Config{Interval: 5 * time.Millisecond})
	s.Start(context.Background())

	var dones []<-chan ingestion.RunReport
	for i := 0; i < 3; i++ {
		done, err := s.Trigger()
		if err != nil {
			t.Fatalf("Trigger: %v", err)
		}
		dones = append(dones, done)
	}

	time.Sleep(30 * time.Millisecond)
	close(runner.block)

	for _, done := range dones {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("queued trigger did not complete")
		}
	}
	s.Stop()

	if runner.overlap.Load() {
		t.Error("two scrapes ran at the same time")
	}
	if runner.callCount() < 3 {
		t.Errorf("calls = %d, want at least 3", runner.callCount())
	}
}

func TestIntervalTick(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, fakeCorpus{}, Config{Interval: 10 * time.Millisecond})
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for runner.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if runner.callCount() < 2 {
		t.Errorf("calls = %d, want periodic runs", runner.callCount())
	}
}

func TestTriggerAfterStop(t *testing.T) {
	s := New(&fakeRunner{}, fakeCorpus{}, Config{})
	s.Start(context.Background())
	s.Stop()
	s.Stop()

	if _, err := s.Trigger(); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestTriggerQueueFull(t *testing.T) {
	s := New(&fakeRunner{}, fakeCorpus{}, Config{})

	for i := 0; i < queueSize; i++ {
		if _, err := s.Trigger(); err != nil {
			t.Fatalf("Trigger %d: %v", i, err)
		}
	}
	if _, err := s.Trigger(); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestUntilNext(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		now  time.Time
		hour int
		want time.Duration
	}{
		{time.Date(2024, 1, 1, 1, 0, 0, 0, loc), 2, time.Hour},
		{time.Date(2024, 1, 1, 2, 0, 0, 0, loc), 2, 24 * time.Hour},
		{time.Date(2024, 1, 1, 23, 30, 0, 0, loc), 2, 2*time.Hour + 30*time.Minute},
	}
	for _, tt := range tests {
		if got := untilNext(tt.now, tt.hour); got != tt.want {
			t.Errorf("untilNext(%v, %d) = %v, want %v", tt.now, tt.hour, got, tt.want)
		}
	}
}

func TestManualOnlySkipsInterval(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, fakeCorpus{}, Config{Interval: time.Millisecond, ManualOnly: true})
	s.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	if n := runner.callCount(); n != 0 {
		t.Errorf("calls = %d before any trigger, want 0", n)
	}

	done, err := s.Trigger()
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	<-done
	s.Stop()

	if n := runner.callCount(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}
