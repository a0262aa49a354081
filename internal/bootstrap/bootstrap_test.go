package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/defiguard/backend/internal/severity"
	"github.com/defiguard/backend/pkg/config"
)

func TestBuildWithoutOptionalBackends(t *testing.T) {
	cfg := config.Default()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "corpus.db")
	cfg.LLM.APIKey = ""

	c, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close()

	if c.Cache != nil || c.Graph != nil || c.Index != nil {
		t.Errorf("optional backends should be nil: %+v", c)
	}
	if diff := cmp.Diff([]string{"rekt", "chainalysis"}, c.Manager.Sources()); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(severity.DefaultCutoffs, c.Cutoffs); diff != "" {
		t.Errorf("cutoffs mismatch (-want +got):\n%s", diff)
	}
	if err := c.Store.Ping(context.Background()); err != nil {
		t.Errorf("store not usable: %v", err)
	}
}

func TestBuildRejectsBadProfile(t *testing.T) {
	cfg := config.Default()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "corpus.db")
	src := cfg.Sources["rekt"]
	src.Profile = "speculative"
	cfg.Sources["rekt"] = src

	if _, err := Build(context.Background(), cfg, nil); err == nil {
		t.Error("Build accepted an unknown severity profile")
	}
}
