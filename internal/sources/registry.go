package sources

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/analysis"
	"github.com/defiguard/backend/internal/classifier"
	"github.com/defiguard/backend/internal/scraper/fetcher"
	"github.com/defiguard/backend/internal/severity"
	"github.com/defiguard/backend/pkg/config"
	"github.com/defiguard/backend/pkg/logger"
)

// Build creates an adapter for every enabled source in cfg, ordered by
// priority and then by key.
func Build(cfg *config.Config, c classifier.Classifier) ([]Adapter, error) {
	log := logger.Named("sources")

	keys := make([]string, 0, len(cfg.Sources))
	for key, src := range cfg.Sources {
		if src.Enabled {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := cfg.Sources[keys[i]].Priority, cfg.Sources[keys[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return keys[i] < keys[j]
	})

	thresholds := analysis.Thresholds{
		Medium:   cfg.Risk.AmountMedium,
		High:     cfg.Risk.AmountHigh,
		Critical: cfg.Risk.AmountCritical,
	}

	adapters := make([]Adapter, 0, len(keys))
	for _, key := range keys {
		src := cfg.Sources[key]

		spec, ok := SpecFor(key)
		if !ok {
			log.Warn("No extraction rules for source, skipping", zap.String("source", key))
			continue
		}
		if src.Name != "" {
			spec.DisplayName = src.Name
		}

		profile, err := severity.ProfileByName(src.Profile)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", key, err)
		}

		opts := fetcher.Options{
			Source:       key,
			UserAgent:    cfg.Scraper.UserAgent,
			Timeout:      cfg.Scraper.RequestTimeout(),
			MaxBodyBytes: cfg.Scraper.MaxBodyBytes,
			Delay:        src.RateLimit(),
		}
		var f fetcher.Fetcher
		if src.Render {
			f = fetcher.NewBrowserFetcher(opts, cfg.Scraper.ChromePath)
		} else {
			f = fetcher.NewHTTPFetcher(opts)
		}

		settings := Settings{
			BaseURL:     src.BaseURL,
			MaxPages:    src.MaxPages,
			MaxArticles: src.MaxArticles,
		}
		adapters = append(adapters, NewPipeline(spec, settings, f, c, profile, thresholds))

		log.Info("Source registered",
			zap.String("source", key),
			zap.String("profile", profile.Name),
			zap.Int("priority", src.Priority),
			zap.Bool("render", src.Render),
		)
	}

	return adapters, nil
}
