package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/analysis"
	"github.com/defiguard/backend/internal/classifier"
	"github.com/defiguard/backend/internal/metrics"
	"github.com/defiguard/backend/internal/scraper/extract"
	"github.com/defiguard/backend/internal/scraper/fetcher"
	"github.com/defiguard/backend/internal/severity"
	"github.com/defiguard/backend/internal/storage/models"
	"github.com/defiguard/backend/pkg/logger"
)

// Adapter scrapes one publisher into candidate records.
type Adapter interface {
	Name() string
	Scrape(ctx context.Context) ([]models.Candidate, error)
}

// Spec describes a publisher: where its articles are, how to read them and
// which extra fields it contributes.
type Spec struct {
	Key         string
	DisplayName string
	Links       extract.LinkRules
	Article     extract.Rules
	Attacks     *analysis.Table
	Chains      *analysis.Table
	ExtraTags   []string
	Verified    bool
	// PreFilter drops off-topic articles before classification. Nil accepts all.
	PreFilter func(title, body string) bool
	// Enrich adds publisher-specific auxiliary fields.
	Enrich func(title, body string, aux map[string]any)
}

type Settings struct {
	BaseURL     string
	MaxPages    int
	MaxArticles int
}

// Pipeline is the shared scrape flow every publisher runs through.
type Pipeline struct {
	spec       Spec
	settings   Settings
	fetcher    fetcher.Fetcher
	classifier classifier.Classifier
	profile    severity.Profile
	thresholds analysis.Thresholds
	now        func() time.Time
	log        *zap.Logger
}

func NewPipeline(spec Spec, settings Settings, f fetcher.Fetcher, c classifier.Classifier, profile severity.Profile, thresholds analysis.Thresholds) *Pipeline {
	if settings.MaxPages <= 0 {
		settings.MaxPages = 1
	}
	return &Pipeline{
		spec:       spec,
		settings:   settings,
		fetcher:    f,
		classifier: c,
		profile:    profile,
		thresholds: thresholds,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logger.Named("sources").With(zap.String("source", spec.Key)),
	}
}

func (p *Pipeline) Name() string {
	return p.spec.Key
}

// Scrape walks the listing pages and processes articles strictly in discovery
// order. Failed articles are skipped; only a failed first listing page fails
// the whole scrape. On cancellation the records built so far are returned
// together with the context error.
func (p *Pipeline) Scrape(ctx context.Context) ([]models.Candidate, error) {
	links, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	p.log.Info("Discovered articles", zap.Int("count", len(links)))

	candidates := make([]models.Candidate, 0, len(links))
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return candidates, err
		}

		c, ok, err := p.article(ctx, link)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return candidates, ctxErr
			}
			p.log.Warn("Skipping article", zap.String("url", link), zap.Error(err))
			continue
		}
		if ok {
			candidates = append(candidates, c)
		}
	}

	p.log.Info("Scrape finished", zap.Int("candidates", len(candidates)), zap.Int("links", len(links)))
	return candidates, nil
}

func (p *Pipeline) discover(ctx context.Context) ([]string, error) {
	base, err := url.Parse(p.settings.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string

	for page := 1; page <= p.settings.MaxPages; page++ {
		markup, err := p.fetcher.Fetch(ctx, listingURL(base, page))
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("failed to fetch listing: %w", err)
			}
			p.log.Warn("Listing page failed, stopping pagination", zap.Int("page", page), zap.Error(err))
			break
		}

		doc, err := extract.Parse(markup)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			break
		}

		added := 0
		for _, link := range extract.DocumentLinks(doc, base, p.spec.Links, 0) {
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			links = append(links, link)
			added++

			if p.settings.MaxArticles > 0 && len(links) >= p.settings.MaxArticles {
				return links, nil
			}
		}
		if added == 0 {
			break
		}
	}

	return links, nil
}

func listingURL(base *url.URL, page int) string {
	if page <= 1 {
		return base.String()
	}
	u := *base
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

// article turns one page into a candidate. ok is false when the article was
// deliberately dropped.
func (p *Pipeline) article(ctx context.Context, link string) (models.Candidate, bool, error) {
	markup, err := p.fetcher.Fetch(ctx, link)
	if err != nil {
		return models.Candidate{}, false, err
	}

	doc, err := extract.Parse(markup)
	if err != nil {
		return models.Candidate{}, false, err
	}

	art, err := extract.ExtractDocument(doc, p.spec.Article)
	if err != nil {
		var ee *extract.ExtractionError
		if errors.As(err, &ee) {
			metrics.ExtractionFailures.WithLabelValues(p.spec.Key, ee.Field).Inc()
		}
		return models.Candidate{}, false, err
	}

	title := extract.CleanTitle(art.Title)
	body := art.Body

	if p.spec.PreFilter != nil && !p.spec.PreFilter(title, body) {
		p.log.Debug("Article filtered as off-topic", zap.String("url", link), zap.String("title", title))
		return models.Candidate{}, false, nil
	}

	res := p.classifier.Classify(ctx, title, body)
	if err := ctx.Err(); err != nil {
		return models.Candidate{}, false, err
	}
	if !res.IsRelevant {
		metrics.RelevanceRejections.WithLabelValues(p.spec.Key).Inc()
		p.log.Info("Article rejected by relevance gate",
			zap.String("url", link),
			zap.String("reason", res.Reason),
			zap.Float64("confidence", res.Confidence),
		)
		return models.Candidate{}, false, nil
	}

	c, err := p.build(link, title, body, doc, res)
	if err != nil {
		return models.Candidate{}, false, err
	}
	return c, true, nil
}
