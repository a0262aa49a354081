package classifier

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/defiguard/backend/internal/metrics"
	"github.com/defiguard/backend/pkg/logger"
	"github.com/defiguard/backend/pkg/retry"
	"github.com/defiguard/backend/pkg/utils"
)

const (
	MethodAI        = "ai"
	MethodFallback  = "fallback"
	MethodCache     = "cache"
	MethodCancelled = "cancelled"
)

// Result is the outcome of a relevance classification.
type Result struct {
	Protocol   *string
	IsRelevant bool
	Confidence float64
	Reason     string
	Method     string
}

type Classifier interface {
	Classify(ctx context.Context, title, body string) Result
}

// Completer is the external text-classification backend. It returns the raw
// answer to the protocol prompt.
type Completer interface {
	ClassifyProtocol(ctx context.Context, title, body string) (string, error)
}

// Cache stores validated protocol answers. A nil protocol with found=true is a
// cached "no protocol" answer.
type Cache interface {
	GetClassification(ctx context.Context, textHash string) (protocol *string, found bool, err error)
	SetClassification(ctx context.Context, textHash string, protocol *string, ttl time.Duration) error
}

type Config struct {
	MaxConcurrent int64
	MaxRetries    int
	RetryDelay    time.Duration
	CallTimeout   time.Duration
	CacheTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 2,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		CallTimeout:   10 * time.Second,
		CacheTTL:      24 * time.Hour,
	}
}

// Service classifies with the completer when one is configured and falls back
// to catalog matching otherwise. It is safe for concurrent use; the semaphore
// caps simultaneous backend calls across all callers.
type Service struct {
	completer Completer
	cache     Cache
	catalog   *Catalog
	sem       *semaphore.Weighted
	cfg       Config
	log       *zap.Logger
}

type Option func(*Service)

func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithCatalog(c *Catalog) Option {
	return func(s *Service) { s.catalog = c }
}

// NewService builds a classifier. completer may be nil, in which case every
// call takes the fallback path.
func NewService(completer Completer, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}

	s := &Service{
		completer: completer,
		catalog:   DefaultCatalog,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:       cfg,
		log:       logger.Named("classifier"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if completer == nil {
		s.log.Warn("No classification backend configured, using fallback matching only")
	}
	return s
}

func (s *Service) Classify(ctx context.Context, title, body string) Result {
	protocol, method := s.protocol(ctx, title, body)
	if ctx.Err() != nil {
		return Result{Reason: "classification cancelled", Method: MethodCancelled}
	}

	res := Relevance(title, body, protocol)
	res.Method = method

	metrics.ClassifierCalls.WithLabelValues(method).Inc()
	metrics.ClassificationConfidence.Observe(res.Confidence)

	s.log.Debug("Classified article",
		zap.String("title", title),
		zap.String("method", method),
		zap.Bool("relevant", res.IsRelevant),
		zap.Float64("confidence", res.Confidence),
	)
	return res
}

func (s *Service) protocol(ctx context.Context, title, body string) (*string, string) {
	if s.completer == nil {
		return s.catalog.Fallback(title, body), MethodFallback
	}

	hash := utils.HashString(title + body)
	if s.cache != nil {
		p, found, err := s.cache.GetClassification(ctx, hash)
		if err != nil {
			s.log.Warn("Classification cache read failed", zap.Error(err))
		} else if found {
			return p, MethodCache
		}
	}

	raw, err := retry.DoWithResult(ctx, retry.Fixed(s.cfg.MaxRetries, s.cfg.RetryDelay, s.log), func() (string, error) {
		return s.call(ctx, title, body)
	})
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("Classification backend failed, using fallback", zap.Error(err))
		}
		return s.catalog.Fallback(title, body), MethodFallback
	}

	p := s.catalog.Validate(raw)
	if p == nil && raw != "" {
		s.log.Debug("Rejected classification answer", zap.String("answer", raw))
	}

	if s.cache != nil && s.cfg.CacheTTL > 0 {
		if err := s.cache.SetClassification(ctx, hash, p, s.cfg.CacheTTL); err != nil {
			s.log.Warn("Classification cache write failed", zap.Error(err))
		}
	}
	return p, MethodAI
}

func (s *Service) call(ctx context.Context, title, body string) (string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", retry.Permanent(err)
	}
	defer s.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	return s.completer.ClassifyProtocol(callCtx, title, body)
}
