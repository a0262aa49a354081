package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/metrics"
	"github.com/defiguard/backend/pkg/logger"
)

const (
	DefaultUserAgent    = "DeFiGuard-OSINT-Bot/1.0"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 5 << 20
)

// Fetcher returns the raw markup of a page. Implementations never retry.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// FetchError is returned for network failures, timeouts and non-2xx responses.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

var ErrBodyTooLarge = errors.New("response body exceeds limit")

type Options struct {
	Source       string
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	Delay        time.Duration
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return o
}

type HTTPFetcher struct {
	source       string
	userAgent    string
	maxBodyBytes int64
	httpClient   *http.Client
	limiter      *Limiter
}

func NewHTTPFetcher(opts Options) *HTTPFetcher {
	opts = opts.withDefaults()
	return &HTTPFetcher{
		source:       opts.Source,
		userAgent:    opts.UserAgent,
		maxBodyBytes: opts.MaxBodyBytes,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter: NewLimiter(opts.Delay),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", &FetchError{URL: url, Err: err}
	}

	body, err := f.get(ctx, url)
	if err != nil {
		status := "error"
		var fe *FetchError
		if errors.As(err, &fe) && fe.StatusCode != 0 {
			status = strconv.Itoa(fe.StatusCode)
		}
		metrics.PagesFetched.WithLabelValues(f.source, status).Inc()
		logger.Debug("Fetch failed", zap.String("source", f.source), zap.String("url", url), zap.Error(err))
		return "", err
	}

	metrics.PagesFetched.WithLabelValues(f.source, "ok").Inc()
	return body, nil
}

func (f *HTTPFetcher) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &FetchError{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &FetchError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return "", &FetchError{URL: url, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if int64(len(data)) > f.maxBodyBytes {
		return "", &FetchError{URL: url, Err: ErrBodyTooLarge}
	}

	return string(data), nil
}
