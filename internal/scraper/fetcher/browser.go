package fetcher

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/metrics"
	"github.com/defiguard/backend/pkg/logger"
)

// BrowserFetcher renders pages in headless Chrome for sources that build their
// article lists client-side.
type BrowserFetcher struct {
	source   string
	opts     Options
	execPath string
	limiter  *Limiter
}

func NewBrowserFetcher(opts Options, execPath string) *BrowserFetcher {
	opts = opts.withDefaults()
	return &BrowserFetcher{
		source:   opts.Source,
		opts:     opts,
		execPath: execPath,
		limiter:  NewLimiter(opts.Delay),
	}
}

func (f *BrowserFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", &FetchError{URL: url, Err: err}
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(f.opts.UserAgent),
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
	)
	if f.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(f.execPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	browserCtx, cancel := context.WithTimeout(browserCtx, f.opts.Timeout)
	defer cancel()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		metrics.PagesFetched.WithLabelValues(f.source, "error").Inc()
		logger.Debug("Browser fetch failed", zap.String("source", f.source), zap.String("url", url), zap.Error(err))
		return "", &FetchError{URL: url, Err: fmt.Errorf("render failed: %w", err)}
	}
	if int64(len(html)) > f.opts.MaxBodyBytes {
		return "", &FetchError{URL: url, Err: ErrBodyTooLarge}
	}

	metrics.PagesFetched.WithLabelValues(f.source, "ok").Inc()
	return html, nil
}
