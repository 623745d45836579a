package pagedata

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/qc-copilot/config"
	"github.com/aluiziolira/qc-copilot/models"
)

// Page is a fetched review page.
type Page struct {
	URL        string
	StatusCode int
	HTML       []byte
	Release    *models.ReleaseData
}

// Fetcher downloads review pages with colly and parses them.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	retry     *retryPolicy
	Metrics   *Metrics

	mu           sync.Mutex
	errorsByType map[string]int
}

// NewFetcher builds a fetcher configured from cfg.
func NewFetcher(cfg *config.Config) (*Fetcher, error) {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.MaxParallel,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	metrics := NewMetrics()
	return &Fetcher{
		cfg:          cfg,
		collector:    collector,
		retry:        &retryPolicy{cfg: cfg, metrics: metrics},
		Metrics:      metrics,
		errorsByType: make(map[string]int),
	}, nil
}

// Fetch downloads rawURL and parses it, retrying transient failures with
// exponential backoff.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("url %q must include a host", rawURL)
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			return page, nil
		}

		delay, ok := f.retry.next(attempt, err)
		if !ok {
			return nil, err
		}
		slog.Debug("retrying review page",
			slog.String("url", rawURL),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// ErrorsByType returns a snapshot of failures per category.
func (f *Fetcher) ErrorsByType() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.errorsByType))
	for k, v := range f.errorsByType {
		out[k] = v
	}
	return out
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (*Page, error) {
	c := f.collector.Clone()
	var (
		page     *Page
		fetchErr error
	)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		r.Ctx.Put("start", time.Now())
		f.Metrics.startFetch()
	})

	c.OnResponse(func(r *colly.Response) {
		if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
			f.Metrics.observeLatency(time.Since(start))
		}
		page = &Page{URL: r.Request.URL.String(), StatusCode: r.StatusCode, HTML: r.Body}
	})

	c.OnError(func(r *colly.Response, err error) {
		statusCode := 0
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = classifyError(err, statusCode)
		category := errorTypeLabel(fetchErr)

		f.mu.Lock()
		f.errorsByType[category]++
		f.mu.Unlock()

		slog.Error("review page request error",
			slog.String("url", rawURL),
			slog.Int("status", statusCode),
			slog.String("category", category),
			slog.Any("error", err),
		)
		f.Metrics.endFetch(category)
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		if page == nil {
			return
		}
		release := Parse(e.DOM)
		release.URL = e.Request.URL.String()
		page.Release = release
		f.Metrics.ObserveRelease(release)
	})

	visitErr := c.Visit(rawURL)
	if fetchErr != nil {
		return nil, fetchErr
	}
	if visitErr != nil {
		return nil, classifyError(visitErr, 0)
	}
	if page == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no response for %s", rawURL)
	}
	if page.Release == nil {
		return nil, fmt.Errorf("%s is not an html page", rawURL)
	}
	f.Metrics.endFetch("completed")
	return page, nil
}

type retryPolicy struct {
	cfg     *config.Config
	metrics *Metrics
}

// next returns the delay before retry number attempt, or false when the
// error is final or attempts are exhausted.
func (rp *retryPolicy) next(attempt int, err error) (time.Duration, bool) {
	if !retryable(err) || attempt > rp.cfg.MaxRetries {
		return 0, false
	}
	rp.metrics.retry()
	return rp.backoff(attempt), true
}

func (rp *retryPolicy) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := rp.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := rp.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}
