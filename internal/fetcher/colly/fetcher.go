// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// DefaultTimeout applies when Config.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// ErrRetryableStatus marks responses worth fetching again (5xx and 429).
var ErrRetryableStatus = errors.New("retryable status")

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// RequestsPerSecond paces every request made by this fetcher; 0 disables pacing.
	RequestsPerSecond float64
	Headers           http.Header
}

// Fetcher implements crawler.Fetcher using the Colly collector. Redirects
// are not followed; they come back as responses with Location set so the
// redirect target goes through admission like any other discovered item.
type Fetcher struct {
	cfg           Config
	limiter       *rate.Limiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	// Collector clones share one http.Client, so client settings are made once here.
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})

	f := &Fetcher{cfg: cfg, baseCollector: c}
	if cfg.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return f
}

// Fetch executes a single HTTP GET for item.
func (f *Fetcher) Fetch(ctx context.Context, item crawler.WorkItem) (crawler.Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return crawler.Response{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var (
		result   crawler.Response
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, item, time.Now(), &result, &fetchErr)

	if err := f.runCollector(ctx, collector, item.Target, &fetchErr); err != nil {
		return crawler.Response{}, err
	}
	if result.StatusCode >= http.StatusInternalServerError || result.StatusCode == http.StatusTooManyRequests {
		return result, fmt.Errorf("fetch %s: status %d: %w", item.Target, result.StatusCode, ErrRetryableStatus)
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	item crawler.WorkItem,
	start time.Time,
	result *crawler.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.Response{
			Item:       item,
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.StatusCode >= 300 && r.StatusCode < 400 {
			if loc := r.Headers.Get("Location"); loc != "" {
				result.Location = r.Request.AbsoluteURL(loc)
			}
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
