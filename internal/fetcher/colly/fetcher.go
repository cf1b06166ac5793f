// Package collyfetcher implements plain HTTP fetching using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements engine.Fetcher with a Colly collector. Responses with
// block-ish status codes are returned, not errored, so the caller can inspect
// the body for challenge markup.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher with a pooled transport.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	// Blocked sites answer robots.txt with the same denial page, which
	// would wedge the collector before the page fetch we want to inspect.
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single GET and reports the final URL after redirects.
func (f *Fetcher) Fetch(ctx context.Context, url string) (engine.FetchResponse, error) {
	var (
		result   engine.FetchResponse
		fetchErr error
	)

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	capture := func(r *colly.Response) {
		result = engine.FetchResponse{
			URL:        url,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	}

	collector.OnResponse(capture)
	collector.OnError(func(r *colly.Response, err error) {
		// A non-2xx status still carries a usable body; only transport
		// failures surface as errors.
		if r != nil && r.StatusCode > 0 {
			capture(r)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return engine.FetchResponse{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return engine.FetchResponse{}, fmt.Errorf("fetch %s: %w", url, fetchErr)
		}
		if result.StatusCode == 0 {
			if err != nil {
				return engine.FetchResponse{}, fmt.Errorf("fetch %s: %w", url, err)
			}
			return engine.FetchResponse{}, fmt.Errorf("fetch %s: no response", url)
		}
		return result, nil
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
