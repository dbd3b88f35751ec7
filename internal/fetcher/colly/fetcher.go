// Package collyfetcher backs the scripts' http.get helper with gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Limiter spaces requests per host.
type Limiter interface {
	WaitURL(ctx context.Context, rawURL string) error
}

// Response is what a script receives from http.get.
type Response struct {
	URL      string
	Status   int
	Headers  http.Header
	Body     []byte
	Duration time.Duration
}

// Fetcher issues single GET requests through a Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Limiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Limiter) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
}

// Get fetches rawURL with the given extra headers. Non-2xx statuses are returned, not treated as errors.
func (f *Fetcher) Get(ctx context.Context, rawURL string, headers http.Header) (Response, error) {
	if f.limiter != nil {
		if err := f.limiter.WaitURL(ctx, rawURL); err != nil {
			return Response{}, fmt.Errorf("http get %s: %w", rawURL, err)
		}
	}
	var (
		result   Response
		fetchErr error
	)
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, headers, time.Now(), &result, &fetchErr)
	if err := runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return Response{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	collector.AllowURLRevisit = true
	if f.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = f.cfg.MaxBodyBytes
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	headers http.Header,
	start time.Time,
	result *Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = Response{
			URL:      r.Request.URL.String(),
			Status:   r.StatusCode,
			Headers:  r.Headers.Clone(),
			Body:     append([]byte(nil), r.Body...),
			Duration: time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("http get canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("http get %s: %w", url, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("http get %s: %w", url, *fetchErr)
		}
		return nil
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
