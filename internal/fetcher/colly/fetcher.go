// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/okx"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Deps are optional collaborators. A nil Signer sends unsigned requests, a
// nil Limiter does not throttle and a nil Clock uses time.Now.
type Deps struct {
	Signer    *okx.Signer
	Limiter   crawler.Limiter
	Clock     crawler.Clock
	Transport http.RoundTripper
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	signer        *okx.Signer
	limiter       crawler.Limiter
	now           func() time.Time
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

var _ crawler.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, deps Deps) *Fetcher {
	// Polls revisit the same URLs; error statuses reach OnResponse.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true

	transport := deps.Transport
	if transport == nil {
		transport = newRetryTransport(newHTTPTransport())
	}
	c.WithTransport(transport)

	now := time.Now
	if deps.Clock != nil {
		now = deps.Clock.Now
	}
	return &Fetcher{
		cfg:           cfg,
		signer:        deps.Signer,
		limiter:       deps.Limiter,
		now:           now,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single request. HTTP error statuses are returned as a
// response; only transport failures are errors.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.Target, err)
		}
	}

	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	started := f.now()
	collector := f.buildCollector(ctx, request, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	result.StartedAt = started
	result.FinishedAt = f.now()
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)

	f.configureCollectorHooks(collector, request, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = toFetchResponse(r)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func toFetchResponse(r *colly.Response) crawler.FetchResponse {
	var headers http.Header
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	body := append([]byte(nil), r.Body...)
	length := int64(len(body))
	resp := crawler.FetchResponse{
		StatusCode:    r.StatusCode,
		Headers:       headers,
		Body:          body,
		ContentLength: &length,
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	if headers != nil {
		resp.ETag = strings.TrimSpace(headers.Get("ETag"))
		resp.LastModifiedRaw = strings.TrimSpace(headers.Get("Last-Modified"))
		if resp.LastModifiedRaw != "" {
			if at, err := http.ParseTime(resp.LastModifiedRaw); err == nil {
				at = at.UTC()
				resp.LastModifiedAt = &at
			}
		}
	}
	return resp
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request crawler.FetchRequest,
	fetchErr *error,
) error {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, request.URL, nil, nil, nil)
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

// copyHeaders sets the request's headers, its conditional validators and,
// when asked and configured, the OKX signature over the final request URI.
func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
	if request.IfNoneMatch != "" {
		r.Headers.Set("If-None-Match", request.IfNoneMatch)
	}
	if request.IfModifiedSince != "" {
		r.Headers.Set("If-Modified-Since", request.IfModifiedSince)
	}
	if request.Signed && f.signer.Enabled() && r.URL != nil {
		signed := f.signer.Headers(r.Method, r.URL.RequestURI(), nil, f.now())
		for key := range signed {
			r.Headers.Set(key, signed.Get(key))
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
