// Package collyfetcher retrieves IQM2 resolution detail pages using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/metrics"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

// DefaultDetailPath is where IQM2 portals serve resolution detail pages.
const DefaultDetailPath = "/Citizens/Detail_LegiFile.aspx"

// DefaultUserAgent mimics a desktop browser; some portals refuse obvious bots.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// DefaultUnavailableMarkers are the portal's error-page phrases.
var DefaultUnavailableMarkers = []string{
	"The requested Document could not be retrieved.",
	"Access Denied You do not have permissions to view",
}

// Fetch outcomes reported to metrics.
const (
	outcomeOK          = "ok"
	outcomeStatus      = "status"
	outcomeTransport   = "transport"
	outcomeUnavailable = "unavailable"
	outcomeCanceled    = "canceled"
)

// Config controls collector behavior.
type Config struct {
	RootURL            string
	DetailPath         string
	UserAgent          string
	Timeout            time.Duration
	UnavailableMarkers []string
}

// Waiter gates outbound requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements resolution.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	root          *url.URL
	limiter       Waiter
	baseCollector *colly.Collector
	now           func() time.Time
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter) (*Fetcher, error) {
	root, err := url.Parse(strings.TrimRight(cfg.RootURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse root url: %w", err)
	}
	if root.Scheme != "http" && root.Scheme != "https" || root.Host == "" {
		return nil, fmt.Errorf("root url %q must be an absolute http(s) url", cfg.RootURL)
	}
	if cfg.DetailPath == "" {
		cfg.DetailPath = DefaultDetailPath
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UnavailableMarkers == nil {
		cfg.UnavailableMarkers = DefaultUnavailableMarkers
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit(), colly.UserAgent(cfg.UserAgent))
	c.WithTransport(newHTTPTransport())
	// Clones share the backend http.Client, so the timeout is set here only.
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		root:          root,
		limiter:       limiter,
		baseCollector: c,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// DetailURL is the detail page address for id.
func (f *Fetcher) DetailURL(id resolution.ID) string {
	u := *f.root
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(f.cfg.DetailPath, "/")
	u.RawQuery = url.Values{"ID": {strconv.FormatInt(int64(id), 10)}}.Encode()
	return u.String()
}

type capture struct {
	status int
	body   []byte
	url    string
	err    error
}

// Fetch retrieves the detail page for id. Non-2xx responses, transport failures,
// timeouts and portal error pages all return *resolution.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, id resolution.ID) (resolution.Document, error) {
	target := f.DetailURL(id)
	if err := ctx.Err(); err != nil {
		return resolution.Document{}, &resolution.FetchError{ID: id, Reason: "canceled", Err: err}
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, target); err != nil {
			return resolution.Document{}, &resolution.FetchError{ID: id, Reason: "rate limit", Err: err}
		}
	}

	start := f.now()
	got, err := f.runCollector(ctx, target)
	elapsed := time.Since(start)

	if err != nil {
		outcome := outcomeTransport
		reason := "transport"
		switch {
		case errors.Is(err, context.Canceled):
			outcome, reason = outcomeCanceled, "canceled"
		case got.status != 0:
			outcome, reason = outcomeStatus, "unexpected status"
		case isTimeout(err):
			reason = "timeout"
		}
		metrics.ObserveFetch(outcome, len(got.body), elapsed)
		return resolution.Document{}, &resolution.FetchError{ID: id, StatusCode: got.status, Reason: reason, Err: err}
	}

	if marker, ok := f.unavailable(got.body); ok {
		metrics.ObserveFetch(outcomeUnavailable, len(got.body), elapsed)
		return resolution.Document{}, &resolution.FetchError{
			ID:         id,
			StatusCode: got.status,
			Reason:     "unavailable",
			Err:        fmt.Errorf("portal error page: %q", marker),
		}
	}

	metrics.ObserveFetch(outcomeOK, len(got.body), elapsed)
	return resolution.Document{
		ID:         id,
		URL:        got.url,
		StatusCode: got.status,
		Body:       got.body,
		FetchedAt:  start,
		Duration:   elapsed,
	}, nil
}

func (f *Fetcher) buildCollector(got *capture) *colly.Collector {
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, got)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, got *capture) {
	hooks.OnResponse(func(r *colly.Response) {
		got.status = r.StatusCode
		got.body = append([]byte(nil), r.Body...)
		got.url = r.Request.URL.String()
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			got.status = r.StatusCode
			got.body = append([]byte(nil), r.Body...)
		}
		got.err = err
	})
}

// runCollector visits target on its own goroutine. The capture is owned by that
// goroutine until it is handed back over done; a canceled fetch never reads it.
func (f *Fetcher) runCollector(ctx context.Context, target string) (capture, error) {
	done := make(chan capture, 1)
	go func() {
		var got capture
		collector := f.buildCollector(&got)
		if err := collector.Visit(target); err != nil && got.err == nil {
			got.err = err
		}
		done <- got
	}()

	select {
	case <-ctx.Done():
		return capture{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case got := <-done:
		if got.err != nil {
			return got, fmt.Errorf("colly visit failed: %w", got.err)
		}
		if got.status < http.StatusOK || got.status >= http.StatusMultipleChoices {
			return got, fmt.Errorf("colly response status %d", got.status)
		}
		return got, nil
	}
}

func (f *Fetcher) unavailable(body []byte) (string, bool) {
	for _, marker := range f.cfg.UnavailableMarkers {
		if marker != "" && bytes.Contains(body, []byte(marker)) {
			return marker, true
		}
	}
	return "", false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
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
