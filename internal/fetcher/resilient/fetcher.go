// Package resilient wraps a resolution.Fetcher with retries and a circuit breaker
// so a struggling portal is backed off instead of hammered.
package resilient

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/metrics"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

// Config tunes retries and the breaker.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// BreakerFailureRatio trips the breaker once at least BreakerMinRequests
	// fetches have been seen in the current window. Zero disables the breaker.
	BreakerFailureRatio float64
	BreakerMinRequests  uint32
	BreakerOpenTimeout  time.Duration
	BreakerHalfOpenMax  uint32
}

// Fetcher decorates another Fetcher.
type Fetcher struct {
	next    resolution.Fetcher
	policy  *ExponentialRetryPolicy
	breaker *gobreaker.CircuitBreaker[resolution.Document]
	logger  *zap.Logger
}

// New wraps next.
func New(next resolution.Fetcher, cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		next:   next,
		policy: NewExponentialRetryPolicy(cfg.MaxRetries, cfg.BaseDelay, cfg.MaxDelay),
		logger: logger.Named("fetcher"),
	}
	if cfg.BreakerFailureRatio > 0 {
		f.breaker = gobreaker.NewCircuitBreaker[resolution.Document](f.settings(cfg))
		metrics.SetBreakerState(gobreaker.StateClosed.String())
	}
	return f
}

func (f *Fetcher) settings(cfg Config) gobreaker.Settings {
	minRequests := cfg.BreakerMinRequests
	if minRequests == 0 {
		minRequests = 10
	}
	halfOpen := cfg.BreakerHalfOpenMax
	if halfOpen == 0 {
		halfOpen = 1
	}
	openTimeout := cfg.BreakerOpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	return gobreaker.Settings{
		Name:        "portal",
		MaxRequests: halfOpen,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !Transient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.SetBreakerState(to.String())
			f.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
}

// Fetch retrieves id, retrying transient failures. An open breaker fails fast
// with a *resolution.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, id resolution.ID) (resolution.Document, error) {
	if f.breaker == nil {
		return f.fetchWithRetry(ctx, id)
	}
	doc, err := f.breaker.Execute(func() (resolution.Document, error) {
		return f.fetchWithRetry(ctx, id)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.ObserveFetch("breaker_open", 0, 0)
		return resolution.Document{}, &resolution.FetchError{ID: id, Reason: "circuit open", Err: err}
	}
	return doc, err
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, id resolution.ID) (resolution.Document, error) {
	for attempt := 1; ; attempt++ {
		doc, err := f.next.Fetch(ctx, id)
		if err == nil {
			return doc, nil
		}
		if !f.policy.ShouldRetry(err, attempt) {
			return resolution.Document{}, err
		}
		wait := f.policy.Backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.Int64("resolution_id", int64(id)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		metrics.ObserveFetchRetry()
		if sleepErr := sleepWithContext(ctx, wait); sleepErr != nil {
			return resolution.Document{}, err
		}
	}
}

// State reports the breaker state, "disabled" when no breaker is configured.
func (f *Fetcher) State() string {
	if f.breaker == nil {
		return "disabled"
	}
	return f.breaker.State().String()
}
