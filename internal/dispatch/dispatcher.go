// Package dispatch runs per-image extraction work in bounded batches with a
// single retry policy shared by every external extraction call.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/metrics"
	"github.com/spherical/flyer-offers/internal/observability"
)

// WorkFunc extracts candidates from one image. It is called once per attempt.
type WorkFunc func(ctx context.Context, image domain.ImageRef) ([]domain.Candidate, error)

// ProgressFunc is called after each unit finishes, successful or not.
type ProgressFunc func(done, total int, image domain.ImageRef, err error)

// Config holds dispatcher settings.
type Config struct {
	BatchSize   int
	BatchPause  time.Duration
	CallTimeout time.Duration
	Retry       RetryPolicy
}

// DefaultConfig returns batches of 5, a 1s pause and a 60s per-call timeout.
func DefaultConfig() Config {
	return Config{
		BatchSize:   5,
		BatchPause:  time.Second,
		CallTimeout: 60 * time.Second,
		Retry:       DefaultRetryPolicy(),
	}
}

// Failure records one unit that produced no candidates.
type Failure struct {
	Image    domain.ImageRef
	Attempts int
	Err      error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", f.Image.Label(), f.Attempts, f.Err)
}

// Result is the union of all successful units, in image order.
type Result struct {
	Candidates []domain.Candidate
	Total      int
	Succeeded  int
	Failed     int
	Retries    int
	Failures   []Failure
}

// AllFailed reports whether there was work and none of it succeeded.
func (r Result) AllFailed() bool {
	return r.Total > 0 && r.Succeeded == 0
}

// Dispatcher schedules WorkFunc calls in fixed-size batches. A batch is
// awaited fully before the next one starts.
type Dispatcher struct {
	cfg     Config
	logger  *observability.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher. Zero config values fall back to the defaults.
func New(cfg Config, logger *observability.Logger, m *metrics.Metrics) *Dispatcher {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = def.Retry.InitialBackoff
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = def.Retry.MaxBackoff
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	if logger == nil {
		logger = observability.Nop()
	}

	return &Dispatcher{
		cfg:     cfg,
		logger:  logger.WithOperation("dispatch"),
		metrics: m,
		sleep:   sleepContext,
	}
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

type unitResult struct {
	cands    []domain.Candidate
	attempts int
	err      error
}

// Run applies work to every image. A failing unit never aborts its siblings;
// it contributes zero candidates and a Failure entry.
func (d *Dispatcher) Run(ctx context.Context, images []domain.ImageRef, work WorkFunc, progress ProgressFunc) Result {
	total := len(images)
	results := make([]unitResult, total)
	done := 0

	for start := 0; start < total; start += d.cfg.BatchSize {
		end := start + d.cfg.BatchSize
		if end > total {
			end = total
		}

		if start > 0 && d.cfg.BatchPause > 0 {
			if err := d.sleep(ctx, d.cfg.BatchPause); err != nil {
				for i := start; i < total; i++ {
					results[i] = unitResult{err: err}
				}
				break
			}
		}

		// Plain group, not WithContext: one failure must not cancel siblings.
		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				results[i] = d.runUnit(ctx, images[i], work)
				return nil
			})
		}
		_ = g.Wait()

		for i := start; i < end; i++ {
			done++
			if progress != nil {
				progress(done, total, images[i], results[i].err)
			}
		}
	}

	res := Result{Total: total}
	for i, r := range results {
		if r.attempts > 1 {
			res.Retries += r.attempts - 1
		}
		if r.err != nil {
			res.Failed++
			res.Failures = append(res.Failures, Failure{Image: images[i], Attempts: r.attempts, Err: r.err})
			d.metrics.IncDispatch("failure")
			continue
		}
		res.Succeeded++
		res.Candidates = append(res.Candidates, r.cands...)
		d.metrics.IncDispatch("success")
	}

	if res.Failed > 0 {
		d.logger.Warn().
			Int("failed", res.Failed).
			Int("succeeded", res.Succeeded).
			Int("total", total).
			Msg("some extraction units failed")
	}

	return res
}

// runUnit calls work with a per-call timeout and retries retryable errors
// with exponential backoff.
func (d *Dispatcher) runUnit(ctx context.Context, image domain.ImageRef, work WorkFunc) unitResult {
	policy := d.cfg.Retry
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return unitResult{attempts: attempt, err: err}
		}

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		cands, err := work(callCtx, image)
		cancel()

		if err == nil {
			return unitResult{cands: cands, attempts: attempt + 1}
		}
		lastErr = err

		if !domain.IsRetryable(err) || attempt == policy.MaxRetries {
			return unitResult{attempts: attempt + 1, err: err}
		}

		backoff := calculateBackoff(attempt, policy)
		d.logger.Warn().
			Str("image", image.Label()).
			Int("attempt", attempt+1).
			Int("max_retries", policy.MaxRetries).
			Dur("backoff", backoff).
			Err(err).
			Msg("extraction call failed, retrying")
		d.metrics.IncRetries()

		if err := d.sleep(ctx, backoff); err != nil {
			return unitResult{attempts: attempt + 1, err: err}
		}
	}

	return unitResult{attempts: policy.MaxRetries + 1, err: lastErr}
}
