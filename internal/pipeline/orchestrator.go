package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/metrics"
	"github.com/spherical/flyer-offers/internal/observability"
)

// LoadFunc fetches the raw source of a retailer's week.
type LoadFunc func(ctx context.Context, retailer domain.Retailer, week domain.WeekKey) (domain.RawSource, error)

// RunSummary is one retailer's line in a Summary.
type RunSummary struct {
	Retailer domain.Retailer `json:"retailer"`
	WeekKey  domain.WeekKey  `json:"week_key"`
	Status   string          `json:"status"`
	Stored   int             `json:"stored"`
	Result   *RunResult      `json:"result,omitempty"`
	Err      error           `json:"-"`
	Error    string          `json:"error,omitempty"`
}

// Summary collects the outcome of every run of a RunAll call, in request order.
type Summary struct {
	Runs     []RunSummary  `json:"runs"`
	Duration time.Duration `json:"duration"`
}

// Succeeded counts runs that stored their partition, including partial ones.
func (s Summary) Succeeded() int {
	n := 0
	for _, r := range s.Runs {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts runs that left their partition untouched.
func (s Summary) Failed() int {
	return len(s.Runs) - s.Succeeded()
}

// Partial reports whether some but not all runs failed.
func (s Summary) Partial() bool {
	failed := s.Failed()
	return failed > 0 && failed < len(s.Runs)
}

// Orchestrator runs pipelines for several retailers concurrently. One
// retailer's failure never stops the others.
type Orchestrator struct {
	pipeline *Pipeline
	load     LoadFunc
	limit    int
	metrics  *metrics.Metrics
	logger   *observability.Logger
}

// NewOrchestrator creates an orchestrator running at most limit pipelines at
// once. load fills in requests that arrive without a source; it may be nil.
func NewOrchestrator(p *Pipeline, load LoadFunc, limit int, m *metrics.Metrics, logger *observability.Logger) *Orchestrator {
	if limit < 1 {
		limit = 1
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Orchestrator{pipeline: p, load: load, limit: limit, metrics: m, logger: logger.WithOperation("orchestrator")}
}

// RunAll executes every request and returns a summary. It never fails as a
// whole; per-retailer errors are in the summary.
func (o *Orchestrator) RunAll(ctx context.Context, reqs []RunRequest) Summary {
	start := time.Now()
	runs := make([]RunSummary, len(reqs))

	var g errgroup.Group
	g.SetLimit(o.limit)

	for i, req := range reqs {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					runs[i] = o.recovered(ctx, req, r)
				}
			}()
			runs[i] = o.runOne(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{Runs: runs, Duration: time.Since(start)}
	o.logger.Info().
		Int("runs", len(runs)).
		Int("succeeded", summary.Succeeded()).
		Int("failed", summary.Failed()).
		Dur("duration", summary.Duration).
		Msg("All runs finished")
	return summary
}

func (o *Orchestrator) runOne(ctx context.Context, req RunRequest) RunSummary {
	rs := RunSummary{Retailer: req.Retailer, WeekKey: req.WeekKey, Status: StatusFailed}

	if req.Source.Kind == "" && o.load != nil {
		src, err := o.load(ctx, req.Retailer, req.WeekKey)
		if err != nil {
			o.logger.Error().Str("retailer", string(req.Retailer)).Err(err).Msg("Source load failed")
			o.metrics.IncRun(string(req.Retailer), StatusFailed)
			emitFinal(ctx, o.logger, req, domain.StreamEvent{Type: domain.EventError, Payload: err.Error()})
			rs.Err, rs.Error = err, err.Error()
			return rs
		}
		req.Source = src
	}

	res, err := o.pipeline.Run(ctx, req)
	rs.Result = res
	if err != nil {
		rs.Err, rs.Error = err, err.Error()
		return rs
	}
	rs.Status = res.Status
	rs.Stored = res.Stored
	return rs
}

// recovered turns a panic inside one run into that retailer's failure.
func (o *Orchestrator) recovered(ctx context.Context, req RunRequest, r any) RunSummary {
	err := fmt.Errorf("%s run panicked: %v", req.Retailer, r)
	o.logger.Error().
		Str("retailer", string(req.Retailer)).
		Str("stack", string(debug.Stack())).
		Err(err).
		Msg("Run panicked")
	o.metrics.IncRun(string(req.Retailer), StatusFailed)
	emitFinal(ctx, o.logger, req, domain.StreamEvent{Type: domain.EventError, Payload: err.Error()})
	return RunSummary{
		Retailer: req.Retailer,
		WeekKey:  req.WeekKey,
		Status:   StatusFailed,
		Err:      err,
		Error:    err.Error(),
	}
}
