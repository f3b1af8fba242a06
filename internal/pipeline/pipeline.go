// Package pipeline runs one retailer's weekly flyer through adaptation,
// extraction, validation, deduplication, normalization and storage, and
// schedules such runs across retailers.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/flyer-offers/internal/dedup"
	"github.com/spherical/flyer-offers/internal/dispatch"
	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/extract"
	"github.com/spherical/flyer-offers/internal/metrics"
	"github.com/spherical/flyer-offers/internal/normalize"
	"github.com/spherical/flyer-offers/internal/observability"
	"github.com/spherical/flyer-offers/internal/storage"
	"github.com/spherical/flyer-offers/internal/validate"
)

// Stage names used for timings and events.
const (
	StageAdapt     = "adapt"
	StageExtract   = "extract"
	StageValidate  = "validate"
	StageDedup     = "dedup"
	StageNormalize = "normalize"
	StageStore     = "store"
)

// Run statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Profile is the per-retailer extraction setup.
type Profile struct {
	ImageStrategy string
	WindowBefore  int
	WindowAfter   int
	Boilerplate   []string
	Brands        *extract.BrandTable
}

// ProfileFunc returns the profile of a retailer.
type ProfileFunc func(domain.Retailer) Profile

// Config wires the collaborators of a Pipeline.
type Config struct {
	Adapter    domain.SourceAdapter
	Extractor  *extract.Extractor
	Normalizer *normalize.Normalizer
	Store      storage.Store
	Profiles   ProfileFunc
	Metrics    *metrics.Metrics
	Logger     *observability.Logger
}

// Pipeline runs the stages for one (retailer, weekKey) at a time. It holds
// no per-run state and is safe for concurrent runs.
type Pipeline struct {
	adapter    domain.SourceAdapter
	extractor  *extract.Extractor
	normalizer *normalize.Normalizer
	store      storage.Store
	profiles   ProfileFunc
	metrics    *metrics.Metrics
	logger     *observability.Logger
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	normalizer := cfg.Normalizer
	if normalizer == nil {
		normalizer = normalize.New(nil)
	}
	return &Pipeline{
		adapter:    cfg.Adapter,
		extractor:  cfg.Extractor,
		normalizer: normalizer,
		store:      cfg.Store,
		profiles:   cfg.Profiles,
		metrics:    cfg.Metrics,
		logger:     logger.WithOperation("pipeline"),
	}
}

// RunRequest is one (retailer, weekKey) run.
type RunRequest struct {
	Retailer domain.Retailer
	WeekKey  domain.WeekKey
	Source   domain.RawSource
	// Events receives progress events. Stage and unit events are dropped
	// when the channel is full. The final RunComplete or Error event waits
	// for room until ctx is done.
	Events chan<- domain.StreamEvent
}

// UnitCounts summarizes dispatched image units.
type UnitCounts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retries   int `json:"retries"`
}

// RunResult reports the counts of one run.
type RunResult struct {
	RunID          string          `json:"run_id"`
	Retailer       domain.Retailer `json:"retailer"`
	WeekKey        domain.WeekKey  `json:"week_key"`
	Status         string          `json:"status"`
	Strategy       string          `json:"strategy,omitempty"`
	Extracted      int             `json:"extracted"`
	Valid          int             `json:"valid"`
	Rejected       int             `json:"rejected"`
	Rejections     map[string]int  `json:"rejections,omitempty"`
	FieldsDropped  map[string]int  `json:"fields_dropped,omitempty"`
	Unique         int             `json:"unique"`
	Collapsed      int             `json:"collapsed"`
	NearDuplicates int             `json:"near_duplicates"`
	Stored         int             `json:"stored"`
	Units          *UnitCounts     `json:"units,omitempty"`
	Duration       time.Duration   `json:"duration"`
	Warnings       []string        `json:"warnings,omitempty"`
}

// Run executes the stages in order. A returned error means the partition
// was left untouched: the source was unusable, every image unit failed, the
// context ended or the store rejected the write. The result is non-nil even
// then and carries the counts reached so far.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	start := time.Now()
	res := &RunResult{
		RunID:    uuid.NewString(),
		Retailer: req.Retailer,
		WeekKey:  req.WeekKey,
		Status:   StatusFailed,
	}

	ctx = observability.ContextWithRunID(ctx, res.RunID)
	logger := p.logger.WithRetailer(string(req.Retailer)).WithRun(res.RunID)

	fail := func(err error) (*RunResult, error) {
		res.Duration = time.Since(start)
		p.metrics.IncRun(string(req.Retailer), StatusFailed)
		emitFinal(ctx, logger, req, domain.StreamEvent{Type: domain.EventError, Payload: err.Error()})
		logger.Error().Err(err).Dur("duration", res.Duration).Msg("Run failed")
		return res, err
	}

	if _, err := domain.ParseRetailer(string(req.Retailer)); err != nil {
		return fail(err)
	}
	if _, err := domain.ParseWeekKey(string(req.WeekKey)); err != nil {
		return fail(domain.ValidationError("invalid week key", err))
	}
	if p.adapter == nil || p.extractor == nil || p.store == nil {
		return fail(domain.ConfigError("pipeline is missing a collaborator", nil))
	}

	p.emitEvent(logger, req, domain.StreamEvent{Type: domain.EventRunStart, Payload: string(req.Source.Kind)})
	logger.Info().Str("week", string(req.WeekKey)).Str("input", string(req.Source.Kind)).Msg("Run started")

	profile := p.profile(req.Retailer)
	// Dates printed without a year resolve against the run's week, not the
	// wall clock, so reruns of an old week give the same result.
	ref := req.WeekKey.Monday()

	// Adapt
	src := req.Source
	src.Retailer, src.WeekKey = req.Retailer, req.WeekKey
	var normalized domain.Normalized
	p.stage(logger, req, StageAdapt, func() int {
		normalized = p.adapter.Adapt(ctx, src)
		return 0
	})
	if normalized.Kind == domain.NormalizedUnknown {
		return fail(domain.ExtractionError("unknown source: "+normalized.Reason, nil))
	}

	// Extract
	var (
		outcome    extract.Outcome
		extractErr error
	)
	p.stage(logger, req, StageExtract, func() int {
		outcome, extractErr = p.extractor.Extract(ctx, extract.Request{
			Normalized:    normalized,
			ImageStrategy: profile.ImageStrategy,
			Text: extract.TextOptions{
				Retailer:    req.Retailer,
				Before:      profile.WindowBefore,
				After:       profile.WindowAfter,
				Boilerplate: profile.Boilerplate,
				Brands:      profile.Brands,
				Reference:   ref,
				Source:      "text",
			},
			Progress: p.progress(logger, req),
		})
		return len(outcome.Candidates)
	})
	if extractErr != nil {
		return fail(extractErr)
	}
	res.Strategy = outcome.Strategy
	res.Extracted = len(outcome.Candidates)
	p.metrics.AddCandidates(string(req.Retailer), StageExtract, res.Extracted)

	if d := outcome.Dispatch; d != nil {
		res.Units = &UnitCounts{Total: d.Total, Succeeded: d.Succeeded, Failed: d.Failed, Retries: d.Retries}
		for _, f := range d.Failures {
			res.Warnings = append(res.Warnings, f.String())
		}
		if d.AllFailed() && res.Extracted == 0 {
			var cause error
			if len(d.Failures) > 0 {
				cause = d.Failures[0].Err
			}
			return fail(domain.ExtractionError(fmt.Sprintf("all %d image units failed", d.Total), cause))
		}
	}
	// A canceled run may have dropped units; never replace a partition with it.
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	normalizer := *p.normalizer
	if profile.Brands != nil {
		normalizer.Brands = profile.Brands
	}

	// Validate
	var valid []domain.Candidate
	p.stage(logger, req, StageValidate, func() int {
		var report validate.Report
		completed := normalizer.Complete(req.WeekKey, outcome.Candidates)
		valid, report = validate.Validate(completed)
		res.Valid, res.Rejected = report.Accepted, report.Rejected
		res.Rejections, res.FieldsDropped = report.Reasons, report.FieldsDropped
		for reason, n := range report.Reasons {
			p.metrics.AddRejections(reason, n)
		}
		return res.Valid
	})
	p.metrics.AddCandidates(string(req.Retailer), StageValidate, res.Valid)
	if res.Rejected > 0 {
		logger.Info().
			Int("rejected", res.Rejected).
			Interface("reasons", res.Rejections).
			Msg("Candidates rejected")
	}

	// Deduplicate
	var exact dedup.ExactResult
	p.stage(logger, req, StageDedup, func() int {
		exact = dedup.Exact(valid)
		return len(exact.Unique)
	})
	res.Unique, res.Collapsed, res.NearDuplicates = len(exact.Unique), exact.Collapsed, len(exact.NearDuplicates)
	p.metrics.AddCandidates(string(req.Retailer), StageDedup, res.Unique)
	for _, nd := range exact.NearDuplicates {
		logger.Debug().Str("loose_key", nd.LooseKey).Strs("exact_keys", nd.ExactKeys).Msg("Near duplicate kept")
	}

	// Normalize
	var offers []domain.Offer
	p.stage(logger, req, StageNormalize, func() int {
		offers = normalizer.Normalize(req.Retailer, req.WeekKey, exact.Unique)
		return len(offers)
	})

	// Store
	var storeErr error
	p.stage(logger, req, StageStore, func() int {
		storeErr = p.store.Upsert(ctx, req.Retailer, req.WeekKey, offers)
		return len(offers)
	})
	if storeErr != nil {
		return fail(fmt.Errorf("store %s/%s: %w", req.Retailer, req.WeekKey, storeErr))
	}
	res.Stored = len(offers)
	p.metrics.SetStored(string(req.Retailer), res.Stored)

	res.Status = StatusSuccess
	if res.Units != nil && res.Units.Failed > 0 {
		res.Status = StatusPartial
	}
	res.Duration = time.Since(start)
	p.metrics.IncRun(string(req.Retailer), res.Status)

	emitFinal(ctx, logger, req, domain.StreamEvent{Type: domain.EventRunComplete, Payload: res})
	logger.Info().
		Str("status", res.Status).
		Str("strategy", res.Strategy).
		Int("extracted", res.Extracted).
		Int("valid", res.Valid).
		Int("unique", res.Unique).
		Int("stored", res.Stored).
		Dur("duration", res.Duration).
		Msg("Run complete")

	return res, nil
}

func (p *Pipeline) profile(r domain.Retailer) Profile {
	var prof Profile
	if p.profiles != nil {
		prof = p.profiles(r)
	}
	if prof.WindowBefore == 0 && prof.WindowAfter == 0 {
		def := extract.DefaultTextOptions()
		prof.WindowBefore, prof.WindowAfter = def.Before, def.After
	}
	if prof.Brands == nil {
		prof.Brands = extract.NewBrandTable(nil)
	}
	return prof
}

// stage times fn and reports its output count.
func (p *Pipeline) stage(logger *observability.Logger, req RunRequest, name string, fn func() int) {
	start := time.Now()
	n := fn()
	d := time.Since(start)
	p.metrics.ObserveStage(name, d)
	logger.Debug().Str("stage", name).Int("count", n).Dur("duration", d).Msg("Stage complete")
	p.emitEvent(logger, req, domain.StreamEvent{Type: domain.EventStageComplete, Stage: name, Total: n})
}

func (p *Pipeline) progress(logger *observability.Logger, req RunRequest) dispatch.ProgressFunc {
	if req.Events == nil {
		return nil
	}
	return func(done, total int, image domain.ImageRef, err error) {
		ev := domain.StreamEvent{
			Type:       domain.EventUnitComplete,
			Stage:      StageExtract,
			PageNumber: image.Page,
			Total:      total,
			Payload:    done,
		}
		if err != nil {
			ev.Payload = err.Error()
		}
		p.emitEvent(logger, req, ev)
	}
}

// emitEvent safely emits an event to the channel
func (p *Pipeline) emitEvent(logger *observability.Logger, req RunRequest, event domain.StreamEvent) {
	if req.Events == nil {
		return
	}
	event.Retailer, event.WeekKey = req.Retailer, req.WeekKey
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case req.Events <- event:
	default:
		logger.Warn().Str("event", string(event.Type)).Msg("Event channel full, dropping event")
	}
}

// emitFinal delivers the event that ends a run. Progress displays count these,
// so it is only dropped once ctx is done.
func emitFinal(ctx context.Context, logger *observability.Logger, req RunRequest, event domain.StreamEvent) {
	if req.Events == nil {
		return
	}
	event.Retailer, event.WeekKey = req.Retailer, req.WeekKey
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case req.Events <- event:
		return
	default:
	}
	select {
	case req.Events <- event:
	case <-ctx.Done():
		logger.Warn().Str("event", string(event.Type)).Msg("Run canceled, dropping event")
	}
}
