package extract

import (
	"context"
	"fmt"

	"github.com/spherical/flyer-offers/internal/dispatch"
	"github.com/spherical/flyer-offers/internal/domain"
)

// Image strategies.
const (
	StrategyLLM        = "llm"
	StrategyOCR        = "ocr"
	StrategyText       = "text"
	StrategyStructured = "structured"
)

// Request describes one extraction over a normalized source.
type Request struct {
	Normalized    domain.Normalized
	ImageStrategy string
	Text          TextOptions
	Progress      dispatch.ProgressFunc
}

// Outcome is the result of one extraction.
type Outcome struct {
	Candidates []domain.Candidate
	Strategy   string
	// Dispatch is set for image strategies.
	Dispatch *dispatch.Result
}

// Extractor picks a strategy by the kind of normalized source.
type Extractor struct {
	vision *VisionExtractor
	ocr    *OCRExtractor
}

// NewExtractor creates an extractor. Either image strategy may be nil when
// it is not configured.
func NewExtractor(vision *VisionExtractor, ocr *OCRExtractor) *Extractor {
	return &Extractor{vision: vision, ocr: ocr}
}

// Extract runs the strategy for req.Normalized. Only an unknown source or a
// missing image strategy is an error; unit failures are in Outcome.Dispatch.
func (e *Extractor) Extract(ctx context.Context, req Request) (Outcome, error) {
	n := req.Normalized
	opts := req.Text

	switch n.Kind {
	case domain.NormalizedText:
		return Outcome{Candidates: ParseText(n.Text, opts), Strategy: StrategyText}, nil

	case domain.NormalizedStructured:
		cands := FromRecords(n.Records, StructuredOptions{
			Retailer:  opts.Retailer,
			Reference: opts.Reference,
			Brands:    opts.Brands,
		})
		return Outcome{Candidates: cands, Strategy: StrategyStructured}, nil

	case domain.NormalizedImages:
		return e.extractImages(ctx, req)

	default:
		reason := n.Reason
		if reason == "" {
			reason = "no usable content"
		}
		return Outcome{}, domain.ExtractionError("unknown source: "+reason, nil)
	}
}

func (e *Extractor) extractImages(ctx context.Context, req Request) (Outcome, error) {
	strategy := req.ImageStrategy
	if strategy == "" {
		strategy = StrategyLLM
	}

	var res dispatch.Result
	switch strategy {
	case StrategyLLM:
		if e.vision == nil {
			return Outcome{}, domain.ConfigError("vision extraction is not configured", nil)
		}
		res = e.vision.Extract(ctx, req.Normalized.Images, VisionOptions{
			Retailer:  req.Text.Retailer,
			Reference: req.Text.Reference,
			Brands:    req.Text.Brands,
			Progress:  req.Progress,
		})
	case StrategyOCR:
		if e.ocr == nil {
			return Outcome{}, domain.ConfigError("ocr extraction is not configured", nil)
		}
		res = e.ocr.Extract(ctx, req.Normalized.Images, req.Text, req.Progress)
	default:
		return Outcome{}, domain.ConfigError(fmt.Sprintf("unknown image strategy %q", strategy), nil)
	}

	return Outcome{Candidates: res.Candidates, Strategy: strategy, Dispatch: &res}, nil
}
