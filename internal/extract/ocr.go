package extract

import (
	"context"

	"github.com/spherical/flyer-offers/internal/dedup"
	"github.com/spherical/flyer-offers/internal/dispatch"
	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/observability"
)

// OCRExtractor recognizes page text and runs the text parser over it.
type OCRExtractor struct {
	ocr        domain.OCR
	dispatcher *dispatch.Dispatcher
	logger     *observability.Logger
}

// NewOCRExtractor creates an OCR extractor.
func NewOCRExtractor(ocr domain.OCR, d *dispatch.Dispatcher, logger *observability.Logger) *OCRExtractor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &OCRExtractor{ocr: ocr, dispatcher: d, logger: logger.WithOperation("ocr")}
}

// Extract OCRs every image through the dispatcher. Candidates keep their page
// and are loosely deduplicated across pages.
func (e *OCRExtractor) Extract(ctx context.Context, images []domain.ImageRef, opts TextOptions, progress dispatch.ProgressFunc) dispatch.Result {
	work := func(ctx context.Context, image domain.ImageRef) ([]domain.Candidate, error) {
		text, err := e.ocr.Recognize(ctx, image)
		if err != nil {
			return nil, err
		}

		pageOpts := opts
		pageOpts.Source = "ocr"
		cands := ParseText(text, pageOpts)
		for i := range cands {
			cands[i].Page = image.Page
			cands[i].Provenance = provenance("ocr", image.Page)
		}

		e.logger.Debug().
			Int("page", image.Page).
			Int("chars", len(text)).
			Int("candidates", len(cands)).
			Msg("page recognized")
		return cands, nil
	}

	res := e.dispatcher.Run(ctx, images, work, progress)
	res.Candidates = dedup.Loose(res.Candidates)
	return res
}
