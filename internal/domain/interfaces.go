package domain

import "context"

// Renderer is the browser-automation/crawl collaborator.
type Renderer interface {
	// Render loads url and returns its HTML, image references and a markdown rendition.
	Render(ctx context.Context, url string, opts RenderOptions) (*RenderResult, error)
}

// Rasterizer turns PDF bytes into page images.
type Rasterizer interface {
	// Rasterize returns one image per page, numbered from 1.
	Rasterize(ctx context.Context, pdf []byte) ([]ImageRef, error)

	// Cleanup removes temporary files created during rasterization
	Cleanup() error
}

// OCR is the optical character recognition collaborator.
type OCR interface {
	Recognize(ctx context.Context, image ImageRef) (string, error)
}

// VisionLLM is the LLM extraction collaborator. It returns the raw model
// output for one image; an empty string or "null" means no product was visible.
type VisionLLM interface {
	ExtractProducts(ctx context.Context, image ImageRef, instructions string) (string, error)
}

// SourceAdapter normalizes raw retailer input. It never fails; unusable
// input is reported as NormalizedUnknown.
type SourceAdapter interface {
	Adapt(ctx context.Context, src RawSource) Normalized
}
