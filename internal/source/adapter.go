// Package source turns raw retailer input into one of the shapes the
// extractor understands: plain text, page images or structured records.
package source

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/observability"
	"github.com/spherical/flyer-offers/internal/pdf"
)

// DefaultScriptIDs are the hydration script elements scanned for product JSON.
var DefaultScriptIDs = []string{"__NEXT_DATA__", "__NUXT_DATA__"}

var sidecarExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

// Options configures an Adapter.
type Options struct {
	// AssetsDir holds pre-rendered page images under <retailer>/<week>/.
	AssetsDir string
	// ScriptIDs adds per-retailer script ids to DefaultScriptIDs.
	ScriptIDs map[domain.Retailer][]string
}

// Adapter implements domain.SourceAdapter.
type Adapter struct {
	rasterizer domain.Rasterizer
	validator  *pdf.Validator
	opts       Options
	logger     *observability.Logger
}

var _ domain.SourceAdapter = (*Adapter)(nil)

// NewAdapter creates an adapter. rasterizer may be nil when no PDF sources
// are configured.
func NewAdapter(rasterizer domain.Rasterizer, opts Options, logger *observability.Logger) *Adapter {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Adapter{
		rasterizer: rasterizer,
		validator:  pdf.NewValidator(),
		opts:       opts,
		logger:     logger.WithOperation("source"),
	}
}

// Adapt normalizes src. Unusable input comes back as NormalizedUnknown with
// a reason; it never fails.
func (a *Adapter) Adapt(ctx context.Context, src domain.RawSource) domain.Normalized {
	var out domain.Normalized
	switch src.Kind {
	case domain.SourcePDF:
		out = a.adaptPDF(ctx, src)
	case domain.SourceHTML:
		out = a.adaptHTML(src)
	case domain.SourceRender:
		out = a.adaptRender(src)
	case domain.SourceText:
		out = a.adaptText(src)
	case domain.SourceImages:
		out = adaptImages(src.Images)
	case "":
		out = domain.UnknownSource("missing source kind")
	default:
		out = domain.UnknownSource("unsupported source kind %q", src.Kind)
	}

	ev := a.logger.Debug().
		Str("retailer", string(src.Retailer)).
		Str("week", string(src.WeekKey)).
		Str("input", string(src.Kind)).
		Str("kind", string(out.Kind))
	if out.Kind == domain.NormalizedUnknown {
		ev = ev.Str("reason", out.Reason)
	}
	ev.Msg("Source adapted")
	return out
}

func (a *Adapter) adaptPDF(ctx context.Context, src domain.RawSource) domain.Normalized {
	if images := a.sidecarImages(src.Retailer, src.WeekKey); len(images) > 0 {
		a.logger.Info().
			Str("retailer", string(src.Retailer)).
			Int("pages", len(images)).
			Msg("Using pre-rendered page images")
		return domain.ImageSource(images)
	}

	data := src.Data
	if len(data) == 0 && src.Path != "" {
		if err := a.validator.ValidatePDFPath(src.Path); err != nil {
			return domain.UnknownSource("pdf: %v", err)
		}
		var err error
		if data, err = os.ReadFile(src.Path); err != nil {
			return domain.UnknownSource("read pdf: %v", err)
		}
	}
	if err := a.validator.ValidatePDFBytes(data); err != nil {
		return domain.UnknownSource("pdf: %v", err)
	}
	if a.rasterizer == nil {
		return domain.UnknownSource("pdf: no rasterizer configured")
	}

	images, err := a.rasterizer.Rasterize(ctx, data)
	if err != nil {
		return domain.UnknownSource("rasterize pdf: %v", err)
	}
	if len(images) == 0 {
		return domain.UnknownSource("pdf has no pages")
	}
	return domain.ImageSource(images)
}

// sidecarImages lists <assets>/<retailer>/<week>/*.{jpg,jpeg,png} sorted by
// name. Page numbers follow the sorted position.
func (a *Adapter) sidecarImages(retailer domain.Retailer, week domain.WeekKey) []domain.ImageRef {
	if a.opts.AssetsDir == "" || retailer == "" || week == "" {
		return nil
	}
	dir := filepath.Join(a.opts.AssetsDir, strings.ToLower(string(retailer)), string(week))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := sidecarExtensions[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	images := make([]domain.ImageRef, len(names))
	for i, name := range names {
		images[i] = domain.ImageRef{
			Page:     i + 1,
			Path:     filepath.Join(dir, name),
			MIMEType: sidecarExtensions[strings.ToLower(filepath.Ext(name))],
		}
	}
	return images
}

func (a *Adapter) adaptHTML(src domain.RawSource) domain.Normalized {
	data, err := readInput(src)
	if err != nil {
		return domain.UnknownSource("read html: %v", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return domain.UnknownSource("empty html")
	}
	if out, ok := a.fromHTML(src.Retailer, string(data)); ok {
		return out
	}
	return domain.UnknownSource("html has no product data or visible text")
}

func (a *Adapter) adaptRender(src domain.RawSource) domain.Normalized {
	r := src.Render
	if r == nil {
		return domain.UnknownSource("render result missing")
	}
	if strings.TrimSpace(r.HTML) != "" {
		if out, ok := a.fromHTML(src.Retailer, r.HTML); ok {
			return out
		}
	}
	if md := strings.TrimSpace(r.Markdown); md != "" {
		return domain.TextSource(md)
	}
	if len(r.Images) > 0 {
		return adaptImages(r.Images)
	}
	return domain.UnknownSource("render result is empty")
}

// fromHTML prefers embedded product JSON over visible text.
func (a *Adapter) fromHTML(retailer domain.Retailer, doc string) (domain.Normalized, bool) {
	scan, err := scanHTML(doc, a.scriptIDs(retailer))
	if err != nil {
		return domain.UnknownSource("parse html: %v", err), true
	}
	if len(scan.Records) > 0 {
		return domain.StructuredSource(scan.Records), true
	}
	if scan.Text != "" {
		return domain.TextSource(scan.Text), true
	}
	return domain.Normalized{}, false
}

func (a *Adapter) scriptIDs(retailer domain.Retailer) []string {
	ids := append([]string(nil), DefaultScriptIDs...)
	return append(ids, a.opts.ScriptIDs[retailer]...)
}

func (a *Adapter) adaptText(src domain.RawSource) domain.Normalized {
	data, err := readInput(src)
	if err != nil {
		return domain.UnknownSource("read text: %v", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return domain.UnknownSource("empty text")
	}
	return domain.TextSource(text)
}

// adaptImages passes a non-empty image list through, numbering pages that
// arrive without one.
func adaptImages(images []domain.ImageRef) domain.Normalized {
	if len(images) == 0 {
		return domain.UnknownSource("empty image list")
	}
	out := make([]domain.ImageRef, len(images))
	for i, img := range images {
		if img.Page == 0 {
			img.Page = i + 1
		}
		out[i] = img
	}
	return domain.ImageSource(out)
}

func readInput(src domain.RawSource) ([]byte, error) {
	if len(src.Data) > 0 || src.Path == "" {
		return src.Data, nil
	}
	return os.ReadFile(src.Path)
}
