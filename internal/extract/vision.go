package extract

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spherical/flyer-offers/internal/cache"
	"github.com/spherical/flyer-offers/internal/dedup"
	"github.com/spherical/flyer-offers/internal/dispatch"
	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/metrics"
	"github.com/spherical/flyer-offers/internal/observability"
)

var codeFencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// ErrUnparseable marks a model response that holds no JSON at all.
var ErrUnparseable = errors.New("response is not JSON")

// ParseVisionResponse decodes a model response into product objects.
// It accepts null, an empty string, an object, an array and
// {"products"|"items"|"offers": [...]}, optionally wrapped in a code fence
// or surrounded by prose.
func ParseVisionResponse(raw string) ([]map[string]interface{}, error) {
	s := strings.TrimSpace(raw)
	if m := codeFencePattern.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if s == "" || s == "null" {
		return nil, nil
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return nil, ErrUnparseable
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end < start {
		return nil, ErrUnparseable
	}

	dec := json.NewDecoder(strings.NewReader(s[start : end+1]))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return productObjects(v), nil
}

func productObjects(v interface{}) []map[string]interface{} {
	switch t := v.(type) {
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]interface{}:
		// A titled object is a product even when it carries schema.org "offers".
		if _, ok := lookup(t, titleKeys...); ok {
			return []map[string]interface{}{t}
		}
		for _, key := range []string{"products", "items", "offers"} {
			if inner, ok := t[key]; ok {
				if _, isList := inner.([]interface{}); isList || inner == nil {
					return productObjects(inner)
				}
			}
		}
		if _, ok := lookup(t, priceKeys...); ok {
			return []map[string]interface{}{t}
		}
	}
	return nil
}

// VisionOptions parameterizes one vision pass.
type VisionOptions struct {
	Retailer  domain.Retailer
	Reference time.Time
	Brands    *BrandTable
	Progress  dispatch.ProgressFunc
}

// VisionExtractor sends every image to the vision model through the batch
// dispatcher and caches successfully parsed responses.
type VisionExtractor struct {
	llm          domain.VisionLLM
	dispatcher   *dispatch.Dispatcher
	cache        cache.Client
	cacheTTL     time.Duration
	model        string
	instructions string
	metrics      *metrics.Metrics
	logger       *observability.Logger
}

// VisionConfig wires the collaborators of a VisionExtractor. Cache is optional.
type VisionConfig struct {
	LLM          domain.VisionLLM
	Dispatcher   *dispatch.Dispatcher
	Cache        cache.Client
	CacheTTL     time.Duration
	Model        string
	Instructions string
	Metrics      *metrics.Metrics
	Logger       *observability.Logger
}

// NewVisionExtractor creates a vision extractor.
func NewVisionExtractor(cfg VisionConfig) *VisionExtractor {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	return &VisionExtractor{
		llm:          cfg.LLM,
		dispatcher:   cfg.Dispatcher,
		cache:        cfg.Cache,
		cacheTTL:     cfg.CacheTTL,
		model:        cfg.Model,
		instructions: cfg.Instructions,
		metrics:      cfg.Metrics,
		logger:       logger.WithOperation("vision"),
	}
}

// Extract runs one vision request per image. Failed units are reported in
// the result and contribute no candidates.
func (e *VisionExtractor) Extract(ctx context.Context, images []domain.ImageRef, opts VisionOptions) dispatch.Result {
	if opts.Brands == nil {
		opts.Brands = NewBrandTable(nil)
	}
	fo := fieldOptions{retailer: opts.Retailer, reference: opts.Reference, brands: opts.Brands}

	work := func(ctx context.Context, image domain.ImageRef) ([]domain.Candidate, error) {
		raw, err := e.response(ctx, image)
		if err != nil {
			return nil, err
		}

		products, err := ParseVisionResponse(raw)
		if err != nil {
			e.logger.Warn().
				Str("image", image.Label()).
				Err(err).
				Msg("unparseable model response, no candidates for this image")
			return nil, nil
		}
		e.store(ctx, image, raw)

		cands := make([]domain.Candidate, 0, len(products))
		for _, p := range products {
			c := candidateFromFields(p, fo)
			c.Page = image.Page
			if c.ImageURL == "" {
				c.ImageURL = image.URL
			}
			c.Provenance = provenance("llm", image.Page)
			cands = append(cands, c)
		}
		return dedup.Loose(cands), nil
	}

	return e.dispatcher.Run(ctx, images, work, opts.Progress)
}

// response returns the cached model output for image or calls the model.
func (e *VisionExtractor) response(ctx context.Context, image domain.ImageRef) (string, error) {
	key := e.cacheKey(image)
	if e.cache != nil && key != "" {
		data, err := e.cache.Get(ctx, key)
		switch {
		case err == nil:
			e.metrics.IncCache("hit")
			return string(data), nil
		case errors.Is(err, cache.ErrCacheMiss):
			e.metrics.IncCache("miss")
		default:
			e.metrics.IncCache("error")
			e.logger.Warn().Err(err).Str("key", key).Msg("cache lookup failed")
		}
	}

	return e.llm.ExtractProducts(ctx, image, e.instructions)
}

func (e *VisionExtractor) store(ctx context.Context, image domain.ImageRef, raw string) {
	if e.cache == nil {
		return
	}
	key := e.cacheKey(image)
	if key == "" {
		return
	}
	if err := e.cache.Set(ctx, key, []byte(raw), e.cacheTTL); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("cache store failed")
	}
}

// cacheKey hashes the image bytes; URL-only images are keyed by their URL.
func (e *VisionExtractor) cacheKey(image domain.ImageRef) string {
	switch {
	case len(image.Data) > 0:
		return cache.ExtractionKey(e.model, image.Data)
	case image.Path != "":
		data, err := os.ReadFile(image.Path)
		if err != nil {
			return ""
		}
		return cache.ExtractionKey(e.model, data)
	case image.URL != "":
		return cache.ExtractionKey(e.model, []byte(image.URL))
	default:
		return ""
	}
}
