package extract

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/flyer-offers/internal/cache"
	"github.com/spherical/flyer-offers/internal/dispatch"
	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/llm"
)

type fakeVision struct {
	mu        sync.Mutex
	responses map[int]string
	errs      map[int]error
	calls     int
}

func (f *fakeVision) ExtractProducts(ctx context.Context, image domain.ImageRef, instructions string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[image.Page]; err != nil {
		return "", err
	}
	return f.responses[image.Page], nil
}

func testDispatcher() *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{BatchSize: 5}, nil, nil)
}

func visionOpts() VisionOptions {
	return VisionOptions{
		Retailer:  domain.RetailerRewe,
		Reference: time.Date(2025, time.November, 24, 0, 0, 0, 0, time.UTC),
	}
}

func TestParseVisionResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"null", "null", 0},
		{"empty", "  ", 0},
		{"empty array", "[]", 0},
		{"products wrapper", `{"products":[{"title":"Cola","price":1.29},{"title":"Fanta","price":1.19}]}`, 2},
		{"null products", `{"products":null}`, 0},
		{"items wrapper", `{"items":[{"name":"Cola","price":"1,29 €"}]}`, 1},
		{"single object", `{"title":"Cola","price":1.29}`, 1},
		{"array", `[{"title":"Cola","price":1.29}]`, 1},
		{"code fence", "```json\n[{\"name\":\"Cola\",\"price\":1.29}]\n```", 1},
		{"prose around json", `Here are the offers: {"products": [{"title":"Cola","price":1.29}]} Hope this helps.`, 1},
		{"fenced null", "```json\nnull\n```", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			products, err := ParseVisionResponse(tt.raw)
			require.NoError(t, err)
			assert.Len(t, products, tt.want)
		})
	}
}

func TestParseVisionResponseUnparseable(t *testing.T) {
	_, err := ParseVisionResponse("I cannot see any products on this page.")
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = ParseVisionResponse(`{"products": [`)
	assert.Error(t, err)
}

func TestVisionExtractorMapsProducts(t *testing.T) {
	fv := &fakeVision{responses: map[int]string{
		2: `{"products":[{"title":"Milka Alpenmilch","price":"0,99 €","original_price":1.49,` +
			`"unit":"100 g","price_type":"regular","validity_text":"gültig ab 24.11."}]}`,
	}}
	e := NewVisionExtractor(VisionConfig{LLM: fv, Dispatcher: testDispatcher(), Model: "test-model", Instructions: llm.ProductInstructions})

	res := e.Extract(context.Background(), []domain.ImageRef{{Page: 2, Data: []byte("page-2")}}, visionOpts())

	require.Len(t, res.Candidates, 1)
	c := res.Candidates[0]
	assert.Equal(t, domain.RetailerRewe, c.Retailer)
	assert.Equal(t, "Milka Alpenmilch", c.Title)
	assert.Equal(t, "Milka", c.Brand)
	assert.Equal(t, "0.99", c.Price.StringFixed(2))
	require.NotNil(t, c.OriginalPrice)
	assert.Equal(t, "1.49", c.OriginalPrice.StringFixed(2))
	assert.Equal(t, "100 g", c.Unit)
	assert.Empty(t, c.PriceType)
	require.NotNil(t, c.ValidFrom)
	assert.Equal(t, "2025-11-24", c.ValidFrom.String())
	assert.Equal(t, "2025-11-30", c.ValidTo.String())
	assert.Equal(t, 2, c.Page)
	assert.Equal(t, "llm:page 2", c.Provenance)
}

func TestVisionExtractorNullResponse(t *testing.T) {
	fv := &fakeVision{responses: map[int]string{1: "null"}}
	e := NewVisionExtractor(VisionConfig{LLM: fv, Dispatcher: testDispatcher()})

	res := e.Extract(context.Background(), []domain.ImageRef{{Page: 1, Data: []byte("x")}}, visionOpts())

	assert.Empty(t, res.Candidates)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Failed)
}

func TestVisionExtractorUnparseableIsNotAFailure(t *testing.T) {
	fv := &fakeVision{responses: map[int]string{1: "Sorry, I can't help with that."}}
	mem := cache.NewMemoryClient(10, time.Hour)
	e := NewVisionExtractor(VisionConfig{LLM: fv, Dispatcher: testDispatcher(), Cache: mem, CacheTTL: time.Hour, Model: "m"})

	res := e.Extract(context.Background(), []domain.ImageRef{{Page: 1, Data: []byte("x")}}, visionOpts())

	assert.Empty(t, res.Candidates)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, mem.Len(), "unparseable responses are not cached")
}

func TestVisionExtractorUsesCache(t *testing.T) {
	fv := &fakeVision{responses: map[int]string{1: `[{"title":"Bananen","price":1.29}]`}}
	mem := cache.NewMemoryClient(10, time.Hour)
	e := NewVisionExtractor(VisionConfig{LLM: fv, Dispatcher: testDispatcher(), Cache: mem, CacheTTL: time.Hour, Model: "m"})
	images := []domain.ImageRef{{Page: 1, Data: []byte("same bytes")}}

	first := e.Extract(context.Background(), images, visionOpts())
	second := e.Extract(context.Background(), images, visionOpts())

	assert.Equal(t, 1, fv.calls)
	assert.Equal(t, first.Candidates, second.Candidates)

	_, err := mem.Get(context.Background(), cache.ExtractionKey("m", []byte("same bytes")))
	assert.NoError(t, err)
}

func TestVisionExtractorPartialFailure(t *testing.T) {
	fv := &fakeVision{
		responses: map[int]string{1: `[{"title":"Bananen","price":1.29}]`},
		errs:      map[int]error{2: domain.StatusError(400, "bad image")},
	}
	e := NewVisionExtractor(VisionConfig{LLM: fv, Dispatcher: testDispatcher()})

	res := e.Extract(context.Background(), []domain.ImageRef{{Page: 1, URL: "https://x/1.jpg"}, {Page: 2, URL: "https://x/2.jpg"}}, visionOpts())

	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "https://x/1.jpg", res.Candidates[0].ImageURL)
	assert.Equal(t, 1, res.Failed)
}

func TestFromRecords(t *testing.T) {
	records := []domain.RawRecord{
		{
			Source: "ld+json",
			Fields: map[string]interface{}{
				"@type": "Product",
				"name":  "Irische Butter",
				"brand": map[string]interface{}{"@type": "Brand", "name": "Kerrygold"},
				"image": []interface{}{"https://cdn.example/butter.jpg"},
				"offers": map[string]interface{}{
					"price":           "2.29",
					"priceValidUntil": "2025-11-29",
				},
			},
		},
		{
			Source: "__NEXT_DATA__",
			Fields: map[string]interface{}{
				"productName":     "Bananen",
				"currentPrice":    "1,29 €",
				"oldPrice":        "1,79 €",
				"discountPercent": "-28%",
				"packaging":       "1 kg",
				"validFrom":       "2025-11-24T00:00:00Z",
				"category":        "Obst",
			},
		},
		{Source: "empty"},
	}

	cands := FromRecords(records, StructuredOptions{Retailer: domain.RetailerEdeka})

	require.Len(t, cands, 2)

	butter := cands[0]
	assert.Equal(t, "Irische Butter", butter.Title)
	assert.Equal(t, "Kerrygold", butter.Brand)
	assert.Equal(t, "2.29", butter.Price.StringFixed(2))
	assert.Equal(t, "https://cdn.example/butter.jpg", butter.ImageURL)
	assert.Nil(t, butter.ValidFrom)
	require.NotNil(t, butter.ValidTo)
	assert.Equal(t, "2025-11-29", butter.ValidTo.String())
	assert.Equal(t, "structured:ld+json", butter.Provenance)
	assert.Equal(t, domain.RetailerEdeka, butter.Retailer)

	bananas := cands[1]
	assert.Equal(t, "Bananen", bananas.Title)
	assert.Equal(t, "1.29", bananas.Price.StringFixed(2))
	assert.Equal(t, "1.79", bananas.OriginalPrice.StringFixed(2))
	require.NotNil(t, bananas.DiscountPercent)
	assert.Equal(t, 28, *bananas.DiscountPercent)
	assert.Equal(t, "1 kg", bananas.Unit)
	assert.Equal(t, "Obst", bananas.Category)
	assert.Equal(t, "2025-11-24", bananas.ValidFrom.String())
}

func TestParseDecimalString(t *testing.T) {
	tests := map[string]string{
		"1,99 €":   "1.99",
		"€ 2.49":   "2.49",
		"1.299,00": "1299.00",
		"-.99":     "0.99",
		",79":      "0.79",
		"3":        "3.00",
	}
	for in, want := range tests {
		d, ok := parseDecimalString(in)
		require.True(t, ok, in)
		assert.Equal(t, want, d.StringFixed(2), in)
	}

	_, ok := parseDecimalString("kostenlos")
	assert.False(t, ok)
}

type fakeOCR struct {
	texts map[int]string
	errs  map[int]error
}

func (f *fakeOCR) Recognize(ctx context.Context, image domain.ImageRef) (string, error) {
	if err := f.errs[image.Page]; err != nil {
		return "", err
	}
	return f.texts[image.Page], nil
}

func TestOCRExtractor(t *testing.T) {
	fo := &fakeOCR{
		texts: map[int]string{
			1: "Bio Tomaten\n1,99 €\n500 g",
			2: "Bio Tomaten\n1,99 €\n500 g\n\nGurken\n0,49 €",
		},
		errs: map[int]error{3: domain.StatusError(400, "unreadable")},
	}
	e := NewOCRExtractor(fo, testDispatcher(), nil)

	res := e.Extract(context.Background(), []domain.ImageRef{{Page: 1}, {Page: 2}, {Page: 3}}, textOpts(), nil)

	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "Bio Tomaten", res.Candidates[0].Title)
	assert.Equal(t, 1, res.Candidates[0].Page)
	assert.Equal(t, "ocr:page 1", res.Candidates[0].Provenance)
	assert.Equal(t, "Gurken", res.Candidates[1].Title)
	assert.Equal(t, 2, res.Candidates[1].Page)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
}

func TestExtractorSelectsStrategy(t *testing.T) {
	ex := NewExtractor(nil, nil)
	ctx := context.Background()

	out, err := ex.Extract(ctx, Request{Normalized: domain.TextSource("Bio Tomaten\n1,99 €"), Text: textOpts()})
	require.NoError(t, err)
	assert.Equal(t, StrategyText, out.Strategy)
	assert.Len(t, out.Candidates, 1)
	assert.Nil(t, out.Dispatch)

	_, err = ex.Extract(ctx, Request{Normalized: domain.UnknownSource("empty pdf"), Text: textOpts()})
	assert.True(t, domain.IsType(err, domain.ErrorTypeExtraction))

	_, err = ex.Extract(ctx, Request{
		Normalized:    domain.ImageSource([]domain.ImageRef{{Page: 1}}),
		ImageStrategy: StrategyOCR,
		Text:          textOpts(),
	})
	assert.True(t, domain.IsType(err, domain.ErrorTypeConfig))
}
