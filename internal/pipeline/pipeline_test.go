package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/flyer-offers/internal/dispatch"
	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/extract"
	"github.com/spherical/flyer-offers/internal/normalize"
	"github.com/spherical/flyer-offers/internal/source"
	"github.com/spherical/flyer-offers/internal/storage"
	"github.com/spherical/flyer-offers/internal/validate"
)

const week48 = domain.WeekKey("2025-W48")

var fixedNow = time.Date(2025, time.November, 24, 6, 0, 0, 0, time.UTC)

// fakeVision answers per page; pages listed in fail return a 400.
type fakeVision struct {
	mu    sync.Mutex
	fail  map[int]bool
	calls int
}

func (f *fakeVision) ExtractProducts(ctx context.Context, image domain.ImageRef, instructions string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail[image.Page] {
		return "", domain.StatusError(400, "bad request")
	}
	return fmt.Sprintf(`{"products":[{"title":"Artikel Seite %d","price":"%d,49 €","unit":"500 g"}]}`, image.Page, image.Page), nil
}

type fixture struct {
	store    *storage.MemoryStore
	vision   *fakeVision
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewMemoryStore("")
	require.NoError(t, err)

	vision := &fakeVision{fail: map[int]bool{}}
	d := dispatch.New(dispatch.Config{BatchSize: 5}, nil, nil)
	extractor := extract.NewExtractor(
		extract.NewVisionExtractor(extract.VisionConfig{LLM: vision, Dispatcher: d, Model: "test-model"}),
		nil,
	)

	normalizer := normalize.New(nil)
	normalizer.Clock = func() time.Time { return fixedNow }

	p := New(Config{
		Adapter:    source.NewAdapter(nil, source.Options{}, nil),
		Extractor:  extractor,
		Normalizer: normalizer,
		Store:      store,
		Profiles: func(r domain.Retailer) Profile {
			return Profile{ImageStrategy: extract.StrategyLLM}
		},
	})
	return &fixture{store: store, vision: vision, pipeline: p}
}

func textSource(text string) domain.RawSource {
	return domain.RawSource{Kind: domain.SourceText, Data: []byte(text)}
}

func pages(n int) domain.RawSource {
	images := make([]domain.ImageRef, n)
	for i := range images {
		images[i] = domain.ImageRef{Page: i + 1, URL: fmt.Sprintf("https://cdn.example.com/kw48/%02d.jpg", i+1)}
	}
	return domain.RawSource{Kind: domain.SourceImages, Images: images}
}

func seed(t *testing.T, s storage.Store, r domain.Retailer) domain.Offer {
	t.Helper()
	from, to := week48.Range()
	o := domain.Offer{
		ID: "seed", Retailer: r, Title: "Vorhandenes Angebot", Price: decimal.RequireFromString("2.99"),
		ValidFrom: from, ValidTo: to, WeekKey: week48, UpdatedAt: fixedNow,
	}
	require.NoError(t, s.Upsert(context.Background(), r, week48, []domain.Offer{o}))
	return o
}

func query(t *testing.T, s storage.Store, r domain.Retailer) []domain.Offer {
	t.Helper()
	w := week48
	offers, err := s.Query(context.Background(), storage.Filter{Retailer: &r, WeekKey: &w})
	require.NoError(t, err)
	return offers
}

func TestRunTextSource(t *testing.T) {
	f := newFixture(t)

	res, err := f.pipeline.Run(context.Background(), RunRequest{
		Retailer: domain.RetailerLidl,
		WeekKey:  week48,
		Source:   textSource("Kaffee 4,99 €\nButter 1,79 €\nMilch 0,99 €"),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, extract.StrategyText, res.Strategy)
	assert.Equal(t, 3, res.Extracted)
	assert.Equal(t, 3, res.Stored)
	assert.Nil(t, res.Units)

	offers := query(t, f.store, domain.RetailerLidl)
	require.Len(t, offers, 3)
	from, to := week48.Range()
	for _, o := range offers {
		assert.Equal(t, from, o.ValidFrom)
		assert.Equal(t, to, o.ValidTo)
		assert.Equal(t, week48, o.WeekKey)
		assert.True(t, o.UpdatedAt.Equal(fixedNow))
	}
	assert.Equal(t, 0, f.vision.calls)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	req := RunRequest{Retailer: domain.RetailerRewe, WeekKey: week48, Source: pages(4)}

	_, err := f.pipeline.Run(context.Background(), req)
	require.NoError(t, err)
	first, err := json.Marshal(query(t, f.store, domain.RetailerRewe))
	require.NoError(t, err)

	_, err = f.pipeline.Run(context.Background(), req)
	require.NoError(t, err)
	second, err := json.Marshal(query(t, f.store, domain.RetailerRewe))
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
}

type scriptedVision struct{ response string }

func (s scriptedVision) ExtractProducts(ctx context.Context, image domain.ImageRef, instructions string) (string, error) {
	return s.response, nil
}

func TestRunStoresOnlyValidOffers(t *testing.T) {
	f := newFixture(t)
	vision := scriptedVision{response: `[
		{"title":"Bio Tomaten","price":"1,99 €","original_price":"2,49"},
		{"title":"Gratis","price":0},
		{"title":"Luxus","price":"1500,00"},
		{"title":"Rückwärts","price":1.00,"valid_from":"2025-11-30","valid_to":"2025-11-24"},
		{"title":"Teurer Vorher","price":2.00,"original_price":1.50},
		{"title":"Bio Tomaten","price":"1,99 €","original_price":"2,49"}
	]`}
	d := dispatch.New(dispatch.Config{BatchSize: 5}, nil, nil)
	f.pipeline.extractor = extract.NewExtractor(extract.NewVisionExtractor(extract.VisionConfig{LLM: vision, Dispatcher: d}), nil)

	res, err := f.pipeline.Run(context.Background(), RunRequest{Retailer: domain.RetailerEdeka, WeekKey: week48, Source: pages(1)})
	require.NoError(t, err)

	// Loose dedup inside the image drops the repeated Bio Tomaten.
	assert.Equal(t, 5, res.Extracted)
	assert.Equal(t, 2, res.Valid)
	assert.Equal(t, 3, res.Rejected)
	assert.Equal(t, map[string]int{validate.ReasonPrice: 2, validate.ReasonDates: 1}, res.Rejections)
	assert.Equal(t, 1, res.FieldsDropped[validate.FieldOriginalPrice])

	offers := query(t, f.store, domain.RetailerEdeka)
	require.Len(t, offers, 2)
	for _, o := range offers {
		assert.True(t, o.Price.GreaterThanOrEqual(validate.MinPrice), o.Title)
		assert.True(t, o.Price.LessThanOrEqual(validate.MaxPrice), o.Title)
		assert.False(t, o.ValidFrom.After(o.ValidTo), o.Title)
		if o.OriginalPrice != nil {
			assert.True(t, o.OriginalPrice.GreaterThan(o.Price), o.Title)
		}
	}
}

func TestRunPartialImageFailure(t *testing.T) {
	f := newFixture(t)
	f.vision.fail = map[int]bool{3: true, 7: true}
	events := make(chan domain.StreamEvent, 100)

	res, err := f.pipeline.Run(context.Background(), RunRequest{
		Retailer: domain.RetailerRewe,
		WeekKey:  week48,
		Source:   pages(10),
		Events:   events,
	})
	require.NoError(t, err)
	close(events)

	assert.Equal(t, StatusPartial, res.Status)
	require.NotNil(t, res.Units)
	assert.Equal(t, UnitCounts{Total: 10, Succeeded: 8, Failed: 2}, *res.Units)
	assert.Len(t, res.Warnings, 2)
	assert.Equal(t, 8, res.Stored)
	assert.Len(t, query(t, f.store, domain.RetailerRewe), 8)

	counts := map[domain.EventType]int{}
	for ev := range events {
		counts[ev.Type]++
		assert.Equal(t, domain.RetailerRewe, ev.Retailer)
	}
	assert.Equal(t, 1, counts[domain.EventRunStart])
	assert.Equal(t, 10, counts[domain.EventUnitComplete])
	assert.Equal(t, 6, counts[domain.EventStageComplete])
	assert.Equal(t, 1, counts[domain.EventRunComplete])
}

func TestRunFatalLeavesPartitionUntouched(t *testing.T) {
	tests := []struct {
		name   string
		source domain.RawSource
		fail   map[int]bool
	}{
		{"unknown source", textSource("   "), nil},
		{"all units failed", pages(3), map[int]bool{1: true, 2: true, 3: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.vision.fail = tt.fail
			existing := seed(t, f.store, domain.RetailerPenny)

			res, err := f.pipeline.Run(context.Background(), RunRequest{Retailer: domain.RetailerPenny, WeekKey: week48, Source: tt.source})
			require.Error(t, err)
			assert.True(t, domain.IsType(err, domain.ErrorTypeExtraction))
			assert.Equal(t, StatusFailed, res.Status)

			offers := query(t, f.store, domain.RetailerPenny)
			require.Len(t, offers, 1)
			assert.Equal(t, existing.ID, offers[0].ID)
		})
	}
}

func TestRunEmptyExtractionClearsPartition(t *testing.T) {
	f := newFixture(t)
	seed(t, f.store, domain.RetailerNetto)

	res, err := f.pipeline.Run(context.Background(), RunRequest{
		Retailer: domain.RetailerNetto,
		WeekKey:  week48,
		Source:   textSource("Willkommen in Ihrer Filiale"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 0, res.Stored)
	assert.Empty(t, query(t, f.store, domain.RetailerNetto))
}

func TestRunRejectsBadRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Run(context.Background(), RunRequest{Retailer: "METRO", WeekKey: week48, Source: textSource("Milch 0,99 €")})
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	_, err = f.pipeline.Run(context.Background(), RunRequest{Retailer: domain.RetailerLidl, WeekKey: "2025-48", Source: textSource("Milch 0,99 €")})
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
}

func TestRunCanceledDoesNotStore(t *testing.T) {
	f := newFixture(t)
	existing := seed(t, f.store, domain.RetailerKaufland)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Run(ctx, RunRequest{Retailer: domain.RetailerKaufland, WeekKey: week48, Source: textSource("Milch 0,99 €")})
	require.ErrorIs(t, err, context.Canceled)

	offers := query(t, f.store, domain.RetailerKaufland)
	require.Len(t, offers, 1)
	assert.Equal(t, existing.ID, offers[0].ID)
}

// pagedVision answers each page with its own scripted response.
type pagedVision map[int]string

func (v pagedVision) ExtractProducts(ctx context.Context, image domain.ImageRef, instructions string) (string, error) {
	return v[image.Page], nil
}

func TestRunCollapsesOffersThatOnlyDifferInDefaultedValidity(t *testing.T) {
	f := newFixture(t)
	vision := pagedVision{
		1: `{"products":[{"title":"Bio Tomaten","price":"1,99 €","unit":"500 g"}]}`,
		2: `{"products":[{"title":"Bio Tomaten","price":"1,99 €","unit":"500 g","validity_text":"gültig ab 24.11."}]}`,
	}
	d := dispatch.New(dispatch.Config{BatchSize: 5}, nil, nil)
	f.pipeline.extractor = extract.NewExtractor(extract.NewVisionExtractor(extract.VisionConfig{LLM: vision, Dispatcher: d}), nil)

	res, err := f.pipeline.Run(context.Background(), RunRequest{Retailer: domain.RetailerLidl, WeekKey: week48, Source: pages(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Valid)
	assert.Equal(t, 1, res.Unique)
	assert.Equal(t, 1, res.Collapsed)
	assert.Equal(t, 1, res.Stored)

	offers := query(t, f.store, domain.RetailerLidl)
	require.Len(t, offers, 1)
	assert.Equal(t, "2025-11-24", offers[0].ValidFrom.String())
	assert.Equal(t, "2025-11-30", offers[0].ValidTo.String())
	assert.Equal(t, 1, offers[0].Page)
}

func TestRunCollapsesOffersThatOnlyDifferInDerivedBrand(t *testing.T) {
	f := newFixture(t)
	vision := pagedVision{
		1: `{"products":[{"title":"Milka Alpenmilch","price":"0,99 €","unit":"100 g"}]}`,
		2: `{"products":[{"title":"Milka Alpenmilch","brand":"Milka","price":"0,99 €","unit":"100 g"}]}`,
	}
	d := dispatch.New(dispatch.Config{BatchSize: 5}, nil, nil)
	f.pipeline.extractor = extract.NewExtractor(extract.NewVisionExtractor(extract.VisionConfig{LLM: vision, Dispatcher: d}), nil)

	res, err := f.pipeline.Run(context.Background(), RunRequest{Retailer: domain.RetailerAldiNord, WeekKey: week48, Source: pages(2)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)

	offers := query(t, f.store, domain.RetailerAldiNord)
	require.Len(t, offers, 1)
	assert.Equal(t, "Milka", offers[0].Brand)
}

func TestRunDropsOriginalPriceEqualAfterRounding(t *testing.T) {
	f := newFixture(t)
	vision := scriptedVision{response: `[{"title":"Bio Tomaten","price":1.99,"original_price":1.994}]`}
	d := dispatch.New(dispatch.Config{BatchSize: 5}, nil, nil)
	f.pipeline.extractor = extract.NewExtractor(extract.NewVisionExtractor(extract.VisionConfig{LLM: vision, Dispatcher: d}), nil)

	res, err := f.pipeline.Run(context.Background(), RunRequest{Retailer: domain.RetailerEdeka, WeekKey: week48, Source: pages(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FieldsDropped[validate.FieldOriginalPrice])

	offers := query(t, f.store, domain.RetailerEdeka)
	require.Len(t, offers, 1)
	assert.Equal(t, "1.99", offers[0].Price.StringFixed(2))
	assert.Nil(t, offers[0].OriginalPrice)
	assert.Nil(t, offers[0].DiscountPercent)
}
