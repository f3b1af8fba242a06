// Package normalize maps validated, deduplicated candidates to canonical offers.
package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/extract"
)

const (
	maxTitleRunes = 200
	openRangeDays = 6
)

// offerNamespace scopes deterministic offer IDs.
var offerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/spherical/flyer-offers/offer"))

var hundred = decimal.NewFromInt(100)

// Normalizer is a pure transformation; the clock is its only input besides
// the candidates.
type Normalizer struct {
	Clock  func() time.Time
	Brands *extract.BrandTable
}

// New creates a normalizer using the wall clock and the given brand table.
func New(brands *extract.BrandTable) *Normalizer {
	if brands == nil {
		brands = extract.NewBrandTable(nil)
	}
	return &Normalizer{Clock: time.Now, Brands: brands}
}

// OfferID derives the stable ID of the offer at position index of a run.
func OfferID(retailer domain.Retailer, week domain.WeekKey, title string, price decimal.Decimal, index int) string {
	name := strings.Join([]string{
		string(retailer),
		string(week),
		title,
		price.StringFixed(2),
		strconv.Itoa(index),
	}, "|")
	return uuid.NewSHA1(offerNamespace, []byte(name)).String()
}

// Complete rounds prices to cents, closes open validity ranges against week
// and fills a missing brand from the table. The exact deduplication key is
// built from these fields, so candidates must be completed before validation
// and deduplication.
func (n *Normalizer) Complete(week domain.WeekKey, cands []domain.Candidate) []domain.Candidate {
	weekFrom, weekTo := week.Range()
	out := make([]domain.Candidate, len(cands))
	for i, c := range cands {
		if c.Price != nil {
			p := c.Price.Round(2)
			c.Price = &p
		}
		if c.OriginalPrice != nil {
			o := c.OriginalPrice.Round(2)
			c.OriginalPrice = &o
		}

		from, to := validity(c, weekFrom, weekTo)
		c.ValidFrom, c.ValidTo = &from, &to

		c.Brand = strings.TrimSpace(c.Brand)
		if c.Brand == "" && n.Brands != nil {
			if b, ok := n.Brands.Lookup(normalizeTitle(c.Title)); ok {
				c.Brand = b
			}
		}
		out[i] = c
	}
	return out
}

// Normalize maps cands, in order, to offers of the (retailer, week) partition.
// Candidates are expected to have passed validation.
func (n *Normalizer) Normalize(retailer domain.Retailer, week domain.WeekKey, cands []domain.Candidate) []domain.Offer {
	clock := n.Clock
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC()
	weekFrom, weekTo := week.Range()

	offers := make([]domain.Offer, 0, len(cands))
	for i, c := range cands {
		if c.Price == nil {
			continue
		}
		price := c.Price.Round(2)
		title := normalizeTitle(c.Title)

		o := domain.Offer{
			ID:        OfferID(retailer, week, title, price, i),
			Retailer:  retailer,
			Title:     title,
			Price:     price,
			Unit:      strings.TrimSpace(c.Unit),
			Brand:     strings.TrimSpace(c.Brand),
			Category:  strings.TrimSpace(c.Category),
			ImageURL:  c.ImageURL,
			Page:      c.Page,
			PriceType: c.PriceType,
			UnitPrice: c.UnitPrice,
			WeekKey:   week,
			UpdatedAt: now,
		}

		if o.Brand == "" && n.Brands != nil {
			if b, ok := n.Brands.Lookup(title); ok {
				o.Brand = b
			}
		}

		if c.OriginalPrice != nil {
			// Rounding can make a barely higher original price equal the price.
			if orig := c.OriginalPrice.Round(2); orig.GreaterThan(price) {
				o.OriginalPrice = &orig
			}
		}
		switch {
		case c.DiscountPercent != nil:
			d := *c.DiscountPercent
			o.DiscountPercent = &d
		case o.OriginalPrice != nil && o.OriginalPrice.GreaterThan(price):
			d := derivedDiscount(*o.OriginalPrice, price)
			o.DiscountPercent = &d
		}

		o.ValidFrom, o.ValidTo = validity(c, weekFrom, weekTo)

		offers = append(offers, o)
	}
	return offers
}

// validity fills a missing bound: an open start closes after one week, an
// open end starts on the week's Monday.
func validity(c domain.Candidate, weekFrom, weekTo domain.Date) (domain.Date, domain.Date) {
	switch {
	case c.ValidFrom != nil && c.ValidTo != nil:
		return *c.ValidFrom, *c.ValidTo
	case c.ValidFrom != nil:
		return *c.ValidFrom, c.ValidFrom.AddDays(openRangeDays)
	case c.ValidTo != nil:
		from := weekFrom
		if from.After(*c.ValidTo) {
			from = *c.ValidTo
		}
		return from, *c.ValidTo
	default:
		return weekFrom, weekTo
	}
}

// derivedDiscount is round((orig - price) / orig * 100).
func derivedDiscount(orig, price decimal.Decimal) int {
	pct := orig.Sub(price).Div(orig).Mul(hundred).Round(0)
	return int(pct.IntPart())
}

func normalizeTitle(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > maxTitleRunes {
		s = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	return s
}
