// Package dedup collapses duplicate candidates.
//
// Two regimes exist on purpose. The exact regime runs before storage and only
// merges candidates that agree on every offer-defining field, so pack-size or
// promo-window variants stay separate offers. The loose regime (title + price)
// only cleans up repetition artifacts inside one extraction pass.
package dedup

import (
	"strings"

	"github.com/spherical/flyer-offers/internal/domain"
)

const keySep = "|"

// ExactKey joins retailer, brand, title, unit, validity, price, price type and
// unit price. Missing fields contribute an empty segment.
func ExactKey(c domain.Candidate) string {
	return strings.Join([]string{
		string(c.Retailer),
		c.Brand,
		c.Title,
		c.Unit,
		dateString(c.ValidFrom),
		dateString(c.ValidTo),
		priceString(c),
		c.PriceType,
		c.UnitPrice,
	}, keySep)
}

// LooseKey is the lowercase, whitespace-collapsed title plus the price.
func LooseKey(c domain.Candidate) string {
	title := strings.Join(strings.Fields(strings.ToLower(c.Title)), " ")
	return title + keySep + priceString(c)
}

// NearDuplicate groups candidates that share a loose key but differ on the
// exact key. They are reported, never merged.
type NearDuplicate struct {
	LooseKey  string
	ExactKeys []string
}

// ExactResult is the outcome of Exact.
type ExactResult struct {
	Unique         []domain.Candidate
	Collapsed      int
	NearDuplicates []NearDuplicate
}

// Exact keeps the first candidate per exact key, in input order.
func Exact(cands []domain.Candidate) ExactResult {
	var (
		res       ExactResult
		seen      = make(map[string]bool, len(cands))
		looseKeys = make(map[string][]string)
		looseSeen []string
	)

	for _, c := range cands {
		key := ExactKey(c)
		if seen[key] {
			res.Collapsed++
			continue
		}
		seen[key] = true
		res.Unique = append(res.Unique, c)

		lk := LooseKey(c)
		if _, ok := looseKeys[lk]; !ok {
			looseSeen = append(looseSeen, lk)
		}
		looseKeys[lk] = append(looseKeys[lk], key)
	}

	for _, lk := range looseSeen {
		if keys := looseKeys[lk]; len(keys) > 1 {
			res.NearDuplicates = append(res.NearDuplicates, NearDuplicate{LooseKey: lk, ExactKeys: keys})
		}
	}

	return res
}

// Loose keeps the first candidate per loose key, in input order.
func Loose(cands []domain.Candidate) []domain.Candidate {
	if len(cands) == 0 {
		return cands
	}
	seen := make(map[string]bool, len(cands))
	out := make([]domain.Candidate, 0, len(cands))
	for _, c := range cands {
		key := LooseKey(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func priceString(c domain.Candidate) string {
	if c.Price == nil {
		return ""
	}
	return c.Price.StringFixed(2)
}

func dateString(d *domain.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}
