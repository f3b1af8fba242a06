// Package validate enforces the field invariants of candidate offers.
package validate

import (
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/spherical/flyer-offers/internal/domain"
)

// Rejection and drop reasons.
const (
	ReasonTitle = "title"
	ReasonPrice = "price"
	ReasonDates = "dates"

	FieldOriginalPrice   = "original_price"
	FieldDiscountPercent = "discount_percent"
)

const (
	MinTitleRunes = 3
	MaxTitleRunes = 200
)

var (
	MinPrice = decimal.RequireFromString("0.01")
	MaxPrice = decimal.NewFromInt(1000)
)

// Report summarizes one validation pass.
type Report struct {
	Accepted      int            `json:"accepted"`
	Rejected      int            `json:"rejected"`
	Reasons       map[string]int `json:"reasons"`
	FieldsDropped map[string]int `json:"fields_dropped"`
}

// Validate keeps candidates with a usable title, a price in range and
// consistent dates. Inconsistent optional fields are cleared rather than
// rejecting the candidate. It never fails.
func Validate(cands []domain.Candidate) ([]domain.Candidate, Report) {
	report := Report{
		Reasons:       make(map[string]int),
		FieldsDropped: make(map[string]int),
	}
	out := make([]domain.Candidate, 0, len(cands))

	for _, c := range cands {
		if reason := rejectReason(c); reason != "" {
			report.Rejected++
			report.Reasons[reason]++
			continue
		}

		if c.OriginalPrice != nil && c.OriginalPrice.LessThanOrEqual(*c.Price) {
			c.OriginalPrice = nil
			report.FieldsDropped[FieldOriginalPrice]++
		}
		if c.DiscountPercent != nil && (*c.DiscountPercent < 0 || *c.DiscountPercent > 100) {
			c.DiscountPercent = nil
			report.FieldsDropped[FieldDiscountPercent]++
		}

		report.Accepted++
		out = append(out, c)
	}

	return out, report
}

func rejectReason(c domain.Candidate) string {
	n := utf8.RuneCountInString(strings.TrimSpace(c.Title))
	if n < MinTitleRunes || n > MaxTitleRunes {
		return ReasonTitle
	}
	if c.Price == nil || c.Price.LessThan(MinPrice) || c.Price.GreaterThan(MaxPrice) {
		return ReasonPrice
	}
	if c.ValidFrom != nil && c.ValidTo != nil && c.ValidFrom.After(*c.ValidTo) {
		return ReasonDates
	}
	return ""
}
