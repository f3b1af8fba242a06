package extract

import (
	"time"

	"github.com/spherical/flyer-offers/internal/domain"
)

// StructuredOptions parameterizes FromRecords.
type StructuredOptions struct {
	Retailer  domain.Retailer
	Reference time.Time
	Brands    *BrandTable
}

// FromRecords maps pre-structured product objects (JSON-LD, hydration data)
// to candidates. Records without a usable title or price still produce a
// candidate; the validator rejects them with a reason.
func FromRecords(records []domain.RawRecord, opts StructuredOptions) []domain.Candidate {
	if opts.Brands == nil {
		opts.Brands = NewBrandTable(nil)
	}
	fo := fieldOptions{retailer: opts.Retailer, reference: opts.Reference, brands: opts.Brands}

	cands := make([]domain.Candidate, 0, len(records))
	for _, rec := range records {
		if len(rec.Fields) == 0 {
			continue
		}
		c := candidateFromFields(rec.Fields, fo)
		source := rec.Source
		if source == "" {
			source = "json"
		}
		c.Provenance = "structured:" + source
		cands = append(cands, c)
	}
	return cands
}
