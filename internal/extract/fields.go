package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spherical/flyer-offers/internal/domain"
)

// Field aliases seen in vision responses, JSON-LD and shop hydration data.
var (
	titleKeys     = []string{"title", "name", "productName", "product_name", "headline"}
	priceKeys     = []string{"price", "currentPrice", "current_price", "salePrice", "sale_price"}
	originalKeys  = []string{"original_price", "originalPrice", "oldPrice", "old_price", "strikePrice", "listPrice", "regularPrice"}
	discountKeys  = []string{"discount_percent", "discountPercent", "discount"}
	unitKeys      = []string{"unit", "packaging", "size", "quantity"}
	unitPriceKeys = []string{"unit_price", "unitPrice", "basePrice", "base_price"}
	priceTypeKeys = []string{"price_type", "priceType"}
	imageKeys     = []string{"image", "imageUrl", "image_url"}
	fromKeys      = []string{"validFrom", "valid_from", "availabilityStarts"}
	toKeys        = []string{"validTo", "valid_to", "validThrough", "priceValidUntil", "availabilityEnds"}
	validityKeys  = []string{"validity_text", "validityText", "validity"}
)

var numberPattern = regexp.MustCompile(`-?\d+(?:[.,]\d+)*`)

// fieldOptions carries run context into the mapper.
type fieldOptions struct {
	retailer  domain.Retailer
	reference time.Time
	brands    *BrandTable
}

// candidateFromFields maps one loosely-typed product object to a candidate.
// Missing or unparseable values stay unset; the validator decides.
func candidateFromFields(fields map[string]interface{}, opts fieldOptions) domain.Candidate {
	c := domain.Candidate{Retailer: opts.retailer}

	c.Title = collapseSpaces(stringField(fields, titleKeys...))
	c.Brand = brandField(fields["brand"])
	if c.Brand == "" && opts.brands != nil {
		if b, ok := opts.brands.Lookup(c.Title); ok {
			c.Brand = b
		}
	}

	offers := offerObject(fields["offers"])

	if p, ok := decimalField(fields, priceKeys...); ok {
		c.Price = &p
	} else if p, ok := decimalField(offers, priceKeys...); ok {
		c.Price = &p
	}
	if p, ok := decimalField(fields, originalKeys...); ok {
		c.OriginalPrice = &p
	}
	if d, ok := percentField(fields, discountKeys...); ok {
		c.DiscountPercent = &d
	}

	c.Unit = stringField(fields, unitKeys...)
	c.UnitPrice = stringField(fields, unitPriceKeys...)
	c.Category = stringField(fields, "category")
	c.ImageURL = imageField(fields, imageKeys...)

	switch pt := strings.ToLower(stringField(fields, priceTypeKeys...)); pt {
	case "", "regular", "normal":
	default:
		c.PriceType = pt
	}

	from, hasFrom := dateField(fields, fromKeys...)
	if !hasFrom {
		from, hasFrom = dateField(offers, fromKeys...)
	}
	to, hasTo := dateField(fields, toKeys...)
	if !hasTo {
		to, hasTo = dateField(offers, toKeys...)
	}
	if hasFrom {
		c.ValidFrom = &from
	}
	if hasTo {
		c.ValidTo = &to
	}
	if !hasFrom && !hasTo {
		if text := stringField(fields, validityKeys...); text != "" {
			if f, t, ok := InferValidity(text, opts.reference); ok {
				c.ValidFrom, c.ValidTo = &f, &t
			}
		}
	}

	return c
}

// lookup returns the first non-nil value among keys.
func lookup(fields map[string]interface{}, keys ...string) (interface{}, bool) {
	if fields == nil {
		return nil, false
	}
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]interface{}, keys ...string) string {
	v, ok := lookup(fields, keys...)
	if !ok {
		return ""
	}
	return strings.TrimSpace(stringValue(v))
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// brandField accepts "Milka" or {"@type": "Brand", "name": "Milka"}.
func brandField(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]interface{}:
		return stringField(t, "name")
	default:
		return ""
	}
}

// offerObject returns schema.org offers as a map, taking the first of a list.
func offerObject(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return t
	case []interface{}:
		for _, item := range t {
			if m, ok := item.(map[string]interface{}); ok {
				return m
			}
		}
	}
	return nil
}

// imageField accepts a URL string, a list of them, or {"url": ...}.
func imageField(fields map[string]interface{}, keys ...string) string {
	v, ok := lookup(fields, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []interface{}:
		for _, item := range t {
			if s := imageField(map[string]interface{}{"image": item}, "image"); s != "" {
				return s
			}
		}
	case map[string]interface{}:
		return stringField(t, "url", "contentUrl", "src")
	}
	return ""
}

func decimalField(fields map[string]interface{}, keys ...string) (decimal.Decimal, bool) {
	v, ok := lookup(fields, keys...)
	if !ok {
		return decimal.Decimal{}, false
	}
	return parseDecimal(v)
}

// parseDecimal accepts numbers and strings such as "1,99 €", "€ 2.49" or "1.299,00".
func parseDecimal(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case string:
		return parseDecimalString(t)
	case map[string]interface{}:
		// {"value": 1.99} or {"amount": "1,99"}
		if inner, ok := lookup(t, "value", "amount", "price"); ok {
			return parseDecimal(inner)
		}
	}
	return decimal.Decimal{}, false
}

func parseDecimalString(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	// "-.99" and ",99" style prices
	if strings.HasPrefix(s, "-.") || strings.HasPrefix(s, "-,") {
		s = "0" + s[1:]
	}
	if strings.HasPrefix(s, ".") || strings.HasPrefix(s, ",") {
		s = "0" + s
	}

	num := numberPattern.FindString(s)
	if num == "" {
		return decimal.Decimal{}, false
	}

	lastDot := strings.LastIndex(num, ".")
	lastComma := strings.LastIndex(num, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		// the later separator is the decimal one
		if lastComma > lastDot {
			num = strings.ReplaceAll(num, ".", "")
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case lastComma >= 0:
		num = strings.ReplaceAll(num, ",", ".")
	}

	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// percentField reads "20", 20, "-20 %" or "20%" as 20.
func percentField(fields map[string]interface{}, keys ...string) (int, bool) {
	v, ok := lookup(fields, keys...)
	if !ok {
		return 0, false
	}
	d, ok := parseDecimal(v)
	if !ok {
		return 0, false
	}
	return int(d.Abs().Round(0).IntPart()), true
}

func dateField(fields map[string]interface{}, keys ...string) (domain.Date, bool) {
	v, ok := lookup(fields, keys...)
	if !ok {
		return domain.Date{}, false
	}
	s, ok := v.(string)
	if !ok {
		return domain.Date{}, false
	}
	return parseFieldDate(strings.TrimSpace(s))
}

// parseFieldDate accepts ISO dates (with or without time) and dd.mm.yyyy.
func parseFieldDate(s string) (domain.Date, bool) {
	if s == "" {
		return domain.Date{}, false
	}
	if d, err := domain.ParseDate(s); err == nil {
		return d, true
	}
	if t, err := time.Parse("02.01.2006", s); err == nil {
		return domain.DateOf(t), true
	}
	return domain.Date{}, false
}

func provenance(source string, page int) string {
	if page > 0 {
		return fmt.Sprintf("%s:page %d", source, page)
	}
	return source
}
