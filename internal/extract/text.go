// Package extract derives candidate offers from normalized flyer content.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/spherical/flyer-offers/internal/dedup"
	"github.com/spherical/flyer-offers/internal/domain"
)

const (
	// Two price matches this close together with (almost) the same value are
	// one OCR artifact.
	duplicateDistance = 50
	minTitleLetters   = 3
)

var duplicateTolerance = decimal.RequireFromString("0.01")

// TextOptions parameterizes ParseText.
type TextOptions struct {
	Retailer    domain.Retailer
	Before      int // lines searched before a price line
	After       int // lines searched after a price line
	Boilerplate []string
	Brands      *BrandTable
	// Reference supplies the year for dates printed without one.
	Reference time.Time
	// Source prefixes the provenance of every candidate ("text", "ocr").
	Source string
}

// DefaultTextOptions returns the standard 5-before / 2-after window.
func DefaultTextOptions() TextOptions {
	return TextOptions{
		Before: 5,
		After:  2,
		Brands: NewBrandTable(nil),
		Source: "text",
	}
}

var (
	pricePattern     = regexp.MustCompile(`(\d+)([.,])(\d{2})(\s*€)?`)
	volumeAfter      = regexp.MustCompile(`(?i)^\s*(?:kg|g|gr|l|ml|cl|liter|gramm)(?:[^\p{L}]|$)`)
	percentAfter     = regexp.MustCompile(`^\s*%`)
	originalMarker   = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(statt|uvp|vorher|bisher|originalpreis|ehemals)(?:[^\p{L}]|$)`)
	currentMarker    = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(jetzt|nur|aktionspreis)(?:[^\p{L}]|$)`)
	unitPricePattern = regexp.MustCompile(`(?i)(?:\(?\s*\d+(?:[.,]\d+)?\s*(?:kg|g|l|ml)\s*=\s*(?:€\s*)?\d+[.,]\d{2}\s*€?\s*\)?` +
		`|(?:je|pro)\s+(?:kg|l|liter|stück|stk\.?)\s*:?\s*(?:€\s*)?\d+[.,]\d{2}\s*€?` +
		`|\(?\s*\d+[.,]\d{2}\s*€?\s*/\s*(?:kg|l|liter|stück|stk)(?:[^\p{L}]|$)\)?` +
		`|(?:kg|liter|l)-preis\s*:?\s*\d+[.,]\d{2}\s*€?)`)
	unitPattern     = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)[\s-]*(kg|gramm|gr|g|ml|liter|l|stück|stk|packung|pck|pack)(?:[^\p{L}]|$)`)
	discountPattern = regexp.MustCompile(`(?:^|[^\d.,])(-?\d{1,3})\s?%`)
	datePattern     = regexp.MustCompile(`\d{1,2}\.\d{1,2}\.(?:\d{2,4})?`)
	appPricePattern = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:app|lidl plus|app-preis)(?:[^\p{L}]|$)`)
	memberPattern   = regexp.MustCompile(`(?i)kartenpreis|mit\s+karte|payback|mitgliederpreis`)
	multiBuyPattern = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:\d+\s+für|ab\s+\d+\s+(?:stück|stk))(?:[^\p{L}]|$)`)
)

var unitNames = map[string]string{
	"kg": "kg", "g": "g", "gr": "g", "gramm": "g",
	"ml": "ml", "l": "l", "liter": "l",
	"stück": "Stück", "stk": "Stück",
	"packung": "Packung", "pck": "Packung", "pack": "Packung",
}

var defaultBoilerplate = []string{
	"angebot", "angebote", "nur", "je", "aktion", "gültig", "preis", "€", "*",
	"statt", "uvp", "ab", "jetzt", "neu", "knaller", "preishit", "preis-hit",
	"tiefpreis", "dauerpreis", "aktionspreis", "sparen", "super", "top",
	"diese woche", "nur diese woche", "angebot der woche", "jede woche",
	"billiger", "günstiger", "hammerpreis", "kracher", "coupon", "rabatt",
}

type tokenKind int

const (
	tokenPrice tokenKind = iota
	tokenOriginal
	tokenUnitPrice
)

type priceToken struct {
	line   int
	start  int
	end    int
	offset int
	value  decimal.Decimal
	kind   tokenKind
	text   string // matched unit-price span for tokenUnitPrice
}

type textParser struct {
	opts        TextOptions
	lines       []string
	boilerplate map[string]bool
}

// ParseText scans line-delimited flyer text for price tokens and builds one
// candidate per price from its surrounding context window. It performs no I/O.
func ParseText(text string, opts TextOptions) []domain.Candidate {
	if opts.Before < 0 {
		opts.Before = 0
	}
	if opts.After < 0 {
		opts.After = 0
	}
	if opts.Brands == nil {
		opts.Brands = NewBrandTable(nil)
	}
	if opts.Source == "" {
		opts.Source = "text"
	}

	p := &textParser{
		opts:        opts,
		lines:       splitLines(text),
		boilerplate: make(map[string]bool),
	}
	for _, b := range append(defaultBoilerplate, opts.Boilerplate...) {
		p.boilerplate[normalizeBoilerplate(b)] = true
	}

	tokens := p.scanTokens()

	docFrom, docTo, docOK := InferValidity(text, opts.Reference)

	var (
		cands     []domain.Candidate
		candLines []int
	)
	for _, tok := range tokens {
		if tok.kind != tokenPrice {
			continue
		}
		c := p.buildCandidate(tok)
		if c.ValidFrom == nil && docOK {
			from, to := docFrom, docTo
			c.ValidFrom, c.ValidTo = &from, &to
		}
		cands = append(cands, c)
		candLines = append(candLines, tok.line)
	}

	p.attach(tokens, cands, candLines)

	return dedup.Loose(cands)
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	raw := strings.Split(text, "\n")
	lines := make([]string, len(raw))
	for i, l := range raw {
		lines[i] = strings.TrimSpace(l)
	}
	return lines
}

// scanTokens classifies every price-shaped token in document order.
func (p *textParser) scanTokens() []priceToken {
	var (
		tokens   []priceToken
		offset   int
		lastSeen priceToken
		seenAny  bool
	)

	for li, line := range p.lines {
		unitSpans := unitPricePattern.FindAllStringIndex(line, -1)

		for _, m := range pricePattern.FindAllStringSubmatchIndex(line, -1) {
			start, numEnd, end := m[0], m[7], m[1]
			if !isPriceToken(line, start, numEnd, end, line[m[4]:m[5]], m[8] >= 0) {
				continue
			}

			value, err := decimal.NewFromString(line[m[2]:m[3]] + "." + line[m[6]:m[7]])
			if err != nil {
				continue
			}

			tok := priceToken{
				line:   li,
				start:  start,
				end:    end,
				offset: offset + start,
				value:  value,
				kind:   p.classify(line, start, unitSpans),
			}

			if tok.kind == tokenUnitPrice {
				for _, span := range unitSpans {
					if start >= span[0] && start < span[1] {
						tok.text = cleanUnitPrice(line[span[0]:span[1]])
					}
				}
			}

			if tok.kind == tokenPrice && seenAny &&
				tok.offset-lastSeen.offset <= duplicateDistance &&
				tok.value.Sub(lastSeen.value).Abs().LessThanOrEqual(duplicateTolerance) {
				continue
			}

			tokens = append(tokens, tok)
			if tok.kind == tokenPrice {
				lastSeen, seenAny = tok, true
			}
		}

		offset += len(line) + 1
	}

	return tokens
}

// isPriceToken rejects dates (12.05.2025), volumes (1,50 l), percentages and
// longer numbers that merely contain a price-shaped run.
func isPriceToken(line string, start, numEnd, end int, sep string, hasCurrency bool) bool {
	if start >= 2 && line[start-1] == '.' && isDigit(line[start-2]) {
		return false
	}
	if start >= 1 && isDigit(line[start-1]) {
		return false
	}
	if numEnd < len(line) {
		next := line[numEnd]
		if isDigit(next) {
			return false
		}
		if (next == '.' || next == ',') && numEnd+1 < len(line) && isDigit(line[numEnd+1]) {
			return false
		}
		if next == '.' && sep == "." {
			return false
		}
	}
	if !hasCurrency && volumeAfter.MatchString(line[numEnd:]) {
		return false
	}
	if percentAfter.MatchString(line[end:]) || percentAfter.MatchString(line[numEnd:]) {
		return false
	}
	return true
}

func (p *textParser) classify(line string, start int, unitSpans [][]int) tokenKind {
	for _, span := range unitSpans {
		if start >= span[0] && start < span[1] {
			return tokenUnitPrice
		}
	}

	// The nearest marker before the token decides: "statt 2,49" is an
	// original price, "statt 2,49 jetzt 1,99" makes 1,99 current again.
	origAt, curAt := -1, -1
	for _, m := range originalMarker.FindAllStringSubmatchIndex(line[:start], -1) {
		origAt = m[2]
	}
	for _, m := range currentMarker.FindAllStringSubmatchIndex(line[:start], -1) {
		curAt = m[2]
	}
	if origAt >= 0 && origAt > curAt {
		return tokenOriginal
	}
	return tokenPrice
}

func (p *textParser) buildCandidate(tok priceToken) domain.Candidate {
	line := p.lines[tok.line]
	price := tok.value

	c := domain.Candidate{
		Retailer:   p.opts.Retailer,
		Price:      &price,
		RawText:    line,
		Provenance: fmt.Sprintf("%s:line %d", p.opts.Source, tok.line+1),
	}

	titleLine := tok.line
	if title := p.sameLineTitle(tok); title != "" {
		c.Title = title
	} else if title, idx := p.nearbyTitle(tok.line); title != "" {
		c.Title, titleLine = title, idx
	}

	windowLines := p.windowOrder(tok.line, titleLine)
	window := p.windowText(tok.line)

	if brand, ok := p.opts.Brands.Lookup(c.Title); ok {
		c.Brand = brand
	} else if brand, ok := p.opts.Brands.Lookup(window); ok {
		c.Brand = brand
	}

	for _, idx := range windowLines {
		if unit := findUnit(p.lines[idx]); unit != "" {
			c.Unit = unit
			break
		}
	}

	for _, idx := range windowLines {
		if d, ok := findDiscount(p.lines[idx]); ok {
			c.DiscountPercent = &d
			break
		}
	}

	c.PriceType = detectPriceType(line + "\n" + p.lines[titleLine])

	if from, to, ok := InferValidity(window, p.opts.Reference); ok {
		c.ValidFrom, c.ValidTo = &from, &to
	}

	return c
}

// sameLineTitle returns the text before the price on its own line when it is
// long enough to be a product name.
func (p *textParser) sameLineTitle(tok priceToken) string {
	line := p.lines[tok.line]
	segStart := 0
	for _, m := range pricePattern.FindAllStringIndex(line[:tok.start], -1) {
		segStart = m[1]
	}
	return p.titleFrom(line[segStart:tok.start])
}

// nearbyTitle scans backwards, then forwards, for the nearest line that reads
// like a product name.
func (p *textParser) nearbyTitle(lineIdx int) (string, int) {
	for j := lineIdx - 1; j >= 0 && j >= lineIdx-p.opts.Before; j-- {
		if title := p.titleLine(j); title != "" {
			return title, j
		}
	}
	for j := lineIdx + 1; j < len(p.lines) && j <= lineIdx+p.opts.After; j++ {
		if title := p.titleLine(j); title != "" {
			return title, j
		}
	}
	return "", lineIdx
}

func (p *textParser) titleLine(idx int) string {
	line := p.lines[idx]
	if line == "" || pricePattern.MatchString(line) {
		return ""
	}
	return p.titleFrom(line)
}

// titleFrom strips units, discounts, dates and filler words from s and
// returns it if enough letters remain and it is not boilerplate.
func (p *textParser) titleFrom(s string) string {
	stripped := unitPricePattern.ReplaceAllString(s, " ")
	stripped = datePattern.ReplaceAllString(stripped, " ")
	stripped = discountPattern.ReplaceAllString(stripped, " ")
	withoutUnit := unitPattern.ReplaceAllString(stripped, " ")
	if countLetters(withoutUnit) >= minTitleLetters {
		stripped = withoutUnit
	}

	title := cleanTitle(stripped)
	if countLetters(title) < minTitleLetters || p.isBoilerplate(title) {
		return ""
	}
	return title
}

func (p *textParser) isBoilerplate(s string) bool {
	norm := normalizeBoilerplate(s)
	if norm == "" || p.boilerplate[norm] {
		return true
	}
	if strings.HasPrefix(norm, "gültig") || strings.HasPrefix(norm, "gueltig") {
		return true
	}
	for _, w := range strings.Fields(norm) {
		if !p.boilerplate[w] {
			return false
		}
	}
	return true
}

// windowOrder lists the price line, the title line, then the remaining window
// lines after and before the price line, nearest first.
func (p *textParser) windowOrder(lineIdx, titleIdx int) []int {
	order := []int{lineIdx}
	if titleIdx != lineIdx {
		order = append(order, titleIdx)
	}
	for j := lineIdx + 1; j < len(p.lines) && j <= lineIdx+p.opts.After; j++ {
		if j != titleIdx && !pricePattern.MatchString(p.lines[j]) {
			order = append(order, j)
		}
	}
	for j := lineIdx - 1; j >= 0 && j >= lineIdx-p.opts.Before; j-- {
		if j != titleIdx && !pricePattern.MatchString(p.lines[j]) {
			order = append(order, j)
		}
	}
	return order
}

func (p *textParser) windowText(lineIdx int) string {
	from := lineIdx - p.opts.Before
	if from < 0 {
		from = 0
	}
	to := lineIdx + p.opts.After + 1
	if to > len(p.lines) {
		to = len(p.lines)
	}
	return strings.Join(p.lines[from:to], "\n")
}

// attach hands original-price and unit-price tokens to the nearest candidate
// within the window, preferring the candidate above on ties.
func (p *textParser) attach(tokens []priceToken, cands []domain.Candidate, candLines []int) {
	maxDist := p.opts.Before
	if p.opts.After > maxDist {
		maxDist = p.opts.After
	}

	for _, tok := range tokens {
		if tok.kind == tokenPrice {
			continue
		}
		best, bestDist := -1, maxDist+1
		for i, line := range candLines {
			dist := tok.line - line
			if dist < 0 {
				dist = -dist
			}
			if dist < bestDist || (dist == bestDist && line <= tok.line && best >= 0 && candLines[best] > tok.line) {
				best, bestDist = i, dist
			}
		}
		if best < 0 {
			continue
		}

		switch tok.kind {
		case tokenOriginal:
			if cands[best].OriginalPrice == nil {
				v := tok.value
				cands[best].OriginalPrice = &v
			}
		case tokenUnitPrice:
			if cands[best].UnitPrice == "" {
				cands[best].UnitPrice = tok.text
			}
		}
	}
}

func findUnit(line string) string {
	line = unitPricePattern.ReplaceAllString(line, " ")
	m := unitPattern.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	name, ok := unitNames[strings.ToLower(m[2])]
	if !ok {
		return ""
	}
	return m[1] + " " + name
}

func findDiscount(line string) (int, bool) {
	m := discountPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	var d int
	if _, err := fmt.Sscanf(strings.TrimPrefix(m[1], "-"), "%d", &d); err != nil || d > 100 {
		return 0, false
	}
	return d, true
}

func detectPriceType(text string) string {
	switch {
	case appPricePattern.MatchString(text):
		return "app"
	case memberPattern.MatchString(text):
		return "member"
	case multiBuyPattern.MatchString(text):
		return "multi-buy"
	default:
		return ""
	}
}

func cleanUnitPrice(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	return collapseSpaces(strings.TrimSpace(s))
}

var titleTrailers = map[string]bool{"nur": true, "je": true, "statt": true, "ab": true, "jetzt": true, "für": true, "uvp": true}

func cleanTitle(s string) string {
	s = strings.ReplaceAll(s, "€", " ")
	words := strings.Fields(s)
	for len(words) > 0 {
		last := strings.ToLower(strings.Trim(words[len(words)-1], "-–:*•|/.,!"))
		if last == "" || titleTrailers[last] {
			words = words[:len(words)-1]
			continue
		}
		break
	}
	return strings.Trim(strings.Join(words, " "), " -–:*•|/,")
}

func normalizeBoilerplate(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r) || unicode.IsDigit(r)
	})
	return collapseSpaces(s)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func countLetters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
