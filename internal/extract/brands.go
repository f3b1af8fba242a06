package extract

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// defaultBrands maps lowercase keywords to canonical brand names.
var defaultBrands = map[string]string{
	"alpro":         "Alpro",
	"bahlsen":       "Bahlsen",
	"barilla":       "Barilla",
	"bärenmarke":    "Bärenmarke",
	"beck's":        "Beck's",
	"becks":         "Beck's",
	"ben & jerry's": "Ben & Jerry's",
	"bitburger":     "Bitburger",
	"bonduelle":     "Bonduelle",
	"chio":          "Chio",
	"coca-cola":     "Coca-Cola",
	"coca cola":     "Coca-Cola",
	"coke":          "Coca-Cola",
	"dallmayr":      "Dallmayr",
	"danone":        "Danone",
	"develey":       "Develey",
	"dr. oetker":    "Dr. Oetker",
	"dr oetker":     "Dr. Oetker",
	"ehrmann":       "Ehrmann",
	"erdinger":      "Erdinger",
	"fanta":         "Fanta",
	"ferrero":       "Ferrero",
	"funny-frisch":  "Funny-frisch",
	"gerolsteiner":  "Gerolsteiner",
	"gut & günstig": "Gut & Günstig",
	"haribo":        "Haribo",
	"heinz":         "Heinz",
	"hochland":      "Hochland",
	"iglo":          "Iglo",
	"jacobs":        "Jacobs",
	"ja!":           "ja!",
	"katjes":        "Katjes",
	"kellogg's":     "Kellogg's",
	"kerrygold":     "Kerrygold",
	"kinder":        "Kinder",
	"knorr":         "Knorr",
	"kölln":         "Kölln",
	"krombacher":    "Krombacher",
	"kühne":         "Kühne",
	"landliebe":     "Landliebe",
	"langnese":      "Langnese",
	"lay's":         "Lay's",
	"leibniz":       "Leibniz",
	"lindt":         "Lindt",
	"maggi":         "Maggi",
	"magnum":        "Magnum",
	"meggle":        "Meggle",
	"milbona":       "Milbona",
	"milka":         "Milka",
	"milsani":       "Milsani",
	"müller":        "Müller",
	"mueller":       "Müller",
	"nestlé":        "Nestlé",
	"nestle":        "Nestlé",
	"nutella":       "Nutella",
	"oreo":          "Oreo",
	"paulaner":      "Paulaner",
	"pepsi":         "Pepsi",
	"philadelphia":  "Philadelphia",
	"pringles":      "Pringles",
	"radeberger":    "Radeberger",
	"red bull":      "Red Bull",
	"rewe bio":      "REWE Bio",
	"ritter sport":  "Ritter Sport",
	"rügenwalder":   "Rügenwalder Mühle",
	"storck":        "Storck",
	"tchibo":        "Tchibo",
	"volvic":        "Volvic",
	"wagner":        "Wagner",
	"warsteiner":    "Warsteiner",
	"weihenstephan": "Weihenstephan",
	"zott":          "Zott",
}

// BrandTable resolves brand keywords in free text. Matching is case-insensitive
// and on word boundaries; the longest matching keyword wins.
type BrandTable struct {
	keywords []string
	brands   map[string]string
}

// NewBrandTable builds a table from the default keywords plus extra
// keyword-to-brand entries (typically a retailer's private labels).
func NewBrandTable(extra map[string]string) *BrandTable {
	brands := make(map[string]string, len(defaultBrands)+len(extra))
	for k, v := range defaultBrands {
		brands[k] = v
	}
	for k, v := range extra {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && v != "" {
			brands[k] = v
		}
	}

	keywords := make([]string, 0, len(brands))
	for k := range brands {
		keywords = append(keywords, k)
	}
	// Longest first, then alphabetical, so lookups are deterministic.
	sort.Slice(keywords, func(i, j int) bool {
		if len(keywords[i]) != len(keywords[j]) {
			return len(keywords[i]) > len(keywords[j])
		}
		return keywords[i] < keywords[j]
	})

	return &BrandTable{keywords: keywords, brands: brands}
}

// Lookup returns the canonical brand mentioned in text.
func (t *BrandTable) Lookup(text string) (string, bool) {
	if t == nil || text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, kw := range t.keywords {
		if containsWord(lower, kw) {
			return t.brands[kw], true
		}
	}
	return "", false
}

// containsWord reports whether kw occurs in s delimited by non-alphanumerics.
func containsWord(s, kw string) bool {
	for offset := 0; offset < len(s); {
		idx := strings.Index(s[offset:], kw)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(kw)
		if boundaryBefore(s, start) && boundaryAfter(s, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(s[start:])
		offset = start + size
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
