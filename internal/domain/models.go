package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Retailer identifies one supported flyer source.
type Retailer string

const (
	RetailerLidl     Retailer = "LIDL"
	RetailerAldiNord Retailer = "ALDI_NORD"
	RetailerAldiSued Retailer = "ALDI_SUED"
	RetailerRewe     Retailer = "REWE"
	RetailerEdeka    Retailer = "EDEKA"
	RetailerPenny    Retailer = "PENNY"
	RetailerNetto    Retailer = "NETTO"
	RetailerKaufland Retailer = "KAUFLAND"
)

// SupportedRetailers is the fixed set of retailers the pipeline accepts.
var SupportedRetailers = []Retailer{
	RetailerLidl,
	RetailerAldiNord,
	RetailerAldiSued,
	RetailerRewe,
	RetailerEdeka,
	RetailerPenny,
	RetailerNetto,
	RetailerKaufland,
}

// ParseRetailer normalizes s ("aldi-sued", "Aldi Sued") and checks it against the supported set.
func ParseRetailer(s string) (Retailer, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_", "Ü", "UE").Replace(norm)
	for _, r := range SupportedRetailers {
		if string(r) == norm {
			return r, nil
		}
	}
	return "", ValidationError(fmt.Sprintf("unsupported retailer %q", s), nil)
}

// Offer is the canonical, validated record of one promotion for one week.
type Offer struct {
	ID              string           `json:"id"`
	Retailer        Retailer         `json:"retailer"`
	Title           string           `json:"title"`
	Price           decimal.Decimal  `json:"price"`
	OriginalPrice   *decimal.Decimal `json:"originalPrice,omitempty"`
	DiscountPercent *int             `json:"discountPercent,omitempty"`
	Unit            string           `json:"unit,omitempty"`
	Brand           string           `json:"brand,omitempty"`
	Category        string           `json:"category,omitempty"`
	ImageURL        string           `json:"imageUrl,omitempty"`
	Page            int              `json:"page,omitempty"`
	PriceType       string           `json:"priceType,omitempty"`
	UnitPrice       string           `json:"unitPrice,omitempty"`
	ValidFrom       Date             `json:"validFrom"`
	ValidTo         Date             `json:"validTo"`
	WeekKey         WeekKey          `json:"weekKey"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Candidate is an unvalidated extraction result. Every field is optional.
type Candidate struct {
	Retailer        Retailer         `json:"retailer,omitempty"`
	Title           string           `json:"title,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	OriginalPrice   *decimal.Decimal `json:"originalPrice,omitempty"`
	DiscountPercent *int             `json:"discountPercent,omitempty"`
	Unit            string           `json:"unit,omitempty"`
	Brand           string           `json:"brand,omitempty"`
	Category        string           `json:"category,omitempty"`
	ImageURL        string           `json:"imageUrl,omitempty"`
	Page            int              `json:"page,omitempty"`
	PriceType       string           `json:"priceType,omitempty"`
	UnitPrice       string           `json:"unitPrice,omitempty"`
	ValidFrom       *Date            `json:"validFrom,omitempty"`
	ValidTo         *Date            `json:"validTo,omitempty"`
	RawText         string           `json:"rawText,omitempty"`
	Provenance      string           `json:"provenance,omitempty"`
}

// ImageRef points at one image to analyze. Exactly one of Path, URL or Data
// is normally set; Data wins when present.
type ImageRef struct {
	Page     int    `json:"page"`
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// Label returns a short human-readable identifier for logs.
func (r ImageRef) Label() string {
	switch {
	case r.Path != "":
		return fmt.Sprintf("page %d (%s)", r.Page, r.Path)
	case r.URL != "":
		return fmt.Sprintf("page %d (%s)", r.Page, r.URL)
	default:
		return fmt.Sprintf("page %d (inline)", r.Page)
	}
}

// RawRecord is one pre-structured product object found in embedded page data.
type RawRecord struct {
	Fields map[string]interface{} `json:"fields"`
	Source string                 `json:"source"`
}

// SourceKind tags the raw input handed to the source adapter.
type SourceKind string

const (
	SourcePDF    SourceKind = "pdf"
	SourceHTML   SourceKind = "html"
	SourceRender SourceKind = "render"
	SourceText   SourceKind = "text"
	SourceImages SourceKind = "images"
)

// RenderOptions are passed through to the render collaborator.
type RenderOptions struct {
	Timeout       time.Duration
	WaitSelector  string
	Screenshot    bool
	UserAgent     string
	ScrollToEnd   bool
	ImageSelector string
}

// RenderResult is what the render/crawl collaborator returns for one URL.
type RenderResult struct {
	HTML     string     `json:"html"`
	Images   []ImageRef `json:"images"`
	Markdown string     `json:"markdown"`
}

// RawSource is one retailer's raw input for one week.
type RawSource struct {
	Retailer Retailer
	WeekKey  WeekKey
	Kind     SourceKind
	Data     []byte
	Path     string
	URL      string
	Render   *RenderResult
	Images   []ImageRef
}

// NormalizedKind tags the source adapter's output.
type NormalizedKind string

const (
	NormalizedUnknown    NormalizedKind = "unknown"
	NormalizedText       NormalizedKind = "text"
	NormalizedImages     NormalizedKind = "images"
	NormalizedStructured NormalizedKind = "structured"
)

// Normalized is the tagged union produced by the source adapter.
type Normalized struct {
	Kind    NormalizedKind
	Text    string
	Images  []ImageRef
	Records []RawRecord
	Reason  string // set for NormalizedUnknown
}

func TextSource(text string) Normalized { return Normalized{Kind: NormalizedText, Text: text} }

func ImageSource(images []ImageRef) Normalized {
	return Normalized{Kind: NormalizedImages, Images: images}
}

func StructuredSource(records []RawRecord) Normalized {
	return Normalized{Kind: NormalizedStructured, Records: records}
}

func UnknownSource(format string, args ...interface{}) Normalized {
	return Normalized{Kind: NormalizedUnknown, Reason: fmt.Sprintf(format, args...)}
}

// Partition is the (retailer, weekKey) unit of replacement in the store.
type Partition struct {
	Retailer Retailer `json:"retailer"`
	WeekKey  WeekKey  `json:"weekKey"`
	Count    int      `json:"count"`
}

func (p Partition) String() string { return fmt.Sprintf("%s/%s", p.Retailer, p.WeekKey) }

// SortOffers orders offers by retailer, week, page, title and id so that
// stored and queried sets compare deterministically.
func SortOffers(offers []Offer) {
	sort.SliceStable(offers, func(i, j int) bool {
		a, b := offers[i], offers[j]
		if a.Retailer != b.Retailer {
			return a.Retailer < b.Retailer
		}
		if a.WeekKey != b.WeekKey {
			return a.WeekKey < b.WeekKey
		}
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
}

// EventType represents the type of pipeline event
type EventType string

const (
	EventRunStart      EventType = "run_start"
	EventStageComplete EventType = "stage_complete"
	EventUnitComplete  EventType = "unit_complete"
	EventRunComplete   EventType = "run_complete"
	EventError         EventType = "error"
)

// StreamEvent represents an event emitted while a run progresses.
type StreamEvent struct {
	Type       EventType   `json:"type"`
	Retailer   Retailer    `json:"retailer"`
	WeekKey    WeekKey     `json:"week_key"`
	Stage      string      `json:"stage,omitempty"`
	PageNumber int         `json:"page_number,omitempty"`
	Total      int         `json:"total,omitempty"`
	Payload    interface{} `json:"payload,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}
