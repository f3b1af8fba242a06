package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/spherical/flyer-offers/internal/domain"
)

// Keys that mark a JSON object as a product.
var (
	productTitleKeys = []string{"name", "title", "productName", "product_name"}
	productPriceKeys = []string{"price", "currentPrice", "current_price", "salePrice", "offers", "priceInfo"}
)

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
	"svg":      true,
}

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"dd": true, "div": true, "dl": true, "dt": true, "figcaption": true, "figure": true,
	"footer": true, "form": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "header": true, "hr": true, "li": true, "main": true,
	"nav": true, "ol": true, "p": true, "section": true, "table": true, "td": true,
	"th": true, "tr": true, "ul": true,
}

type htmlScan struct {
	Records []domain.RawRecord
	Text    string
}

// scanHTML collects product objects from JSON-LD and hydration scripts and
// the visible text of the document.
func scanHTML(doc string, scriptIDs []string) (htmlScan, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return htmlScan{}, fmt.Errorf("parse HTML: %w", err)
	}

	ids := make(map[string]bool, len(scriptIDs))
	for _, id := range scriptIDs {
		ids[id] = true
	}

	var (
		scan htmlScan
		text strings.Builder
	)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if n.Data == "script" {
				if source, ok := scriptSource(n, ids); ok && n.FirstChild != nil {
					scan.Records = append(scan.Records, productRecords(n.FirstChild.Data, source)...)
				}
				return
			}
			if skippedElements[n.Data] {
				return
			}
			if blockElements[n.Data] {
				text.WriteByte('\n')
			}
		case html.TextNode:
			text.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			text.WriteByte('\n')
		}
	}
	walk(root)

	scan.Text = cleanText(text.String())
	return scan, nil
}

// scriptSource reports whether a script element carries product JSON and
// names its source: "ld+json" or the element id.
func scriptSource(n *html.Node, ids map[string]bool) (string, bool) {
	for _, attr := range n.Attr {
		switch attr.Key {
		case "type":
			if strings.EqualFold(strings.TrimSpace(attr.Val), "application/ld+json") {
				return "ld+json", true
			}
		case "id":
			if ids[attr.Val] {
				return attr.Val, true
			}
		}
	}
	return "", false
}

// productRecords decodes data and walks it for product-like objects.
// Malformed JSON yields nothing.
func productRecords(data, source string) []domain.RawRecord {
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(data))))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil
	}

	var records []domain.RawRecord
	var walk func(interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case map[string]interface{}:
			if isProduct(t) {
				records = append(records, domain.RawRecord{Fields: t, Source: source})
				return
			}
			// map order is random; walk keys sorted so records keep a stable order
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		case []interface{}:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(v)
	return records
}

func isProduct(obj map[string]interface{}) bool {
	return hasNonEmpty(obj, productTitleKeys) && hasNonEmpty(obj, productPriceKeys)
}

func hasNonEmpty(obj map[string]interface{}, keys []string) bool {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil && v != "" {
			return true
		}
	}
	return false
}

// cleanText trims every line, collapses inner whitespace and drops blank lines.
func cleanText(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
