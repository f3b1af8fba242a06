package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/flyer-offers/internal/domain"
)

func textOpts() TextOptions {
	opts := DefaultTextOptions()
	opts.Retailer = domain.RetailerLidl
	opts.Reference = time.Date(2025, time.November, 24, 0, 0, 0, 0, time.UTC)
	return opts
}

func TestParseTextTitlePriceUnit(t *testing.T) {
	cands := ParseText("Bio Tomaten\n1,99 €\n500 g", textOpts())

	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, "Bio Tomaten", c.Title)
	require.NotNil(t, c.Price)
	assert.Equal(t, "1.99", c.Price.StringFixed(2))
	assert.Equal(t, "500 g", c.Unit)
	assert.Equal(t, domain.RetailerLidl, c.Retailer)
	assert.Equal(t, "text:line 2", c.Provenance)
	assert.Empty(t, c.Brand)
	assert.Nil(t, c.ValidFrom)
}

func TestParseTextCollapsesSeparatorVariants(t *testing.T) {
	cands := ParseText("Frische Vollmilch\n1,99 €\n1.99 €", textOpts())

	require.Len(t, cands, 1)
	assert.Equal(t, "Frische Vollmilch", cands[0].Title)
}

func TestParseTextOriginalPriceLine(t *testing.T) {
	cands := ParseText("Butter\nstatt 2,49 €\n1,79 €", textOpts())

	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, "Butter", c.Title)
	assert.Equal(t, "1.79", c.Price.StringFixed(2))
	require.NotNil(t, c.OriginalPrice)
	assert.Equal(t, "2.49", c.OriginalPrice.StringFixed(2))
}

func TestParseTextOriginalPriceSameLine(t *testing.T) {
	cands := ParseText("Kaffee 4,99 € UVP 6,99 €", textOpts())

	require.Len(t, cands, 1)
	assert.Equal(t, "Kaffee", cands[0].Title)
	assert.Equal(t, "4.99", cands[0].Price.StringFixed(2))
	require.NotNil(t, cands[0].OriginalPrice)
	assert.Equal(t, "6.99", cands[0].OriginalPrice.StringFixed(2))
}

func TestParseTextUnitPrice(t *testing.T) {
	cands := ParseText("Hähnchenbrust\n600 g\n5,99 €\n1 kg = 9,98 €", textOpts())

	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, "Hähnchenbrust", c.Title)
	assert.Equal(t, "5.99", c.Price.StringFixed(2))
	assert.Equal(t, "600 g", c.Unit)
	assert.Equal(t, "1 kg = 9,98 €", c.UnitPrice)
}

func TestParseTextDiscount(t *testing.T) {
	cands := ParseText("Joghurt\n-20%\n0,79 €", textOpts())

	require.Len(t, cands, 1)
	require.NotNil(t, cands[0].DiscountPercent)
	assert.Equal(t, 20, *cands[0].DiscountPercent)
}

func TestParseTextIgnoresDates(t *testing.T) {
	assert.Empty(t, ParseText("Angebote ab 24.11.2025", textOpts()))
}

func TestParseTextBrand(t *testing.T) {
	cands := ParseText("Milka Alpenmilch Schokolade\n0,99 €", textOpts())

	require.Len(t, cands, 1)
	assert.Equal(t, "Milka", cands[0].Brand)
}

func TestParseTextDocumentValidity(t *testing.T) {
	text := "Gültig vom 24.11. - 29.11.2025\n\n\n\n\n\n\n\nBananen\n1,29 €"
	cands := ParseText(text, textOpts())

	require.Len(t, cands, 1)
	require.NotNil(t, cands[0].ValidFrom)
	assert.Equal(t, "2025-11-24", cands[0].ValidFrom.String())
	assert.Equal(t, "2025-11-29", cands[0].ValidTo.String())
}

func TestParseTextBoilerplateIsNotTitle(t *testing.T) {
	opts := textOpts()
	opts.Boilerplate = []string{"Lidl lohnt sich"}

	cands := ParseText("Lidl lohnt sich\n2,99 €", opts)
	require.Len(t, cands, 1)
	assert.Empty(t, cands[0].Title)
}

func TestParseTextEmpty(t *testing.T) {
	assert.Empty(t, ParseText("", textOpts()))
}

func TestBrandTable(t *testing.T) {
	table := NewBrandTable(map[string]string{"K-Classic": "K-Classic"})

	brand, ok := table.Lookup("MILKA Alpenmilch")
	assert.True(t, ok)
	assert.Equal(t, "Milka", brand)

	brand, ok = table.Lookup("K-Classic Gouda")
	assert.True(t, ok)
	assert.Equal(t, "K-Classic", brand)

	brand, ok = table.Lookup("Ritter Sport Nuss")
	assert.True(t, ok)
	assert.Equal(t, "Ritter Sport", brand)

	_, ok = table.Lookup("Milkaschnitte")
	assert.False(t, ok)

	_, ok = (*BrandTable)(nil).Lookup("Milka")
	assert.False(t, ok)
}
