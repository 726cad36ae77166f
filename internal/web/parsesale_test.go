package web

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const salePageHTML = `<!DOCTYPE html>
<html>
<head><title>Clearance | Acme</title></head>
<body>
<h1>End of Season Clearance</h1>
<nav class="breadcrumbs"><a href="/">Home</a><a href="/men">Men</a><a href="/men/sale">Sale</a></nav>
<div class="hero"><h2>Extra 40% Off Clearance Styles</h2></div>
<ul>
  <li class="product-card">
    <h3 class="product-title">Trail Running Shoe</h3>
    <span class="price-original">$120.00</span>
    <span class="price-sale">$72.00</span>
  </li>
  <li class="product-card">
    <h3 class="product-title">Merino Hoodie</h3>
    <s>$150.00</s>
    <span class="price-now">$90.00</span>
  </li>
  <li class="product-card">
    <h3 class="product-title">Unlabeled Tee</h3>
    <span>$40.00</span>
    <span>$24.00</span>
  </li>
</ul>
</body>
</html>`

func TestParseSalePage(t *testing.T) {
	summary, err := ParseSalePage([]byte(salePageHTML))
	require.NoError(t, err)

	assert.Contains(t, summary.Banners, "End of Season Clearance")
	assert.Contains(t, summary.Banners, "Extra 40% Off Clearance Styles")
	assert.Equal(t, []string{"Home", "Men", "Sale"}, summary.Breadcrumbs)
	require.Len(t, summary.Products, 3)

	shoe := summary.Products[0]
	assert.Equal(t, "Trail Running Shoe", shoe.Name)
	assert.Equal(t, 120.0, shoe.OriginalPrice)
	assert.Equal(t, 72.0, shoe.SalePrice)
	assert.Equal(t, 40.0, shoe.DiscountPercent)

	hoodie := summary.Products[1]
	assert.Equal(t, 150.0, hoodie.OriginalPrice)
	assert.Equal(t, 90.0, hoodie.SalePrice)

	// Unlabeled prices: min is the sale price, max the original
	tee := summary.Products[2]
	assert.Equal(t, 40.0, tee.OriginalPrice)
	assert.Equal(t, 24.0, tee.SalePrice)
	assert.Equal(t, 40.0, tee.DiscountPercent)
}

func TestSaleSummaryText(t *testing.T) {
	summary, err := ParseSalePage([]byte(salePageHTML))
	require.NoError(t, err)

	text := summary.Text()
	assert.Contains(t, text, "Banners: End of Season Clearance")
	assert.Contains(t, text, "Breadcrumbs: Home > Men > Sale")
	assert.Contains(t, text, "Trail Running Shoe: $72.00 (was $120.00, 40% off)")
	assert.Contains(t, text, "Observed discounts: 40% off")
}

func TestParseSalePageSingledPrice(t *testing.T) {
	html := `<div class="product-card"><h3>Belt</h3><span>$25.00</span></div>`
	summary, err := ParseSalePage([]byte(html))
	require.NoError(t, err)
	require.Len(t, summary.Products, 1)
	assert.Equal(t, 25.0, summary.Products[0].SalePrice)
	assert.Equal(t, 0.0, summary.Products[0].OriginalPrice)
	assert.Equal(t, 0.0, summary.Products[0].DiscountPercent)
}

func TestParseSalePageNoCards(t *testing.T) {
	summary, err := ParseSalePage([]byte("<html><body><p>Nothing here</p></body></html>"))
	require.NoError(t, err)
	assert.Empty(t, summary.Products)
	assert.Equal(t, 0, summary.TotalCards)
}
