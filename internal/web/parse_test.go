package web

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePage(t *testing.T) {
	html := `<!DOCTYPE html>
<html>
<head>
  <title>Summer Sale | Acme</title>
  <link rel="canonical" href="https://acme.com/sale">
  <script>var tracking = true;</script>
  <style>.x { color: red }</style>
</head>
<body>
  <header>Site header nav stuff</header>
  <nav><a href="/home">Home</a></nav>
  <h1>Summer Sale</h1>
  <p>Up to <b>50% off</b> sitewide. <a href="/sale/shoes">Shop shoes</a></p>
  <a href="https://acme.com/sale/shirts">Shirts</a>
  <a href="mailto:help@acme.com">Email us</a>
  <a href="tel:+15551234">Call</a>
  <a href="javascript:void(0)">Open</a>
  <a href="#top">Back to top</a>
  <footer>Copyright Acme</footer>
  <noscript>Enable JS</noscript>
</body>
</html>`

	content, err := ParsePage([]byte(html), "https://acme.com/sale")
	require.NoError(t, err)

	assert.Equal(t, "Summer Sale | Acme", content.Title)
	assert.Equal(t, "https://acme.com/sale", content.CanonicalURL)
	assert.Equal(t, []string{"https://acme.com/sale/shoes", "https://acme.com/sale/shirts"}, content.Links)

	assert.Contains(t, content.Text, "Summer Sale")
	assert.Contains(t, content.Text, "Shop shoes") // link text preserved
	assert.NotContains(t, content.Text, "tracking")
	assert.NotContains(t, content.Text, "Site header")
	assert.NotContains(t, content.Text, "Copyright Acme")
	assert.NotContains(t, content.Text, "Enable JS")
}

func TestParsePageLinkCapAndDedup(t *testing.T) {
	html := "<html><body>"
	for i := 0; i < 30; i++ {
		html += `<a href="/p/` + string(rune('a'+i%15)) + `">link</a>`
	}
	html += "</body></html>"

	content, err := ParsePage([]byte(html), "https://acme.com/")
	require.NoError(t, err)

	assert.Len(t, content.Links, MaxPageLinks)
	seen := make(map[string]bool)
	for _, l := range content.Links {
		assert.False(t, seen[l], "duplicate link %s", l)
		seen[l] = true
	}
}

func TestParsePageRelativeCanonical(t *testing.T) {
	html := `<html><head><link rel="canonical" href="/sale"></head><body>x</body></html>`

	content, err := ParsePage([]byte(html), "https://acme.com/sale?utm=1")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.com/sale", content.CanonicalURL)
}

func TestNormalizeText(t *testing.T) {
	in := "  Line   one  \n\n\n   Line two\t\twith   tabs  \n"
	assert.Equal(t, "Line one\nLine two with tabs", normalizeText(in))
}
