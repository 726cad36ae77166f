package digest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/repository/postgres"
)

func renderEntry(slug, name, headline, badge string) Entry {
	return Entry{
		Promo: postgres.PromoWithStore{
			Promo:     domain.Promo{ID: "p-" + slug + headline, Headline: headline},
			StoreSlug: slug,
			StoreName: name,
		},
		Badge: badge,
	}
}

func TestRenderGroupsByStore(t *testing.T) {
	r := NewRenderer()

	entries := []Entry{
		renderEntry("zulu", "Zulu", "Extra 10% Off", BadgeUpdated),
		renderEntry("acme", "Acme", "25% Off Everything", BadgeNew),
	}

	out, err := r.Render(domain.RunDaily, "2026-08-24", entries)
	require.NoError(t, err)

	assert.Contains(t, out, "Promo digest for 2026-08-24")
	assert.Contains(t, out, "2 promos across 2 stores")
	assert.Contains(t, out, "25% Off Everything")
	assert.Contains(t, out, "Extra 10% Off")
	// Stores come out alphabetically.
	assert.Less(t, strings.Index(out, "<h2>Acme</h2>"), strings.Index(out, "<h2>Zulu</h2>"))
}

func TestRenderPromoFields(t *testing.T) {
	r := NewRenderer()

	code := "SAVE25"
	discount := "25% off sitewide"
	landing := "https://acme.com/sale"
	ends := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	entry := Entry{
		Promo: postgres.PromoWithStore{
			Promo: domain.Promo{
				ID:           "p1",
				Headline:     "25% Off Everything",
				DiscountText: &discount,
				Code:         &code,
				EndsAt:       &ends,
				EndInferred:  true,
				LandingURL:   &landing,
			},
			StoreSlug: "acme",
			StoreName: "Acme",
		},
		Badge:      BadgeNew,
		Changes:    []string{"created"},
		SourceType: "web",
		SourceURL:  "https://acme.com/other",
	}

	out, err := r.Render(domain.RunWeekly, "2026-08-24", entries(entry))
	require.NoError(t, err)

	assert.Contains(t, out, "Weekly promo digest")
	assert.Contains(t, out, `href="https://acme.com/sale"`)
	assert.Contains(t, out, "SAVE25")
	assert.Contains(t, out, "25% off sitewide")
	assert.Contains(t, out, "Ends Sep 1")
	assert.Contains(t, out, "(inferred)")
	assert.Contains(t, out, "Changes: created")
	assert.Contains(t, out, "via web")
	assert.Contains(t, out, `class="promo badge-new"`)
}

func entries(list ...Entry) []Entry { return list }

func TestRenderEscapesHeadline(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render(domain.RunDaily, "2026-08-24",
		entries(renderEntry("acme", "Acme", `<script>alert("x")</script>`, BadgeNew)))
	require.NoError(t, err)
	assert.NotContains(t, out, "<script>alert")
	assert.Contains(t, out, "&lt;script&gt;")
}

func TestRenderEscapesLandingURL(t *testing.T) {
	r := NewRenderer()

	landing := `https://acme.com/sale?q="><script>alert(1)</script>`
	entry := renderEntry("acme", "Acme", "Big Sale", BadgeNew)
	entry.Promo.LandingURL = &landing

	out, err := r.Render(domain.RunDaily, "2026-08-24", entries(entry))
	require.NoError(t, err)
	// A quote in the URL must not break out of the href attribute.
	assert.NotContains(t, out, `href="https://acme.com/sale?q="><script>`)
	assert.Contains(t, out, `href="https://acme.com/sale?q=&#34;&gt;&lt;script&gt;`)
}

func TestArchivePathAppendsSuffix(t *testing.T) {
	taken := map[string]bool{
		"/tmp/arch/daily/2026-08-24.html":   true,
		"/tmp/arch/daily/2026-08-24-1.html": true,
	}
	exists := func(p string) bool { return taken[p] }

	path := ArchivePath("/tmp/arch", domain.RunDaily, "2026-08-24", exists)
	assert.Equal(t, "/tmp/arch/daily/2026-08-24-2.html", path)

	fresh := ArchivePath("/tmp/arch", domain.RunWeekly, "2026-08-24", func(string) bool { return false })
	assert.Equal(t, "/tmp/arch/weekly/2026-08-24.html", fresh)
}
