package digest

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/osteele/liquid"

	"github.com/promowatch/promowatch/internal/domain"
)

// digestTemplate is the operator-facing digest layout, grouped by store.
const digestTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{ title }}</title>
<style>
body { font-family: -apple-system, Helvetica, Arial, sans-serif; color: #1a1a1a; max-width: 720px; margin: 0 auto; padding: 16px; }
h1 { font-size: 20px; }
h2 { font-size: 16px; border-bottom: 1px solid #ddd; padding-bottom: 4px; margin-top: 24px; }
.promo { margin: 12px 0; padding: 8px 12px; border-left: 3px solid #ccc; }
.promo.badge-new { border-left-color: #2e7d32; }
.promo.badge-updated { border-left-color: #f9a825; }
.badge { font-size: 11px; font-weight: bold; padding: 1px 6px; border-radius: 3px; background: #eee; }
.badge-new .badge { background: #c8e6c9; }
.badge-updated .badge { background: #fff3c4; }
.meta { color: #666; font-size: 12px; }
.code { font-family: monospace; background: #f4f4f4; padding: 1px 5px; }
</style>
</head>
<body>
<h1>{{ title }}</h1>
<p class="meta">{{ entry_count }} promos across {{ store_count }} stores</p>
{% for store in stores %}
<h2>{{ store.name }}</h2>
{% for promo in store.promos %}
<div class="promo badge-{{ promo.badge_class }}">
  <span class="badge">{{ promo.badge }}</span>
  <strong>{% if promo.url != "" %}<a href="{{ promo.url }}">{{ promo.headline }}</a>{% else %}{{ promo.headline }}{% endif %}</strong>
  {% if promo.discount != "" %}<div>{{ promo.discount }}</div>{% endif %}
  {% if promo.code != "" %}<div>Code: <span class="code">{{ promo.code }}</span></div>{% endif %}
  {% if promo.ends != "" %}<div class="meta">Ends {{ promo.ends }}{% if promo.end_inferred %} (inferred){% endif %}</div>{% endif %}
  {% if promo.changes != "" %}<div class="meta">Changes: {{ promo.changes }}</div>{% endif %}
  <div class="meta">via {{ promo.source }}</div>
</div>
{% endfor %}
{% endfor %}
</body>
</html>
`

// Renderer turns selected entries into the digest HTML.
type Renderer struct {
	engine *liquid.Engine
}

// NewRenderer creates a renderer.
func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render produces the digest HTML for one run.
func (r *Renderer) Render(runType domain.RunType, digestDate string, entries []Entry) (string, error) {
	title := fmt.Sprintf("Promo digest for %s", digestDate)
	if runType == domain.RunWeekly {
		title = fmt.Sprintf("Weekly promo digest for %s", digestDate)
	}

	bindings := map[string]interface{}{
		"title":       title,
		"entry_count": len(entries),
		"store_count": 0,
		"stores":      groupByStore(entries),
	}
	bindings["store_count"] = len(bindings["stores"].([]map[string]interface{}))

	out, err := r.engine.ParseAndRenderString(digestTemplate, bindings)
	if err != nil {
		return "", fmt.Errorf("render digest: %w", err)
	}
	return out, nil
}

// groupByStore orders stores alphabetically and keeps each store's entries
// in selection order, so NEW items lead.
func groupByStore(entries []Entry) []map[string]interface{} {
	byStore := make(map[string][]Entry)
	names := make(map[string]string)
	for _, entry := range entries {
		byStore[entry.Promo.StoreSlug] = append(byStore[entry.Promo.StoreSlug], entry)
		names[entry.Promo.StoreSlug] = entry.Promo.StoreName
	}

	slugs := make([]string, 0, len(byStore))
	for slug := range byStore {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	stores := make([]map[string]interface{}, 0, len(slugs))
	for _, slug := range slugs {
		promoMaps := make([]map[string]interface{}, 0, len(byStore[slug]))
		for _, entry := range byStore[slug] {
			promoMaps = append(promoMaps, entryBindings(entry))
		}
		stores = append(stores, map[string]interface{}{
			"slug":   slug,
			"name":   names[slug],
			"promos": promoMaps,
		})
	}
	return stores
}

func entryBindings(entry Entry) map[string]interface{} {
	p := entry.Promo

	discount := ""
	if p.DiscountText != nil {
		discount = *p.DiscountText
	} else if p.PercentOff != nil {
		discount = fmt.Sprintf("%.0f%% off", *p.PercentOff)
	} else if p.AmountOff != nil {
		discount = fmt.Sprintf("$%.0f off", *p.AmountOff)
	}

	code := ""
	if p.Code != nil {
		code = *p.Code
	}
	ends := ""
	if p.EndsAt != nil {
		ends = p.EndsAt.UTC().Format("Jan 2")
	}
	url := entry.SourceURL
	if p.LandingURL != nil && *p.LandingURL != "" {
		url = *p.LandingURL
	}

	return map[string]interface{}{
		"headline":     html.EscapeString(p.Headline),
		"badge":        entry.Badge,
		"badge_class":  strings.ToLower(entry.Badge),
		"discount":     html.EscapeString(discount),
		"code":         html.EscapeString(code),
		"ends":         ends,
		"end_inferred": p.EndInferred,
		"changes":      strings.Join(entry.Changes, ", "),
		"source":       entry.SourceType,
		"url":          html.EscapeString(url),
	}
}

// PreviewFilename is where dry runs leave the rendered digest.
const PreviewFilename = "digest_preview.html"

// ArchivePath builds the archive file path for a digest, appending -N when
// earlier archives for the same date already exist. exists reports whether a
// candidate path is taken.
func ArchivePath(dir string, runType domain.RunType, digestDate string, exists func(string) bool) string {
	base := fmt.Sprintf("%s/%s/%s", dir, runType, digestDate)
	path := base + ".html"
	for n := 1; exists(path); n++ {
		path = fmt.Sprintf("%s-%d.html", base, n)
	}
	return path
}

// DefaultLookback is the selection window used when no prior successful run
// exists for a cadence.
func DefaultLookback(runType domain.RunType) time.Duration {
	if runType == domain.RunWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}
