package web

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MaxPageLinks caps how many outbound links a parsed page keeps.
const MaxPageLinks = 10

// PageContent is the distilled form of an HTML page.
type PageContent struct {
	Title        string
	CanonicalURL string
	Links        []string
	Text         string
}

var spaceRegex = regexp.MustCompile(`[ \t]+`)

// ParsePage strips boilerplate from an HTML document and extracts the title,
// canonical URL, up to MaxPageLinks outbound links, and the visible text
// (link text included).
func ParsePage(html []byte, baseURL string) (*PageContent, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}

	base, _ := url.Parse(baseURL)

	doc.Find("script, style, noscript, header, footer, nav").Remove()

	content := &PageContent{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}

	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		content.CanonicalURL = resolveURL(base, strings.TrimSpace(href))
	}

	seen := make(map[string]bool)
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") || strings.HasPrefix(lower, "javascript:") {
			return true
		}
		abs := resolveURL(base, href)
		if abs == "" || seen[abs] {
			return true
		}
		seen[abs] = true
		content.Links = append(content.Links, abs)
		return len(content.Links) < MaxPageLinks
	})

	content.Text = normalizeText(doc.Find("body").Text())
	if content.Text == "" {
		content.Text = normalizeText(doc.Text())
	}
	return content, nil
}

func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Host == "" {
		return ""
	}
	return ref.String()
}

// normalizeText collapses runs of spaces within lines and drops blank lines,
// keeping one line per block of visible text.
func normalizeText(raw string) string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(spaceRegex.ReplaceAllString(line, " "))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
