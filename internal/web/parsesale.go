package web

import (
	"bytes"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MaxProductSamples caps how many product cards make it into the summary.
const MaxProductSamples = 10

// ProductSample is one product card observed on a sale page. Zero prices
// mean the field could not be determined.
type ProductSample struct {
	Name            string
	OriginalPrice   float64
	SalePrice       float64
	DiscountPercent float64
}

// SaleSummary is the structured distillation of a sale/clearance listing
// page, suitable for rendering as a compact text payload.
type SaleSummary struct {
	Banners     []string
	Breadcrumbs []string
	Products    []ProductSample
	TotalCards  int
}

var (
	priceRegex         = regexp.MustCompile(`\$\s?(\d[\d,]*(?:\.\d{1,2})?)`)
	originalClassRegex = regexp.MustCompile(`original|compare|was|old`)
	saleClassRegex     = regexp.MustCompile(`sale|current|now|discount`)
)

var productCardSelector = strings.Join([]string{
	"[class*='product-card']",
	"[class*='product-item']",
	"[class*='product-tile']",
	"[class*='product-grid-item']",
	"li[class*='product']",
	"article[class*='product']",
	"[data-product-id]",
}, ", ")

// ParseSalePage extracts banners, breadcrumbs, and priced product samples
// from a sale listing page.
func ParseSalePage(html []byte) (*SaleSummary, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}

	doc.Find("script, style, noscript").Remove()

	summary := &SaleSummary{}

	doc.Find("h1, [class*='hero'] h2, [class*='banner']").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(spaceRegex.ReplaceAllString(sel.Text(), " "))
		if text == "" || len(text) > 200 || len(summary.Banners) >= 5 {
			return
		}
		for _, existing := range summary.Banners {
			if existing == text {
				return
			}
		}
		summary.Banners = append(summary.Banners, text)
	})

	doc.Find("[class*='breadcrumb'] a, nav[aria-label='breadcrumb'] a").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text != "" && len(summary.Breadcrumbs) < 8 {
			summary.Breadcrumbs = append(summary.Breadcrumbs, text)
		}
	})

	doc.Find(productCardSelector).Each(func(_ int, card *goquery.Selection) {
		summary.TotalCards++
		if len(summary.Products) >= MaxProductSamples {
			return
		}
		product := parseProductCard(card)
		if product.Name == "" && product.SalePrice == 0 && product.OriginalPrice == 0 {
			return
		}
		summary.Products = append(summary.Products, product)
	})

	return summary, nil
}

func parseProductCard(card *goquery.Selection) ProductSample {
	var p ProductSample

	for _, sel := range []string{"[class*='title']", "[class*='name']", "h2", "h3", "a"} {
		name := strings.TrimSpace(spaceRegex.ReplaceAllString(card.Find(sel).First().Text(), " "))
		if name != "" {
			p.Name = name
			break
		}
	}

	var labeled bool
	card.Find("[class*='price'], s, del").Each(func(_ int, sel *goquery.Selection) {
		price, ok := firstPrice(sel.Text())
		if !ok {
			return
		}
		tag := goquery.NodeName(sel)
		class, _ := sel.Attr("class")
		class = strings.ToLower(class)
		switch {
		case tag == "s" || tag == "del" || originalClassRegex.MatchString(class):
			if p.OriginalPrice == 0 {
				p.OriginalPrice = price
				labeled = true
			}
		case saleClassRegex.MatchString(class):
			if p.SalePrice == 0 {
				p.SalePrice = price
				labeled = true
			}
		}
	})

	// No labeled prices: fall back to min/max across all prices in the card.
	if !labeled || p.SalePrice == 0 {
		prices := allPrices(card.Text())
		if len(prices) >= 2 {
			min, max := prices[0], prices[0]
			for _, v := range prices[1:] {
				min = math.Min(min, v)
				max = math.Max(max, v)
			}
			if min < max {
				p.SalePrice = min
				if p.OriginalPrice == 0 {
					p.OriginalPrice = max
				}
			}
		} else if len(prices) == 1 && p.SalePrice == 0 {
			p.SalePrice = prices[0]
		}
	}

	if p.OriginalPrice > p.SalePrice && p.SalePrice > 0 {
		p.DiscountPercent = math.Round((p.OriginalPrice - p.SalePrice) / p.OriginalPrice * 100)
	}
	return p
}

func firstPrice(text string) (float64, bool) {
	m := priceRegex.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func allPrices(text string) []float64 {
	var prices []float64
	for _, m := range priceRegex.FindAllStringSubmatch(text, 30) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err == nil && v > 0 {
			prices = append(prices, v)
		}
	}
	return prices
}

// Text renders the summary as a compact payload for extraction.
func (s *SaleSummary) Text() string {
	var b strings.Builder

	if len(s.Banners) > 0 {
		b.WriteString("Banners: " + strings.Join(s.Banners, " | ") + "\n")
	}
	if len(s.Breadcrumbs) > 0 {
		b.WriteString("Breadcrumbs: " + strings.Join(s.Breadcrumbs, " > ") + "\n")
	}

	if len(s.Products) > 0 {
		fmt.Fprintf(&b, "Products (%d of %d):\n", len(s.Products), s.TotalCards)
		minDisc, maxDisc := 0.0, 0.0
		for _, p := range s.Products {
			line := "- " + p.Name
			if p.SalePrice > 0 {
				line += fmt.Sprintf(": $%.2f", p.SalePrice)
			}
			if p.OriginalPrice > p.SalePrice && p.SalePrice > 0 {
				line += fmt.Sprintf(" (was $%.2f, %.0f%% off)", p.OriginalPrice, p.DiscountPercent)
				if minDisc == 0 || p.DiscountPercent < minDisc {
					minDisc = p.DiscountPercent
				}
				if p.DiscountPercent > maxDisc {
					maxDisc = p.DiscountPercent
				}
			}
			b.WriteString(line + "\n")
		}
		if maxDisc > 0 {
			if minDisc == maxDisc {
				fmt.Fprintf(&b, "Observed discounts: %.0f%% off\n", maxDisc)
			} else {
				fmt.Fprintf(&b, "Observed discounts: %.0f%%-%.0f%% off\n", minDisc, maxDisc)
			}
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
