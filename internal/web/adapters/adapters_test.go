package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promowatch/promowatch/internal/browser"
	"github.com/promowatch/promowatch/internal/domain"
	"github.com/promowatch/promowatch/internal/web"
)

func testEnv(t *testing.T, srv *httptest.Server, configKey string, config map[string]any) *Env {
	t.Helper()
	fetcher := web.NewFetcher(srv.Client(), "testbot/1.0")
	category := "apparel"
	return &Env{
		Fetcher: fetcher,
		Policy:  web.NewPolicyGate(fetcher, "testbot/1.0", true),
		Gate:    web.NewRateGate(),
		Budget:  web.NewRequestBudget(100, 0),
		Store: &domain.Store{
			ID:           "store-1",
			Slug:         "acme",
			Name:         "Acme",
			Category:     &category,
			RobotsPolicy: domain.RobotsEnforce,
		},
		Config: &domain.SourceConfig{
			StoreID:   "store-1",
			ConfigKey: configKey,
			Config:    config,
		},
		CrawlDelay:   0,
		MaxBodyBytes: web.DefaultMaxBodyBytes,
	}
}

func TestSitemapAdapterDiscover(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>` + srv.URL + `/sale</loc><lastmod>2026-08-20</lastmod></url>
  <url><loc>` + srv.URL + `/new-arrivals</loc><lastmod>2026-08-23</lastmod></url>
  <url><loc>` + srv.URL + `/blog/post</loc><lastmod>2026-08-22</lastmod></url>
</urlset>`))
	})
	pageHandler := func(title string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html><head><title>` + title + `</title></head><body><p>Deals inside, 30% off sitewide</p><a href="/shop">Shop</a></body></html>`))
		}
	}
	mux.HandleFunc("/sale", pageHandler("Sale"))
	mux.HandleFunc("/new-arrivals", pageHandler("New Arrivals"))
	mux.HandleFunc("/blog/post", pageHandler("Blog"))
	srv = httptest.NewServer(mux)
	defer srv.Close()

	env := testEnv(t, srv, srv.URL+"/sitemap.xml", map[string]any{"exclude": `/blog/`})
	result := NewSitemapAdapter(env).Discover(context.Background())

	assert.Equal(t, StatusSuccess, result.Status)
	require.Len(t, result.Signals, 2)
	// Freshest lastmod first
	assert.Equal(t, srv.URL+"/new-arrivals", result.Signals[0].URL)
	assert.Equal(t, srv.URL+"/sale", result.Signals[1].URL)
	assert.Equal(t, domain.SourceSitemap, result.Signals[0].SourceType)
	assert.Contains(t, result.Signals[0].PayloadText, "30% off")
	assert.Equal(t, "New Arrivals", result.Signals[0].Metadata["title"])
	// Sitemap fetch + 2 page fetches
	assert.Equal(t, 3, result.HTTPRequests)
	assert.NotEmpty(t, result.SampleURLs)
}

func TestSitemapAdapterIndexRecursion(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>` + srv.URL + `/sitemap-pages.xml</loc></sitemap>
</sitemapindex>`))
	})
	mux.HandleFunc("/sitemap-pages.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<urlset><url><loc>` + srv.URL + `/deals</loc></url></urlset>`))
	})
	mux.HandleFunc("/deals", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Deals</title></head><body>Save $20 today</body></html>`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	env := testEnv(t, srv, srv.URL+"/sitemap.xml", nil)
	result := NewSitemapAdapter(env).Discover(context.Background())

	assert.Equal(t, StatusSuccess, result.Status)
	require.Len(t, result.Signals, 1)
	assert.Equal(t, srv.URL+"/deals", result.Signals[0].URL)
}

func TestSitemapAdapterNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	env := testEnv(t, srv, srv.URL+"/sitemap.xml", nil)
	etag := `"v1"`
	env.Config.ETag = &etag

	result := NewSitemapAdapter(env).Discover(context.Background())
	assert.Equal(t, StatusEmpty, result.Status)
	assert.Empty(t, result.Signals)
}

func TestRSSAdapterDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"feed-v2"`)
		w.Write([]byte(`<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Acme Deals</title>
  <item>
    <title>Flash Sale 40% Off</title>
    <link>https://acme.com/flash</link>
    <guid>flash-1</guid>
    <description>Everything 40% off today only</description>
    <pubDate>Sun, 23 Aug 2026 09:00:00 GMT</pubDate>
  </item>
  <item>
    <title>New lookbook</title>
    <link>https://acme.com/lookbook</link>
    <description>Fall styles preview</description>
    <pubDate>Fri, 21 Aug 2026 09:00:00 GMT</pubDate>
  </item>
</channel></rss>`))
	}))
	defer srv.Close()

	env := testEnv(t, srv, srv.URL+"/feed", nil)
	result := NewRSSAdapter(env).Discover(context.Background())

	assert.Equal(t, StatusSuccess, result.Status)
	require.Len(t, result.Signals, 2)
	assert.Equal(t, "https://acme.com/flash", result.Signals[0].URL)
	assert.Contains(t, result.Signals[0].PayloadText, "40% off")
	assert.Equal(t, "flash-1", result.Signals[0].Metadata["id"])
	assert.Equal(t, `"feed-v2"`, result.ETag)
	require.NotNil(t, result.LastSeenItemAt)
	assert.Equal(t, time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC), result.LastSeenItemAt.UTC())
}

func TestRSSAdapterMaxEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		feed := `<?xml version="1.0"?><rss version="2.0"><channel><title>Feed</title>`
		for i := 0; i < 5; i++ {
			feed += `<item><title>Deal</title><link>https://acme.com/d</link><description>Sale</description></item>`
		}
		feed += `</channel></rss>`
		w.Write([]byte(feed))
	}))
	defer srv.Close()

	env := testEnv(t, srv, srv.URL, map[string]any{"max_entries": 2})
	result := NewRSSAdapter(env).Discover(context.Background())
	assert.Len(t, result.Signals, 2)
}

func TestJSONEndpointAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{ "promos":  [ {"title": "20% off"} ] }`))
	}))
	defer srv.Close()

	env := testEnv(t, srv, srv.URL+"/api/promos", nil)
	result := NewJSONEndpointAdapter(env).Discover(context.Background())

	assert.Equal(t, StatusSuccess, result.Status)
	require.Len(t, result.Signals, 1)
	assert.Equal(t, domain.PayloadJSON, result.Signals[0].PayloadType)
	// Re-serialized compact form
	assert.JSONEq(t, `{"promos":[{"title":"20% off"}]}`, result.Signals[0].PayloadText)
}

func TestJSONEndpointAdapterParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	env := testEnv(t, srv, srv.URL, nil)
	result := NewJSONEndpointAdapter(env).Discover(context.Background())

	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, ErrCodeParseError, result.ErrorCode)
}

func TestCategoryPageAdapterRequiresBrowser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no fetch expected")
	}))
	defer srv.Close()

	env := testEnv(t, srv, srv.URL+"/sale", map[string]any{"require_browser": true})
	result := NewCategoryPageAdapter(env).Discover(context.Background())

	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, ErrCodeRequiresBrowser, result.ErrorCode)
}

func TestCategoryPageAdapterSalePageSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Sale</title></head><body>
<h1>Clearance</h1>
<div class="product-card"><h3 class="product-title">Jacket</h3>
<span class="price-original">$200.00</span><span class="price-sale">$100.00</span></div>
</body></html>`))
	}))
	defer srv.Close()

	env := testEnv(t, srv, srv.URL+"/sale", nil)
	result := NewCategoryPageAdapter(env).Discover(context.Background())

	assert.Equal(t, StatusSuccess, result.Status)
	require.Len(t, result.Signals, 1)
	assert.Contains(t, result.Signals[0].PayloadText, "Jacket: $100.00 (was $200.00, 50% off)")
}

func TestCategoryPageAdapterPlainPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>About</title></head><body><p>Our story since 1990</p></body></html>`))
	}))
	defer srv.Close()

	// Non-sale URL: raw page text, not the sale summary
	env := testEnv(t, srv, srv.URL+"/about", nil)
	result := NewCategoryPageAdapter(env).Discover(context.Background())

	assert.Equal(t, StatusSuccess, result.Status)
	require.Len(t, result.Signals, 1)
	assert.Contains(t, result.Signals[0].PayloadText, "Our story")
}

type fakeRenderer struct {
	result *browser.RenderResult
	err    error
}

func (f *fakeRenderer) Render(ctx context.Context, url string) (*browser.RenderResult, error) {
	return f.result, f.err
}

func TestBrowserAdapterDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	env := testEnv(t, srv, "https://acme.com/sale", nil)
	renderer := &fakeRenderer{result: &browser.RenderResult{
		HTML:  `<html><head><title>Sale</title></head><body><p>Save 25% with code SAVE25</p></body></html>`,
		Title: "Sale",
	}}
	result := NewBrowserAdapter(env, renderer).Discover(context.Background())

	assert.Equal(t, StatusSuccess, result.Status)
	require.Len(t, result.Signals, 1)
	assert.Equal(t, domain.SourceBrowser, result.Signals[0].SourceType)
	assert.Contains(t, result.Signals[0].PayloadText, "SAVE25")
}

func TestBrowserAdapterCaptcha(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	env := testEnv(t, srv, "https://acme.com/sale", nil)
	renderer := &fakeRenderer{result: &browser.RenderResult{CaptchaDetected: true}}
	result := NewBrowserAdapter(env, renderer).Discover(context.Background())

	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, ErrCodeCaptchaDetected, result.ErrorCode)
}

func TestBrowserAdapterRenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	env := testEnv(t, srv, "https://acme.com/sale", nil)
	renderer := &fakeRenderer{err: errors.New("render timeout")}
	result := NewBrowserAdapter(env, renderer).Discover(context.Background())

	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, ErrCodeFetchFailed, result.ErrorCode)
}

func TestAdapterBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	env := testEnv(t, srv, srv.URL, nil)
	env.Budget = web.NewRequestBudget(1, 0)
	require.True(t, env.Budget.StartRequest()) // consume the only slot

	result := NewJSONEndpointAdapter(env).Discover(context.Background())
	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, ErrCodeBudgetExhausted, result.ErrorCode)
}

func TestAdapterRobotsDisallowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /api/\n"))
	})
	mux.HandleFunc("/api/promos", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("robots should have blocked this fetch")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env := testEnv(t, srv, srv.URL+"/api/promos", nil)
	env.Policy = web.NewPolicyGate(env.Fetcher, "testbot/1.0", false)

	result := NewJSONEndpointAdapter(env).Discover(context.Background())
	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, web.ReasonDisallowed, result.ErrorCode)
}
