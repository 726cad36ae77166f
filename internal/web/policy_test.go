package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/promowatch/promowatch/internal/domain"
)

func newPolicyServer(t *testing.T, robots string, robotsStatus int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			if robotsStatus != http.StatusOK {
				w.WriteHeader(robotsStatus)
				return
			}
			w.Write([]byte(robots))
			return
		}
		w.Write([]byte("page"))
	}))
}

func TestPolicyGateDisallowed(t *testing.T) {
	srv := newPolicyServer(t, "User-agent: *\nDisallow: /private/\n", http.StatusOK)
	defer srv.Close()

	g := NewPolicyGate(NewFetcher(srv.Client(), "testbot/1.0"), "testbot/1.0", false)

	allowed, reason := g.Check(context.Background(), srv.URL+"/sale", domain.RobotsEnforce)
	assert.True(t, allowed)
	assert.Equal(t, ReasonAllowed, reason)

	allowed, reason = g.Check(context.Background(), srv.URL+"/private/page", domain.RobotsEnforce)
	assert.False(t, allowed)
	assert.Equal(t, ReasonDisallowed, reason)
}

func TestPolicyGateMissingRobotsAllowsAll(t *testing.T) {
	srv := newPolicyServer(t, "", http.StatusNotFound)
	defer srv.Close()

	g := NewPolicyGate(NewFetcher(srv.Client(), "testbot/1.0"), "testbot/1.0", false)

	allowed, reason := g.Check(context.Background(), srv.URL+"/anything", domain.RobotsEnforce)
	assert.True(t, allowed)
	assert.Equal(t, ReasonAllowed, reason)
}

func TestPolicyGateUnreachableFailsClosed(t *testing.T) {
	srv := newPolicyServer(t, "", http.StatusInternalServerError)
	defer srv.Close()

	g := NewPolicyGate(NewFetcher(srv.Client(), "testbot/1.0"), "testbot/1.0", false)

	allowed, reason := g.Check(context.Background(), srv.URL+"/sale", domain.RobotsEnforce)
	assert.False(t, allowed)
	assert.Equal(t, ReasonUnreachable, reason)
}

func TestPolicyGateIgnoreOverride(t *testing.T) {
	srv := newPolicyServer(t, "User-agent: *\nDisallow: /\n", http.StatusOK)
	defer srv.Close()

	g := NewPolicyGate(NewFetcher(srv.Client(), "testbot/1.0"), "testbot/1.0", false)

	allowed, reason := g.Check(context.Background(), srv.URL+"/sale", domain.RobotsIgnore)
	assert.True(t, allowed)
	assert.Equal(t, ReasonIgnored, reason)
}

func TestPolicyGateGlobalIgnore(t *testing.T) {
	// No server at all: global ignore short-circuits before any fetch
	g := NewPolicyGate(nil, "testbot/1.0", true)

	allowed, reason := g.Check(context.Background(), "https://example.com/sale", domain.RobotsEnforce)
	assert.True(t, allowed)
	assert.Equal(t, ReasonIgnored, reason)
}

func TestPolicyGateCachesPerOrigin(t *testing.T) {
	var robotsHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits++
			w.Write([]byte("User-agent: *\nAllow: /\n"))
		}
	}))
	defer srv.Close()

	g := NewPolicyGate(NewFetcher(srv.Client(), "testbot/1.0"), "testbot/1.0", false)

	for i := 0; i < 5; i++ {
		allowed, _ := g.Check(context.Background(), srv.URL+"/page", domain.RobotsEnforce)
		assert.True(t, allowed)
	}
	assert.Equal(t, 1, robotsHits)
}

func TestPolicyGateCrawlDelay(t *testing.T) {
	srv := newPolicyServer(t, "User-agent: *\nCrawl-delay: 7\n", http.StatusOK)
	defer srv.Close()

	g := NewPolicyGate(NewFetcher(srv.Client(), "testbot/1.0"), "testbot/1.0", false)

	delay, ok := g.CrawlDelay(context.Background(), srv.URL+"/page")
	assert.True(t, ok)
	assert.Equal(t, 7.0, delay)
}
