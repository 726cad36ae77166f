// Package promos merges extracted promo candidates into canonical per-store
// promos and records their change history.
package promos

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

var (
	whitespaceRegex = regexp.MustCompile(`\s+`)
	punctRegex      = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
)

// NormalizeURL reduces a URL to "host/path" for stable comparison: lowercase
// host, trailing slash stripped, query and fragment dropped.
//
//	https://Nike.COM/Sale?utm_source=email#top  ->  nike.com/Sale
//
// Returns "" when the URL has no host.
func NormalizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return ""
	}
	host := strings.ToLower(parsed.Host)
	path := strings.TrimRight(parsed.Path, "/")
	return host + path
}

// NormalizeHeadline lowercases, collapses whitespace, and strips punctuation
// so near-identical headlines compare equal. The result is idempotent:
// NormalizeHeadline(NormalizeHeadline(s)) == NormalizeHeadline(s).
func NormalizeHeadline(headline string) string {
	if headline == "" {
		return ""
	}
	normalized := whitespaceRegex.ReplaceAllString(strings.TrimSpace(strings.ToLower(headline)), " ")
	return punctRegex.ReplaceAllString(normalized, "")
}

// ComputeBaseKey derives the per-store dedup key for a promo candidate.
// Priority: promo code (globally unique), then normalized landing URL
// (stable across email variants), then a headline hash as last resort.
func ComputeBaseKey(code, landingURL, headline string) string {
	if strings.TrimSpace(code) != "" {
		return "code:" + strings.ToUpper(strings.TrimSpace(code))
	}
	if landingURL != "" {
		if normalized := NormalizeURL(landingURL); normalized != "" {
			return "url:" + normalized
		}
	}
	sum := md5.Sum([]byte(NormalizeHeadline(headline)))
	return "head:" + hex.EncodeToString(sum[:])[:16]
}
