package web

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RateGate paces requests per domain. A call to Wait blocks until the
// configured delay has elapsed since the previous Wait for that domain.
// One RateGate is shared by all adapters within a run; nothing is persisted.
type RateGate struct {
	mu   sync.Mutex
	next map[string]time.Time
}

// NewRateGate creates an empty RateGate.
func NewRateGate() *RateGate {
	return &RateGate{next: make(map[string]time.Time)}
}

// Wait blocks until delay has elapsed since the last Wait for rawURL's
// domain, or until the context is done. The first call per domain returns
// immediately.
func (g *RateGate) Wait(ctx context.Context, rawURL string, delay time.Duration) error {
	domain := domainOf(rawURL)

	g.mu.Lock()
	now := time.Now()
	wakeAt, ok := g.next[domain]
	if !ok || wakeAt.Before(now) {
		wakeAt = now
	}
	g.next[domain] = wakeAt.Add(delay)
	g.mu.Unlock()

	sleep := time.Until(wakeAt)
	if sleep <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Host)
}

// RequestBudget caps the work spent on one store within one run. Adapters
// must call StartRequest before every fetch and stop when it returns false.
type RequestBudget struct {
	mu           sync.Mutex
	requestsUsed int
	bytesUsed    int64
	startedAt    time.Time
	maxRequests  int
	maxDuration  time.Duration
}

// NewRequestBudget creates a budget. maxRequests <= 0 or maxDuration <= 0
// disable the respective cap.
func NewRequestBudget(maxRequests int, maxDuration time.Duration) *RequestBudget {
	return &RequestBudget{
		startedAt:   time.Now(),
		maxRequests: maxRequests,
		maxDuration: maxDuration,
	}
}

// StartRequest atomically checks the caps and claims one request slot.
// Returns false when the budget is exhausted.
func (b *RequestBudget) StartRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxRequests > 0 && b.requestsUsed >= b.maxRequests {
		return false
	}
	if b.maxDuration > 0 && time.Since(b.startedAt) >= b.maxDuration {
		return false
	}
	b.requestsUsed++
	return true
}

// AddBytes records bytes read against the budget.
func (b *RequestBudget) AddBytes(n int64) {
	b.mu.Lock()
	b.bytesUsed += n
	b.mu.Unlock()
}

// Used returns the requests and bytes consumed so far.
func (b *RequestBudget) Used() (requests int, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requestsUsed, b.bytesUsed
}
