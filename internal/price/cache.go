// Package price caches the native asset USD price with a fixed TTL and
// falls back to the last known good value, then to a default, when the
// upstream feed fails.
package price

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/bridge-kpi-indexer/internal/metrics"
	"github.com/yourorg/bridge-kpi-indexer/internal/validation"
)

// Defaults of the cache
const (
	DefaultTTL      = 5 * time.Minute
	DefaultETHPrice = 2000.0
)

// Source fetches the current price from upstream
type Source interface {
	FetchPrice(ctx context.Context) (float64, error)
}

// Quote is a price together with its provenance
type Quote struct {
	Price     float64   `json:"price"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`

	// Stale is set when the TTL expired and the refresh failed
	Stale bool `json:"stale,omitempty"`

	// Default is set when no price was ever fetched
	Default bool `json:"default,omitempty"`
}

// Cache is a single-slot TTL cache in front of a Source
type Cache struct {
	source       Source
	ttl          time.Duration
	defaultPrice float64
	opts         validation.ValidationOptions
	metrics      *metrics.Metrics

	// now is replaceable in tests
	now func() time.Time

	// refreshMu serializes refreshes so concurrent callers share one upstream call
	refreshMu sync.Mutex
	// refreshes counts finished refresh attempts
	refreshes atomic.Uint64

	mu     sync.RWMutex
	cached *Quote
}

// Option customizes a Cache
type Option func(*Cache)

// WithTTL overrides the cache TTL
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithDefaultPrice overrides the fallback price used when nothing was ever fetched
func WithDefaultPrice(p float64) Option {
	return func(c *Cache) {
		if p > 0 {
			c.defaultPrice = p
		}
	}
}

// WithMetrics records the served price on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// NewCache creates a price cache over source
func NewCache(source Source, opts ...Option) *Cache {
	c := &Cache{
		source:       source,
		ttl:          DefaultTTL,
		defaultPrice: DefaultETHPrice,
		opts:         validation.DefaultValidationOptions(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) fresh() (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached != nil && c.now().Sub(c.cached.FetchedAt) < c.ttl {
		return *c.cached, true
	}
	return Quote{}, false
}

// Get returns the current price. It never fails: when the refresh fails the
// last known price is returned marked stale, and without one the default.
func (c *Cache) Get(ctx context.Context) Quote {
	if q, ok := c.fresh(); ok {
		return q
	}

	seen := c.refreshes.Load()
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if q, ok := c.fresh(); ok {
		return q
	}
	if c.refreshes.Load() != seen {
		// that refresh failed; share its outcome
		return c.fallback()
	}

	q := c.refresh(ctx)
	c.refreshes.Add(1)
	c.metrics.SetPrice(q.Price, q.Stale || q.Default)
	return q
}

// fallback is the quote served after a failed refresh
func (c *Cache) fallback() Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached != nil {
		q := *c.cached
		q.Stale = true
		return q
	}
	return Quote{Price: c.defaultPrice, Stale: true, Default: true}
}

func (c *Cache) refresh(ctx context.Context) Quote {
	p, err := c.source.FetchPrice(ctx)
	if err == nil {
		err = validation.ValidPrice(p, c.opts)
	}
	if err == nil {
		q := Quote{Price: p, FetchedAt: c.now()}
		c.mu.Lock()
		c.cached = &q
		c.mu.Unlock()
		logrus.WithField("price", p).Debug("Price refreshed")
		return q
	}

	q := c.fallback()
	if !q.Default {
		logrus.WithFields(logrus.Fields{
			"price":      q.Price,
			"fetched_at": q.FetchedAt,
			"error":      err,
		}).Warn("Price refresh failed, serving stale price")
		return q
	}

	logrus.WithFields(logrus.Fields{
		"price": q.Price,
		"error": err,
	}).Warn("Price refresh failed with empty cache, serving default price")
	return q
}

// Peek returns the cached quote without refreshing
func (c *Cache) Peek() (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached == nil {
		return Quote{}, false
	}
	q := *c.cached
	q.Stale = c.now().Sub(q.FetchedAt) >= c.ttl
	return q, true
}
