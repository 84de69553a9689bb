// Package pricefeed aggregates prices from multiple oracle sources into a
// median quote with an HMAC attestation over the canonical snapshot tuple.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"qflash/attest"
)

// ErrUnavailable is returned when fewer than the configured minimum number of
// sources produced a usable price.
var ErrUnavailable = errors.New("pricefeed: price unavailable")

// Source resolves a spot price for a trading pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, pair string) (float64, error)
}

// SourcePrice labels one source's contribution to a quote.
type SourcePrice struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// Quote is a multi-source median price with its attestation.
type Quote struct {
	Pair            string        `json:"pair"`
	Median          float64       `json:"medianPrice"`
	Sources         []SourcePrice `json:"sources"`
	FetchedAt       time.Time     `json:"fetchedAt"`
	AttestationHash string        `json:"attestationHash"`
}

// HistoryPoint is one captured price tick.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// Config tunes the feed.
type Config struct {
	MinSources   int
	CacheTTL     time.Duration
	FetchTimeout time.Duration
	HistoryDepth int
	Key          []byte
}

// Feed queries the configured sources, caches recent quotes per pair, and
// keeps a bounded in-memory history ring for chart consumers.
type Feed struct {
	cfg      Config
	logger   *slog.Logger
	sources  []Source
	breakers map[string]*gobreaker.CircuitBreaker
	now      func() time.Time

	mu      sync.Mutex
	cache   map[string]Quote
	history map[string][]HistoryPoint
}

// Option configures a Feed.
type Option func(*Feed)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) {
		if now != nil {
			f.now = now
		}
	}
}

// New constructs a feed over the supplied sources.
func New(cfg Config, sources []Source, opts ...Option) (*Feed, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("pricefeed: at least one source required")
	}
	if len(cfg.Key) == 0 {
		return nil, fmt.Errorf("pricefeed: attestation key required")
	}
	if cfg.MinSources <= 0 {
		cfg.MinSources = 2
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 8 * time.Second
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 720
	}
	feed := &Feed{
		cfg:      cfg,
		logger:   slog.Default(),
		sources:  append([]Source{}, sources...),
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(sources)),
		now:      time.Now,
		cache:    make(map[string]Quote),
		history:  make(map[string][]HistoryPoint),
	}
	for _, src := range feed.sources {
		feed.breakers[src.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    src.Name(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	for _, opt := range opts {
		if opt != nil {
			opt(feed)
		}
	}
	return feed, nil
}

// Price returns the median quote for the pair. A cached quote is served while
// it is younger than the cache TTL unless forceFresh is set.
func (f *Feed) Price(ctx context.Context, pair string, forceFresh bool) (Quote, error) {
	pair = normalizePair(pair)
	if pair == "" {
		return Quote{}, fmt.Errorf("pricefeed: pair required")
	}
	now := f.now()
	if !forceFresh {
		f.mu.Lock()
		cached, ok := f.cache[pair]
		f.mu.Unlock()
		if ok && now.Sub(cached.FetchedAt) < f.cfg.CacheTTL {
			return cached, nil
		}
	}

	prices := f.collect(ctx, pair)
	if len(prices) < f.cfg.MinSources {
		return Quote{}, fmt.Errorf("%w: %d of %d sources responded for %s", ErrUnavailable, len(prices), f.cfg.MinSources, pair)
	}
	quote := Quote{
		Pair:      pair,
		Median:    median(prices),
		Sources:   prices,
		FetchedAt: now,
	}
	hash, err := attest.Hash(f.cfg.Key, map[string]any{
		"pair":        quote.Pair,
		"medianPrice": quote.Median,
		"sources":     quote.Sources,
		"fetchedAt":   quote.FetchedAt.UTC().Unix(),
	})
	if err != nil {
		return Quote{}, fmt.Errorf("pricefeed: attestation: %w", err)
	}
	quote.AttestationHash = hash

	f.mu.Lock()
	f.cache[pair] = quote
	f.mu.Unlock()
	return quote, nil
}

func (f *Feed) collect(ctx context.Context, pair string) []SourcePrice {
	prices := make([]SourcePrice, 0, len(f.sources))
	for _, src := range f.sources {
		fetchCtx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
		result, err := f.breakers[src.Name()].Execute(func() (any, error) {
			return src.Fetch(fetchCtx, pair)
		})
		cancel()
		if err != nil {
			f.logger.Warn("oracle source failed", "source", src.Name(), "pair", pair, "err", err)
			continue
		}
		price, ok := result.(float64)
		if !ok || price <= 0 {
			f.logger.Warn("oracle source returned invalid price", "source", src.Name(), "pair", pair)
			continue
		}
		prices = append(prices, SourcePrice{Name: src.Name(), Price: price})
	}
	return prices
}

// Invalidate drops the cached quote for the pair. The engine calls this
// immediately before fetching a closing price so a stale opening tick can
// never double as a closing tick.
func (f *Feed) Invalidate(pair string) {
	pair = normalizePair(pair)
	f.mu.Lock()
	delete(f.cache, pair)
	f.mu.Unlock()
}

// RecordTick appends a price point to the pair's in-memory history ring.
func (f *Feed) RecordTick(pair string, price float64, at time.Time) {
	pair = normalizePair(pair)
	f.mu.Lock()
	defer f.mu.Unlock()
	ring := append(f.history[pair], HistoryPoint{Timestamp: at, Price: price})
	if overflow := len(ring) - f.cfg.HistoryDepth; overflow > 0 {
		ring = ring[overflow:]
	}
	f.history[pair] = ring
}

// History returns up to n most recent ticks for the pair, oldest first.
func (f *Feed) History(pair string, n int) []HistoryPoint {
	pair = normalizePair(pair)
	f.mu.Lock()
	defer f.mu.Unlock()
	ring := f.history[pair]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]HistoryPoint, n)
	copy(out, ring[len(ring)-n:])
	return out
}

// median computes the midpoint price; an even count averages the two middle
// values.
func median(prices []SourcePrice) float64 {
	values := make([]float64, 0, len(prices))
	for _, p := range prices {
		values = append(values, p.Price)
	}
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}

func normalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}
