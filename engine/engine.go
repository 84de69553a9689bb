// Package engine drives the round lifecycle: pipeline creation, opening with
// price commitment, locking, resolution, parimutuel settlement, and the cron
// loop that sequences it all under a store-backed single-writer lock.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"qflash/chain"
	"qflash/config"
	"qflash/house"
	"qflash/observability"
	"qflash/pricefeed"
	"qflash/storage"
)

// Engine owns all lifecycle transitions. API handlers never move rounds
// between states; they only read them and write wagers through storage.
type Engine struct {
	store   *storage.Storage
	feed    *pricefeed.Feed
	bank    *house.Bank
	chain   *chain.Client
	cfg     config.Config
	metrics *observability.EngineMetrics
	log     *slog.Logger
	now     func() time.Time

	cronMu sync.Mutex
	cron   *cron
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// WithClock overrides the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithHouse enables the house bank phases.
func WithHouse(bank *house.Bank) Option {
	return func(e *Engine) { e.bank = bank }
}

// WithChain enables the platform balance sanity check.
func WithChain(client *chain.Client) Option {
	return func(e *Engine) { e.chain = client }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(metrics *observability.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// New wires an Engine over the shared store and price feed.
func New(store *storage.Storage, feed *pricefeed.Feed, cfg config.Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: storage required")
	}
	if feed == nil {
		return nil, fmt.Errorf("engine: price feed required")
	}
	engine := &Engine{
		store: store,
		feed:  feed,
		cfg:   cfg,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}
