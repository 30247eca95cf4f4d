// Package oracle keeps a TTL-bounded spot price cache in front of an upstream price source.
//
// Reads never wait on each other; concurrent misses for one symbol share a single
// upstream fetch. When the upstream fails, the last known tick is served with
// source "cached"; an error is returned only for symbols never seen before.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/model"
)

// Freshness classes.
const (
	StreamingMaxAge = 5 * time.Second
	RESTMaxAge      = 30 * time.Second

	fetchTimeout  = 2 * time.Second
	refreshPeriod = time.Second
	subscriberBuf = 256
)

// Source fetches spot prices from an upstream.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbols []string) ([]model.PriceTick, error)
}

// Tier is an optional second-level store consulted when the upstream fails cold.
type Tier interface {
	Put(ctx context.Context, tick model.PriceTick) error
	Get(ctx context.Context, symbol string) (model.PriceTick, bool, error)
}

type entry struct {
	tick      model.PriceTick
	fetchedAt time.Time
}

// Cache maps symbol to the latest tick.
type Cache struct {
	src Source
	l2  Tier
	log *zap.Logger
	now func() time.Time

	mu        sync.RWMutex
	entries   map[string]*entry
	streaming map[string]int
	warm      map[string]struct{}

	sf      singleflight.Group
	fetches atomic.Int64

	subsMu  sync.Mutex
	subs    map[int]chan model.PriceTick
	nextSub int
}

// NewCache builds a cache over src. l2 may be nil.
func NewCache(src Source, l2 Tier, log *zap.Logger) *Cache {
	return &Cache{
		src:       src,
		l2:        l2,
		log:       log.Named("oracle"),
		now:       time.Now,
		entries:   make(map[string]*entry),
		streaming: make(map[string]int),
		warm:      make(map[string]struct{}),
		subs:      make(map[int]chan model.PriceTick),
	}
}

// Normalize upper-cases and trims a symbol.
func Normalize(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

// Fetches reports how many upstream fetches were started.
func (c *Cache) Fetches() int64 { return c.fetches.Load() }

// Get returns a tick no older than the REST freshness bound.
func (c *Cache) Get(ctx context.Context, symbol string) (model.PriceTick, error) {
	return c.get(ctx, Normalize(symbol), RESTMaxAge)
}

// GetStreaming returns a tick no older than the streaming freshness bound.
func (c *Cache) GetStreaming(ctx context.Context, symbol string) (model.PriceTick, error) {
	return c.get(ctx, Normalize(symbol), StreamingMaxAge)
}

// GetMany resolves symbols concurrently, preserving request order.
func (c *Cache) GetMany(ctx context.Context, symbols []string) ([]model.PriceTick, error) {
	out := make([]model.PriceTick, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range symbols {
		g.Go(func() error {
			t, err := c.Get(gctx, s)
			if err != nil {
				return err
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Latest returns the cached tick without touching the upstream.
func (c *Cache) Latest(symbol string) (model.PriceTick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[Normalize(symbol)]
	if !ok {
		return model.PriceTick{}, false
	}
	return e.tick, true
}

// Invalidate marks a symbol stale. The last value stays available as a fallback.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	if e, ok := c.entries[Normalize(symbol)]; ok {
		e.fetchedAt = time.Time{}
	}
	c.mu.Unlock()
}

// Watch registers streaming interest in symbol; Unwatch releases it.
func (c *Cache) Watch(symbol string) {
	c.mu.Lock()
	c.streaming[Normalize(symbol)]++
	c.mu.Unlock()
}

func (c *Cache) Unwatch(symbol string) {
	s := Normalize(symbol)
	c.mu.Lock()
	if c.streaming[s] <= 1 {
		delete(c.streaming, s)
	} else {
		c.streaming[s]--
	}
	c.mu.Unlock()
}

// KeepWarm makes the refresher maintain symbols at REST freshness even without readers.
func (c *Cache) KeepWarm(symbols ...string) {
	c.mu.Lock()
	for _, s := range symbols {
		c.warm[Normalize(s)] = struct{}{}
	}
	c.mu.Unlock()
}

// Subscribe returns a channel receiving every tick fetched from the upstream, in fetch order per symbol.
// A subscriber that falls behind loses ticks rather than stalling the cache.
func (c *Cache) Subscribe() (<-chan model.PriceTick, func()) {
	ch := make(chan model.PriceTick, subscriberBuf)
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

// Run refreshes stale symbols every second until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	t := time.NewTicker(refreshPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.refreshStale(ctx)
		}
	}
}

func (c *Cache) refreshStale(ctx context.Context) {
	now := c.now()
	var due []string
	c.mu.RLock()
	seen := make(map[string]struct{}, len(c.entries)+len(c.warm))
	consider := func(s string) {
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		maxAge := RESTMaxAge
		if c.streaming[s] > 0 {
			maxAge = StreamingMaxAge
		}
		if e, ok := c.entries[s]; !ok || now.Sub(e.fetchedAt) >= maxAge {
			due = append(due, s)
		}
	}
	for s := range c.streaming {
		consider(s)
	}
	for s := range c.warm {
		consider(s)
	}
	for s := range c.entries {
		consider(s)
	}
	c.mu.RUnlock()

	for _, s := range due {
		if _, err := c.refresh(ctx, s, now); err != nil && ctx.Err() == nil {
			c.log.Debug("background refresh failed", zap.String("symbol", s), zap.Error(err))
		}
	}
}

func (c *Cache) get(ctx context.Context, symbol string, maxAge time.Duration) (model.PriceTick, error) {
	if symbol == "" {
		return model.PriceTick{}, fmt.Errorf("%w: empty symbol", errs.ErrInvalidInput)
	}
	observed := c.now()
	c.mu.RLock()
	e, ok := c.entries[symbol]
	var last entry
	if ok {
		last = *e
	}
	c.mu.RUnlock()
	if ok && observed.Sub(last.fetchedAt) < maxAge {
		return last.tick, nil
	}

	tick, err := c.refresh(ctx, symbol, observed)
	if err == nil {
		return tick, nil
	}
	if ctx.Err() != nil {
		return model.PriceTick{}, ctx.Err()
	}
	if ok {
		c.log.Warn("upstream failed, serving cached price", zap.String("symbol", symbol), zap.Error(err))
		last.tick.Source = model.SourceCached
		return last.tick, nil
	}
	if c.l2 != nil {
		if t, found, l2err := c.l2.Get(ctx, symbol); l2err == nil && found {
			c.log.Warn("upstream failed, serving second-tier price", zap.String("symbol", symbol), zap.Error(err))
			t.Source = model.SourceCached
			return t, nil
		}
	}
	return model.PriceTick{}, fmt.Errorf("%w: price for %s: %v", errs.ErrUpstream, symbol, err)
}

// refresh collapses concurrent fetches for symbol. A caller that observed staleness
// before another fetch completed takes that result instead of fetching again.
func (c *Cache) refresh(ctx context.Context, symbol string, observed time.Time) (model.PriceTick, error) {
	ch := c.sf.DoChan(symbol, func() (any, error) {
		c.mu.RLock()
		e, ok := c.entries[symbol]
		var done *model.PriceTick
		if ok && !e.fetchedAt.Before(observed) {
			t := e.tick
			done = &t
		}
		c.mu.RUnlock()
		if done != nil {
			return *done, nil
		}
		return c.fetch(symbol)
	})
	select {
	case <-ctx.Done():
		return model.PriceTick{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.PriceTick{}, res.Err
		}
		return res.Val.(model.PriceTick), nil
	}
}

// fetch runs detached from any single caller so a disconnect does not fail the others waiting on it.
func (c *Cache) fetch(symbol string) (model.PriceTick, error) {
	c.fetches.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	ticks, err := c.src.Fetch(ctx, []string{symbol})
	if err != nil {
		return model.PriceTick{}, err
	}
	var tick *model.PriceTick
	for i := range ticks {
		if Normalize(ticks[i].Symbol) == symbol {
			tick = &ticks[i]
			break
		}
	}
	if tick == nil {
		return model.PriceTick{}, errors.New("symbol missing from upstream response")
	}
	tick.Symbol = symbol
	if tick.Source == "" {
		tick.Source = c.src.Name()
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = c.now().UTC()
	}

	c.mu.Lock()
	c.entries[symbol] = &entry{tick: *tick, fetchedAt: c.now()}
	c.mu.Unlock()

	c.publish(*tick)
	if c.l2 != nil {
		if err := c.l2.Put(ctx, *tick); err != nil {
			c.log.Debug("second-tier put failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return *tick, nil
}

func (c *Cache) publish(t model.PriceTick) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- t:
		default:
			c.log.Warn("price subscriber lagging, tick dropped", zap.Int("subscriber", id), zap.String("symbol", t.Symbol))
		}
	}
}
