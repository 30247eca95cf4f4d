// Package candles rolls trades into OHLC buckets per symbol and timeframe.
//
// Each symbol is owned by one goroutine that holds all of its series. Feeding and
// querying are messages to that goroutine, so a query observes every trade fed before it.
package candles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/model"
)

const (
	// RingSize is how many closed buckets each series keeps.
	RingSize = 2000

	DefaultLimit = 500
	MaxLimit     = RingSize

	workerQueue   = 512
	subscriberBuf = 1024
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("aggregator closed")

type op func(map[model.Timeframe]*series)

type worker struct {
	ops chan op
}

type subscriber struct {
	ch   chan model.Candle
	done chan struct{}
}

// Aggregator maintains candles for every symbol it has been fed.
type Aggregator struct {
	log        *zap.Logger
	timeframes []model.Timeframe
	ringSize   int

	mu      sync.RWMutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
	done    chan struct{}
	stop    sync.Once

	stale atomic.Int64

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithRingSize overrides the closed-bucket ring length.
func WithRingSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.ringSize = n
		}
	}
}

// WithTimeframes restricts the maintained timeframes.
func WithTimeframes(tfs ...model.Timeframe) Option {
	return func(a *Aggregator) {
		if len(tfs) > 0 {
			a.timeframes = tfs
		}
	}
}

// New builds an aggregator over all supported timeframes.
func New(log *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		log:        log.Named("candles"),
		timeframes: model.Timeframes,
		ringSize:   RingSize,
		workers:    make(map[string]*worker),
		done:       make(chan struct{}),
		subs:       make(map[int]*subscriber),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// StaleTicks counts trades dropped because their bucket had left the ring.
func (a *Aggregator) StaleTicks() int64 { return a.stale.Load() }

// Feed hands a trade to the owning goroutine.
func (a *Aggregator) Feed(ctx context.Context, t model.Trade) error {
	if t.Symbol == "" || !t.Price.IsPositive() {
		return fmt.Errorf("%w: trade needs a symbol and a positive price", errs.ErrInvalidInput)
	}
	ts := t.Timestamp.Unix()
	return a.send(ctx, t.Symbol, true, func(all map[model.Timeframe]*series) {
		for _, tf := range a.timeframes {
			s := all[tf]
			closed, ok := s.apply(t.Price, t.Volume, ts)
			if !ok {
				a.stale.Add(1)
				a.log.Debug("stale tick dropped",
					zap.String("symbol", t.Symbol), zap.String("timeframe", string(tf)), zap.Int64("ts", ts))
				continue
			}
			if closed != nil {
				a.emit(*closed)
			}
		}
	})
}

// Candles returns up to limit buckets for symbol ascending, the open bucket last.
// An unknown symbol yields an empty slice.
func (a *Aggregator) Candles(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	if tf.Seconds() == 0 {
		return nil, fmt.Errorf("%w: unknown timeframe %q", errs.ErrInvalidInput, tf)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	reply := make(chan []model.Candle, 1)
	err := a.send(ctx, symbol, false, func(all map[model.Timeframe]*series) {
		s, ok := all[tf]
		if !ok {
			reply <- []model.Candle{}
			return
		}
		reply <- s.snapshot(limit)
	})
	if errors.Is(err, errs.ErrNotFound) {
		return []model.Candle{}, nil
	}
	if err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe delivers every closed bucket. Delivery blocks the producing symbol
// rather than dropping, so consumers must keep reading until they call cancel.
func (a *Aggregator) Subscribe() (<-chan model.Candle, func()) {
	sub := &subscriber{ch: make(chan model.Candle, subscriberBuf), done: make(chan struct{})}
	a.subsMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = sub
	a.subsMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			a.subsMu.Lock()
			delete(a.subs, id)
			a.subsMu.Unlock()
			close(sub.done)
		})
	}
}

// Run feeds price ticks until ctx is done or ticks closes.
func (a *Aggregator) Run(ctx context.Context, ticks <-chan model.PriceTick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			err := a.Feed(ctx, model.Trade{Symbol: t.Symbol, Price: t.PriceUSD, Timestamp: t.Timestamp})
			if err != nil && ctx.Err() == nil {
				a.log.Warn("tick rejected", zap.String("symbol", t.Symbol), zap.Error(err))
			}
		}
	}
}

// Close stops all symbol goroutines and waits for them.
func (a *Aggregator) Close() {
	a.stop.Do(func() { close(a.done) })
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for _, w := range a.workers {
		close(w.ops)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// send queues fn on symbol's goroutine, starting it when create is set.
// Without create, a symbol never fed returns ErrNotFound.
func (a *Aggregator) send(ctx context.Context, symbol string, create bool, fn op) error {
	a.mu.RLock()
	w, ok := a.workers[symbol]
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		if !create {
			return errs.ErrNotFound
		}
		if w, ok = a.start(symbol); !ok {
			return ErrClosed
		}
	}

	// Close cannot close ops while a sender holds the read lock.
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case w.ops <- fn:
		return nil
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) start(symbol string) (*worker, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, false
	}
	if w, ok := a.workers[symbol]; ok {
		return w, true
	}
	w := &worker{ops: make(chan op, workerQueue)}
	all := make(map[model.Timeframe]*series, len(a.timeframes))
	for _, tf := range a.timeframes {
		all[tf] = newSeries(symbol, tf, a.ringSize)
	}
	a.workers[symbol] = w
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for fn := range w.ops {
			fn(all)
		}
	}()
	a.log.Debug("series started", zap.String("symbol", symbol))
	return w, true
}

func (a *Aggregator) emit(c model.Candle) {
	a.subsMu.Lock()
	subs := make([]*subscriber, 0, len(a.subs))
	for _, s := range a.subs {
		subs = append(subs, s)
	}
	a.subsMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- c:
		case <-s.done:
		case <-a.done:
			return
		}
	}
}
