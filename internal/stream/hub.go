// Package stream fans price ticks and closed candles out to WebSocket subscribers.
//
// A dispatcher goroutine owns the symbol table and routes every upstream event to
// the task for its symbol. Each symbol task owns its subscriber set and pushes into
// per-connection queues; each connection has a reader and a writer goroutine.
package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/trade-terminal/internal/model"
)

const (
	// MaxSymbols bounds the subscriptions of one connection.
	MaxSymbols = 50

	DefaultPingPeriod = 20 * time.Second

	writeWait     = 10 * time.Second
	snapshotWait  = 3 * time.Second
	maxFrameBytes = 4 << 10
	taskBuf       = 256
)

// Prices is the price cache as seen by the hub.
type Prices interface {
	Subscribe() (<-chan model.PriceTick, func())
	GetStreaming(ctx context.Context, symbol string) (model.PriceTick, error)
	Watch(symbol string)
	Unwatch(symbol string)
}

// Candles is the closed-candle feed.
type Candles interface {
	Subscribe() (<-chan model.Candle, func())
}

type ctrlKind int

const (
	ctrlJoin ctrlKind = iota
	ctrlLeave
)

type ctrl struct {
	kind   ctrlKind
	symbol string
	client *client
}

type symbolTask struct {
	in chan any
}

// Hub is the process-wide subscriber registry.
type Hub struct {
	prices   Prices
	candles  Candles
	log      *zap.Logger
	upgrader websocket.Upgrader
	validate *validator.Validate

	pingPeriod time.Duration
	queueCap   int

	ctrl    chan ctrl
	done    chan struct{} // dispatcher exited
	closing chan struct{}
	once    sync.Once
	conns   sync.WaitGroup
}

// Option customizes a Hub.
type Option func(*Hub)

// WithPingPeriod sets the heartbeat interval; two missed pongs end a connection.
func WithPingPeriod(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingPeriod = d
		}
	}
}

// WithQueueCap overrides the per-connection queue capacity.
func WithQueueCap(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueCap = n
		}
	}
}

// WithCheckOrigin installs an upgrade origin check. The default accepts any origin.
func WithCheckOrigin(fn func(origin string) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = func(r *http.Request) bool { return fn(r.Header.Get("Origin")) }
	}
}

// NewHub builds a hub; call Run to start routing.
func NewHub(prices Prices, candles Candles, log *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		prices:  prices,
		candles: candles,
		log:     log.Named("stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		validate:   validator.New(),
		pingPeriod: DefaultPingPeriod,
		queueCap:   QueueCap,
		ctrl:       make(chan ctrl),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run routes upstream events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	ticks, cancelTicks := h.prices.Subscribe()
	defer cancelTicks()
	candles, cancelCandles := h.candles.Subscribe()
	defer cancelCandles()

	tasks := make(map[string]*symbolTask)
	members := make(map[string]int)
	defer func() {
		for sym, t := range tasks {
			close(t.in)
			h.prices.Unwatch(sym)
		}
	}()

	route := func(symbol string, msg any) {
		if t, ok := tasks[symbol]; ok {
			t.in <- msg
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			route(t.Symbol, tickEvent(t))
		case c := <-candles:
			route(c.Symbol, candleEvent(c))
		case m := <-h.ctrl:
			switch m.kind {
			case ctrlJoin:
				t, ok := tasks[m.symbol]
				if !ok {
					t = &symbolTask{in: make(chan any, taskBuf)}
					tasks[m.symbol] = t
					h.prices.Watch(m.symbol)
					go h.runSymbol(m.symbol, t)
				}
				members[m.symbol]++
				t.in <- m
			case ctrlLeave:
				t, ok := tasks[m.symbol]
				if !ok {
					continue
				}
				t.in <- m
				if members[m.symbol]--; members[m.symbol] <= 0 {
					delete(members, m.symbol)
					delete(tasks, m.symbol)
					close(t.in)
					h.prices.Unwatch(m.symbol)
				}
			}
		}
	}
}

// runSymbol owns the subscriber set of one symbol.
func (h *Hub) runSymbol(symbol string, t *symbolTask) {
	subs := make(map[*client]struct{})
	for msg := range t.in {
		switch m := msg.(type) {
		case ctrl:
			if m.kind == ctrlJoin {
				subs[m.client] = struct{}{}
			} else {
				delete(subs, m.client)
			}
		case event:
			for c := range subs {
				if err := c.q.push(m); err != nil {
					h.log.Info("closing slow consumer",
						zap.String("conn", c.id), zap.String("symbol", symbol), zap.String("frame", m.kind))
					c.fail(ReasonSlowConsumer)
					delete(subs, c)
				}
			}
		}
	}
}

// send delivers a control message unless the dispatcher has stopped.
func (h *Hub) send(m ctrl) bool {
	select {
	case h.ctrl <- m:
		return true
	case <-h.done:
		return false
	}
}

// Close sends shutting_down to every connection and waits for them to finish or ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.once.Do(func() { close(h.closing) })
	drained := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
