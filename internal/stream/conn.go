package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/trade-terminal/internal/model"
	"github.com/and161185/trade-terminal/internal/oracle"
)

type client struct {
	id     string
	userID int64
	q      *queue

	once   sync.Once
	dead   chan struct{}
	reason string
}

// fail ends the connection; the first reason wins. An empty reason closes without a close frame.
func (c *client) fail(reason string) {
	c.once.Do(func() {
		c.reason = reason
		close(c.dead)
	})
}

// Serve upgrades the request and streams to it until the client leaves or the hub closes.
// Authentication happens before Serve.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID int64) {
	select {
	case <-h.closing:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	id, err := uuid.NewV4()
	if err != nil {
		_ = conn.Close()
		return
	}
	c := &client{id: id.String(), userID: userID, q: newQueue(h.queueCap), dead: make(chan struct{})}

	h.conns.Add(1)
	defer h.conns.Done()

	log := h.log.With(zap.String("conn", c.id), zap.Int64("user_id", userID))
	log.Debug("stream connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, c)
		// unblocks the reader
		_ = conn.Close()
	}()

	symbols := h.readLoop(conn, c, log)
	c.fail("")
	<-writerDone

	for s := range symbols {
		h.send(ctrl{kind: ctrlLeave, symbol: s, client: c})
	}
	log.Debug("stream closed", zap.String("reason", c.reason), zap.Int("dropped_ticks", c.q.droppedCount()))
}

// readLoop handles control frames. It returns the symbols the client still holds.
func (h *Hub) readLoop(conn *websocket.Conn, c *client, log *zap.Logger) map[string]struct{} {
	symbols := make(map[string]struct{})
	deadline := 2 * h.pingPeriod

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.fail(ReasonHeartbeatTimeout)
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.dead:
				default:
					log.Debug("stream read failed", zap.Error(err))
				}
			}
			return symbols
		}

		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			h.reply(c, errorEvent("malformed frame"))
			continue
		}
		if err := h.validate.Struct(f); err != nil {
			h.reply(c, errorEvent("invalid frame"))
			continue
		}

		for _, raw := range f.Unsubscribe {
			s := oracle.Normalize(raw)
			if _, ok := symbols[s]; ok {
				delete(symbols, s)
				h.send(ctrl{kind: ctrlLeave, symbol: s, client: c})
			}
		}

		fresh := make([]string, 0, len(f.Subscribe))
		for _, raw := range f.Subscribe {
			s := oracle.Normalize(raw)
			if _, ok := symbols[s]; ok || slices.Contains(fresh, s) {
				continue
			}
			fresh = append(fresh, s)
		}
		if len(fresh) == 0 {
			continue
		}
		if len(symbols)+len(fresh) > MaxSymbols {
			h.reply(c, errorEvent(fmt.Sprintf("at most %d symbols per connection", MaxSymbols)))
			continue
		}

		ticks, failed := h.snapshot(fresh)
		if len(failed) > 0 {
			h.reply(c, errorEvent("no price for "+strings.Join(slices.Sorted(slices.Values(failed)), ",")))
		}
		h.reply(c, snapshotEvent(ticks))
		for _, t := range ticks {
			if !h.send(ctrl{kind: ctrlJoin, symbol: t.Symbol, client: c}) {
				return symbols
			}
			symbols[t.Symbol] = struct{}{}
		}
	}
}

// snapshot resolves symbols at streaming freshness. Symbols without any price are reported back.
func (h *Hub) snapshot(symbols []string) ([]model.PriceTick, []string) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotWait)
	defer cancel()

	var ticks []model.PriceTick
	var failed []string
	for _, s := range symbols {
		t, err := h.prices.GetStreaming(ctx, s)
		if err != nil {
			failed = append(failed, s)
			continue
		}
		ticks = append(ticks, t)
	}
	return ticks, failed
}

func (h *Hub) reply(c *client, e event) {
	if err := c.q.push(e); err != nil {
		c.fail(ReasonSlowConsumer)
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client) {
	ping := time.NewTicker(h.pingPeriod)
	defer ping.Stop()

	var batch []event
	for {
		select {
		case <-c.q.ready:
			batch = c.q.drain(batch)
			for _, e := range batch {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, e.data); err != nil {
					c.fail("")
					return
				}
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.fail("")
				return
			}
		case <-h.closing:
			c.fail(ReasonShuttingDown)
			writeClose(conn, ReasonShuttingDown)
			return
		case <-c.dead:
			if c.reason != "" {
				writeClose(conn, c.reason)
			}
			return
		}
	}
}

// writeClose sends the close frame and the WebSocket close handshake, best effort.
func writeClose(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, encode(Frame{Type: FrameClose, Reason: reason}))
	code := websocket.ClosePolicyViolation
	if reason == ReasonShuttingDown {
		code = websocket.CloseGoingAway
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

