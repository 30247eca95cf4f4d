package stream

import (
	json "github.com/goccy/go-json"

	"github.com/and161185/trade-terminal/internal/model"
)

// Server frame types.
const (
	FrameSnapshot = "snapshot"
	FrameTick     = "tick"
	FrameCandle   = "candle"
	FrameError    = "error"
	FrameClose    = "close"
)

// Close reasons.
const (
	ReasonSlowConsumer     = "slow_consumer"
	ReasonShuttingDown     = "shutting_down"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
)

// Frame is a server-to-client message, discriminated by Type.
type Frame struct {
	Type   string            `json:"type"`
	Tick   *model.PriceTick  `json:"tick,omitempty"`
	Ticks  []model.PriceTick `json:"ticks,omitempty"`
	Candle *model.Candle     `json:"candle,omitempty"`
	Error  string            `json:"error,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// ClientFrame is a client-to-server control message.
type ClientFrame struct {
	Subscribe   []string `json:"subscribe" validate:"max=50,dive,required,max=32"`
	Unsubscribe []string `json:"unsubscribe" validate:"max=50,dive,required,max=32"`
}

func encode(f Frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		// Frames hold only plain values; a failure here is a programming error.
		panic(err)
	}
	return b
}

func tickEvent(t model.PriceTick) event {
	return event{kind: FrameTick, symbol: t.Symbol, data: encode(Frame{Type: FrameTick, Tick: &t})}
}

func candleEvent(c model.Candle) event {
	return event{kind: FrameCandle, symbol: c.Symbol, data: encode(Frame{Type: FrameCandle, Candle: &c})}
}

func errorEvent(msg string) event {
	return event{kind: FrameError, data: encode(Frame{Type: FrameError, Error: msg})}
}

func snapshotEvent(ticks []model.PriceTick) event {
	if ticks == nil {
		ticks = []model.PriceTick{}
	}
	return event{kind: FrameSnapshot, data: encode(Frame{Type: FrameSnapshot, Ticks: ticks})}
}
