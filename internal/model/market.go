package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Price tick sources.
const (
	SourceOracle  = "oracle"
	SourceBinance = "binance"
	SourceCached  = "cached"
)

// PriceTick is a spot price observation for one symbol.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	Change24h decimal.Decimal `json:"change_24h"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// Timeframe is a candle window; values are the exact wire strings.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Timeframes lists every supported timeframe, shortest first.
var Timeframes = []Timeframe{TF1m, TF5m, TF15m, TF1h, TF4h, TF1d}

// Seconds returns the window length, or 0 for an unknown timeframe.
func (tf Timeframe) Seconds() int64 {
	switch tf {
	case TF1m:
		return 60
	case TF5m:
		return 5 * 60
	case TF15m:
		return 15 * 60
	case TF1h:
		return 60 * 60
	case TF4h:
		return 4 * 60 * 60
	case TF1d:
		return 24 * 60 * 60
	}
	return 0
}

// ParseTimeframe validates a wire timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if tf.Seconds() == 0 {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Candle is an OHLC bucket. OpenTime is unix seconds aligned to the timeframe.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  int64           `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Trade is a raw print fed into the candle aggregator.
type Trade struct {
	Symbol    string
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}
