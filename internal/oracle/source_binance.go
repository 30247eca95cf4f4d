package oracle

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/and161185/trade-terminal/internal/model"
)

const binanceQuote = "USDT"

// BinanceSource reads 24h ticker statistics from the Binance spot REST API.
// Prices are quoted in USDT and treated as USD.
type BinanceSource struct {
	client *binance.Client
}

// NewBinanceSource builds an unauthenticated client. baseURL overrides the API host when set.
func NewBinanceSource(baseURL string) *BinanceSource {
	c := binance.NewClient("", "")
	if baseURL != "" {
		c.BaseURL = strings.TrimRight(baseURL, "/")
	}
	c.HTTPClient = &http.Client{Timeout: fetchTimeout}
	return &BinanceSource{client: c}
}

func (s *BinanceSource) Name() string { return model.SourceBinance }

// Fetch maps SOL to SOLUSDT and back.
func (s *BinanceSource) Fetch(ctx context.Context, symbols []string) ([]model.PriceTick, error) {
	pairs := make([]string, len(symbols))
	for i, sym := range symbols {
		pairs[i] = Normalize(sym) + binanceQuote
	}
	stats, err := s.client.NewListPriceChangeStatsService().Symbols(pairs).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance ticker: %w", err)
	}

	out := make([]model.PriceTick, 0, len(stats))
	for _, st := range stats {
		price, err := decimal.NewFromString(st.LastPrice)
		if err != nil {
			return nil, fmt.Errorf("binance price %q: %w", st.LastPrice, err)
		}
		change, err := decimal.NewFromString(st.PriceChangePercent)
		if err != nil {
			change = decimal.Zero
		}
		out = append(out, model.PriceTick{
			Symbol:    strings.TrimSuffix(st.Symbol, binanceQuote),
			PriceUSD:  price,
			Change24h: change,
			Source:    model.SourceBinance,
			Timestamp: time.UnixMilli(st.CloseTime).UTC(),
		})
	}
	return out, nil
}
