package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/and161185/trade-terminal/internal/model"
)

// HTTPSource reads prices from the oracle's REST endpoint:
//
//	GET {base}/prices?symbols=SOL,BTC
//	[{"symbol":"SOL","price_usd":"142.1","change_24h":"-1.2","timestamp":"2024-05-01T12:00:00Z"}]
type HTTPSource struct {
	base     string
	client   *http.Client
	validate *validator.Validate
}

type oraclePrice struct {
	Symbol    string `json:"symbol" validate:"required"`
	PriceUSD  string `json:"price_usd" validate:"required,numeric"`
	Change24h string `json:"change_24h" validate:"omitempty,numeric"`
	Timestamp string `json:"timestamp" validate:"omitempty"`
}

// NewHTTPSource builds a source for the oracle at base.
func NewHTTPSource(base string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &HTTPSource{base: strings.TrimRight(base, "/"), client: client, validate: validator.New()}
}

func (s *HTTPSource) Name() string { return model.SourceOracle }

// Fetch requests symbols in one call.
func (s *HTTPSource) Fetch(ctx context.Context, symbols []string) ([]model.PriceTick, error) {
	u := s.base + "/prices?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("oracle status %d", resp.StatusCode)
	}

	var raw []oraclePrice
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode oracle response: %w", err)
	}

	out := make([]model.PriceTick, 0, len(raw))
	for _, p := range raw {
		if err := s.validate.Struct(p); err != nil {
			return nil, fmt.Errorf("invalid oracle price: %w", err)
		}
		tick, err := p.toTick()
		if err != nil {
			return nil, err
		}
		out = append(out, tick)
	}
	return out, nil
}

func (p oraclePrice) toTick() (model.PriceTick, error) {
	price, err := decimal.NewFromString(p.PriceUSD)
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("price %q: %w", p.PriceUSD, err)
	}
	change := decimal.Zero
	if p.Change24h != "" {
		if change, err = decimal.NewFromString(p.Change24h); err != nil {
			return model.PriceTick{}, fmt.Errorf("change %q: %w", p.Change24h, err)
		}
	}
	var ts time.Time
	if p.Timestamp != "" {
		if ts, err = time.Parse(time.RFC3339Nano, p.Timestamp); err != nil {
			return model.PriceTick{}, fmt.Errorf("timestamp %q: %w", p.Timestamp, err)
		}
	}
	return model.PriceTick{
		Symbol:    Normalize(p.Symbol),
		PriceUSD:  price,
		Change24h: change,
		Source:    model.SourceOracle,
		Timestamp: ts.UTC(),
	}, nil
}
