package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/model"
)

// MaxPriceSymbols bounds one prices request.
const MaxPriceSymbols = 50

type pricesResponse struct {
	Prices []model.PriceTick `json:"prices"`
}

type candlesResponse struct {
	Symbol    string          `json:"symbol"`
	Timeframe model.Timeframe `json:"timeframe"`
	Candles   []model.Candle  `json:"candles"`
}

func parseSymbols(raw string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		sym := strings.ToUpper(strings.TrimSpace(part))
		if sym == "" {
			continue
		}
		if len(sym) > 32 {
			return nil, fmt.Errorf("%w: symbol %q is too long", errs.ErrInvalidInput, sym)
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: symbols is required", errs.ErrInvalidInput)
	}
	if len(out) > MaxPriceSymbols {
		return nil, fmt.Errorf("%w: at most %d symbols", errs.ErrInvalidInput, MaxPriceSymbols)
	}
	return out, nil
}

func (s *Server) handlePrices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbols, err := parseSymbols(r.URL.Query().Get("symbols"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ticks, err := s.prices.GetMany(r.Context(), symbols)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pricesResponse{Prices: ticks})
	}
}

func (s *Server) handleCandles() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
		if symbol == "" {
			s.writeError(w, r, fmt.Errorf("%w: symbol is required", errs.ErrInvalidInput))
			return
		}
		tf, err := model.ParseTimeframe(q.Get("timeframe"))
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err))
			return
		}
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 1 {
				s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", errs.ErrInvalidInput))
				return
			}
		}
		out, err := s.candles.Candles(r.Context(), symbol, tf, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, candlesResponse{Symbol: symbol, Timeframe: tf, Candles: out})
	}
}

func (s *Server) handleStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		s.stream.Serve(w, r, uid)
	}
}
