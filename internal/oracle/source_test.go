package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/and161185/trade-terminal/internal/model"
)

func TestHTTPSource_Fetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/prices", r.URL.Path)
		require.Equal(t, "SOL,BTC", r.URL.Query().Get("symbols"))
		_, _ = w.Write([]byte(`[{"symbol":"sol","price_usd":"142.10","change_24h":"-1.5","timestamp":"2024-05-01T12:00:00Z"},
			{"symbol":"BTC","price_usd":"60000","timestamp":""}]`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", srv.Client())
	ticks, err := src.Fetch(context.Background(), []string{"SOL", "BTC"})
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	require.Equal(t, "SOL", ticks[0].Symbol)
	require.True(t, ticks[0].PriceUSD.Equal(decimal.RequireFromString("142.1")))
	require.True(t, ticks[0].Change24h.Equal(decimal.RequireFromString("-1.5")))
	require.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), ticks[0].Timestamp)
	require.Equal(t, model.SourceOracle, ticks[1].Source)
}

func TestHTTPSource_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "non-numeric price", status: http.StatusOK, body: `[{"symbol":"SOL","price_usd":"abc"}]`, wantErr: "invalid oracle price"},
		{name: "bad timestamp", status: http.StatusOK, body: `[{"symbol":"SOL","price_usd":"1","timestamp":"yesterday"}]`, wantErr: "timestamp"},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, wantErr: "status 500"},
		{name: "garbage", status: http.StatusOK, body: `{`, wantErr: "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPSource(srv.URL, srv.Client()).Fetch(context.Background(), []string{"SOL"})
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestBinanceSource_Fetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		require.Contains(t, r.URL.Query().Get("symbols"), "SOLUSDT")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"symbol":"SOLUSDT","priceChangePercent":"2.50","lastPrice":"150.25","closeTime":1714564800000}]`))
	}))
	defer srv.Close()

	src := NewBinanceSource(srv.URL)
	ticks, err := src.Fetch(context.Background(), []string{"sol"})
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	require.Equal(t, "SOL", ticks[0].Symbol)
	require.True(t, ticks[0].PriceUSD.Equal(decimal.RequireFromString("150.25")))
	require.Equal(t, model.SourceBinance, ticks[0].Source)
	require.Equal(t, int64(1714564800000), ticks[0].Timestamp.UnixMilli())
}
