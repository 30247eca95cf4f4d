package rpc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/and161185/trade-terminal/internal/errs"
)

func server(t *testing.T, handle func(req map[string]any) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		_, _ = w.Write([]byte(handle(req)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCall_Result(t *testing.T) {
	t.Parallel()
	srv := server(t, func(req map[string]any) string {
		require.Equal(t, "2.0", req["jsonrpc"])
		require.Equal(t, "getSlot", req["method"])
		require.Equal(t, []any{"confirmed"}, req["params"])
		return `{"jsonrpc":"2.0","id":1,"result":42}`
	})

	var slot uint64
	require.NoError(t, New(srv.URL, srv.Client()).Call(context.Background(), "getSlot", []any{"confirmed"}, &slot))
	require.EqualValues(t, 42, slot)
}

func TestCall_NamedParams(t *testing.T) {
	t.Parallel()
	srv := server(t, func(req map[string]any) string {
		require.Equal(t, map[string]any{"keys": []any{"AAAA"}}, req["params"])
		return `{"jsonrpc":"2.0","id":1,"result":{"latestLedger":7}}`
	})

	var res struct {
		LatestLedger int `json:"latestLedger"`
	}
	params := map[string]any{"keys": []string{"AAAA"}}
	require.NoError(t, New(srv.URL, srv.Client()).Call(context.Background(), "getLedgerEntries", params, &res))
	require.Equal(t, 7, res.LatestLedger)

	failing := server(t, func(map[string]any) string {
		return `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid key"}}`
	})
	err := New(failing.URL, failing.Client()).Call(context.Background(), "getLedgerEntries", params, &res)
	require.ErrorIs(t, err, errs.ErrUpstream)
	rpcErr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, -32602, rpcErr.Code)
}

func TestCall_Errors(t *testing.T) {
	t.Parallel()

	srv := server(t, func(map[string]any) string {
		return `{"jsonrpc":"2.0","id":1,"error":{"code":-32002,"message":"Transaction simulation failed"}}`
	})
	err := New(srv.URL, srv.Client()).Call(context.Background(), "sendTransaction", nil, nil)
	require.ErrorIs(t, err, errs.ErrUpstream)
	rpcErr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, -32002, rpcErr.Code)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	err = New(bad.URL, bad.Client()).Call(context.Background(), "getHealth", nil, nil)
	require.ErrorIs(t, err, errs.ErrUpstream)
	_, ok = AsError(err)
	require.False(t, ok)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = New(slow.URL, slow.Client()).Call(ctx, "getHealth", nil, nil)
	require.ErrorIs(t, err, errs.ErrUpstream)
}
