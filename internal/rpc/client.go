// Package rpc calls JSON-RPC 2.0 endpoints through solana-go's jsonrpc client and maps
// failures onto errs kinds. The Solana chain client and the Soroban plugin share it.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/and161185/trade-terminal/internal/errs"
)

// Error is an error object returned by the server.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Client calls one endpoint.
type Client struct {
	url string
	rpc jsonrpc.RPCClient
}

// New builds a client for url. A nil hc gets a client with a 10 s timeout;
// per-call deadlines come from the context.
func New(url string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{url: url, rpc: jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{HTTPClient: hc})}
}

// URL returns the endpoint.
func (c *Client) URL() string { return c.url }

// Solana returns the typed Solana client over the same transport.
func (c *Client) Solana() *solrpc.Client { return solrpc.NewWithCustomRPCClient(c.rpc) }

// Call invokes method and decodes the result into out, which may be nil.
// params is nil, a positional list, or a single object sent as named parameters.
// Every failure wraps errs.ErrUpstream; server errors also wrap *Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	if out == nil {
		var discard any
		out = &discard
	}
	var list []any
	switch p := params.(type) {
	case nil:
	case []any:
		list = p
	default:
		return c.callNamed(ctx, method, p, out)
	}
	if err := c.rpc.CallForInto(ctx, out, method, list); err != nil {
		return Wrap(method, err)
	}
	return nil
}

func (c *Client) callNamed(ctx context.Context, method string, params, out any) error {
	resp, err := c.rpc.CallRaw(ctx, &jsonrpc.RPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return Wrap(method, err)
	}
	if resp.Error != nil {
		return Wrap(method, resp.Error)
	}
	if err := resp.GetObject(out); err != nil {
		return Wrap(method, err)
	}
	return nil
}

// Wrap maps a client failure onto errs.ErrUpstream. Server error objects stay reachable through AsError.
func Wrap(method string, err error) error {
	var re *jsonrpc.RPCError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %s: %w", errs.ErrUpstream, method, &Error{Code: re.Code, Message: re.Message, Data: re.Data})
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrUpstream, method, err)
}

// AsError extracts the server error object, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
