package solana

import (
	"context"
	"errors"
	"fmt"

	sol "github.com/gagliardetto/solana-go"
	solrpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/rpc"
)

// Chain wraps the Solana RPC methods used by the service.
type Chain struct {
	rpc *solrpc.Client
}

// NewChain builds a chain client over client.
func NewChain(client *solrpc.Client) *Chain { return &Chain{rpc: client} }

// AccountInfo is the subset of an account used here.
type AccountInfo struct {
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Executable bool   `json:"executable"`
	Space      uint64 `json:"space"`
}

func accountInfo(a *solrpc.Account) *AccountInfo {
	if a == nil {
		return nil
	}
	info := &AccountInfo{Lamports: a.Lamports, Owner: a.Owner.String(), Executable: a.Executable}
	if a.Data != nil {
		info.Space = uint64(len(a.Data.GetBinary()))
	}
	return info
}

// GetMultipleAccounts returns one entry per key, nil where the account does not exist.
func (c *Chain) GetMultipleAccounts(ctx context.Context, keys []PublicKey) ([]*AccountInfo, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	res, err := c.rpc.GetMultipleAccountsWithOpts(ctx, keys, &solrpc.GetMultipleAccountsOpts{
		Encoding:   sol.EncodingBase64,
		Commitment: solrpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, rpc.Wrap("getMultipleAccounts", err)
	}
	if len(res.Value) != len(keys) {
		return nil, fmt.Errorf("%w: getMultipleAccounts returned %d entries for %d keys", errs.ErrUpstream, len(res.Value), len(keys))
	}
	out := make([]*AccountInfo, len(keys))
	for i, a := range res.Value {
		out[i] = accountInfo(a)
	}
	return out, nil
}

// GetAccountInfo returns nil when the account does not exist.
func (c *Chain) GetAccountInfo(ctx context.Context, key PublicKey) (*AccountInfo, error) {
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &solrpc.GetAccountInfoOpts{
		Encoding:   sol.EncodingBase64,
		Commitment: solrpc.CommitmentConfirmed,
	})
	if errors.Is(err, solrpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, rpc.Wrap("getAccountInfo", err)
	}
	return accountInfo(res.Value), nil
}

// Blockhash is a recent blockhash and the last height at which it is accepted.
type Blockhash struct {
	Hash                 Hash
	LastValidBlockHeight uint64
}

// GetLatestBlockhash fetches a confirmed blockhash.
func (c *Chain) GetLatestBlockhash(ctx context.Context) (Blockhash, error) {
	res, err := c.rpc.GetLatestBlockhash(ctx, solrpc.CommitmentConfirmed)
	if err != nil {
		return Blockhash{}, rpc.Wrap("getLatestBlockhash", err)
	}
	if res == nil || res.Value == nil || res.Value.Blockhash == (Hash{}) {
		return Blockhash{}, fmt.Errorf("%w: getLatestBlockhash returned no blockhash", errs.ErrUpstream)
	}
	return Blockhash{Hash: res.Value.Blockhash, LastValidBlockHeight: res.Value.LastValidBlockHeight}, nil
}

// SendTransaction submits a signed transaction and returns its signature.
func (c *Chain) SendTransaction(ctx context.Context, tx *Transaction) (string, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, solrpc.TransactionOpts{
		PreflightCommitment: solrpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", rpc.Wrap("sendTransaction", err)
	}
	return sig.String(), nil
}
