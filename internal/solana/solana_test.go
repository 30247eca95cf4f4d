package solana

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"filippo.io/edwards25519"
	sol "github.com/gagliardetto/solana-go"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/rpc"
)

const owner = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func onCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

func mustData(t *testing.T, ix Instruction) []byte {
	t.Helper()
	data, err := ix.Data()
	require.NoError(t, err)
	return data
}

func TestPublicKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "11111111111111111111111111111111", SystemProgram.String())
	require.True(t, SystemProgram.IsZero())

	_, err := ParsePublicKey("not-base58-0OIl")
	require.Error(t, err)
	_, err = ParsePublicKey("1111")
	require.Error(t, err)

	var pk PublicKey
	require.NoError(t, pk.UnmarshalText([]byte(TokenProgram.String())))
	require.Equal(t, TokenProgram, pk)
}

func TestAssociatedTokenAddress(t *testing.T) {
	t.Parallel()

	user := MustPublicKey(owner)
	ata, err := AssociatedTokenAddress(user, NativeMint, TokenProgram)
	require.NoError(t, err)
	require.False(t, onCurve(ata[:]))

	classic, _, err := sol.FindAssociatedTokenAddress(user, NativeMint)
	require.NoError(t, err)
	require.Equal(t, classic, ata)

	other, err := AssociatedTokenAddress(user, NativeMint, Token2022Program)
	require.NoError(t, err)
	require.NotEqual(t, ata, other)
	require.False(t, onCurve(other[:]))
}

func TestCompileTransaction(t *testing.T) {
	t.Parallel()

	payer := MustPublicKey(owner)
	cosigner := MustPublicKey("So11111111111111111111111111111111111111112")
	writable := MustPublicKey("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	program := MustPublicKey("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")

	ixs := []Instruction{
		SetComputeUnitLimit(200_000),
		NewInstruction(program, []*AccountMeta{
			{PublicKey: writable, IsWritable: true},
			{PublicKey: cosigner, IsSigner: true},
			{PublicKey: payer, IsSigner: true},
		}, []byte{9, 9}),
	}
	var hash Hash
	hash[0] = 7

	tx, raw, err := CompileTransaction(payer, hash, ixs)
	require.NoError(t, err)
	require.Equal(t, payer, tx.Message.AccountKeys[0])
	require.Equal(t, cosigner, tx.Message.AccountKeys[1])
	require.EqualValues(t, 2, tx.Message.Header.NumRequiredSignatures)
	require.EqualValues(t, 1, tx.Message.Header.NumReadonlySignedAccounts)
	require.EqualValues(t, 2, tx.Message.Header.NumReadonlyUnsignedAccounts)
	require.Equal(t, byte(2), raw[0], "two signature slots")
	require.Len(t, tx.Signatures, 2)

	back, err := DecodeTransaction(raw)
	require.NoError(t, err)
	require.Equal(t, hash, back.Message.RecentBlockhash)
	total, filled := SignatureCount(back)
	require.Equal(t, 2, total)
	require.Zero(t, filled)

	raw[1] = 0xff
	back, err = DecodeTransaction(raw)
	require.NoError(t, err)
	_, filled = SignatureCount(back)
	require.Equal(t, 1, filled)

	_, err = DecodeTransaction(append(raw, 0))
	require.Error(t, err)
	_, err = DecodeTransaction(raw[:40])
	require.Error(t, err)
}

func TestComputeBudget(t *testing.T) {
	t.Parallel()

	kind, v, ok := ParseComputeBudget(SetComputeUnitPrice(1000))
	require.True(t, ok)
	require.Equal(t, BudgetUnitPrice, kind)
	require.EqualValues(t, 1000, v)
	require.Equal(t, []byte{3, 0xe8, 0x03, 0, 0, 0, 0, 0, 0}, mustData(t, SetComputeUnitPrice(1000)))

	kind, v, ok = ParseComputeBudget(SetComputeUnitLimit(1_400_000))
	require.True(t, ok)
	require.Equal(t, BudgetUnitLimit, kind)
	require.EqualValues(t, 1_400_000, v)
	require.Equal(t, []byte{2, 0xc0, 0x5c, 0x15, 0x00}, mustData(t, SetComputeUnitLimit(1_400_000)))

	_, _, ok = ParseComputeBudget(NewInstruction(TokenProgram, nil, []byte{2, 0, 0, 0, 0}))
	require.False(t, ok)

	ix := CreateAssociatedTokenAccountIdempotent(SystemProgram, TokenProgram, SystemProgram, NativeMint, TokenProgram)
	require.Equal(t, []byte{1}, mustData(t, ix))
	require.Len(t, ix.Accounts(), 6)
	require.True(t, ix.Accounts()[0].IsSigner)
	require.Equal(t, AssociatedTokenProgram, ix.ProgramID())
}

// rpcNode answers JSON-RPC requests with canned results keyed by method.
func rpcNode(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		res, ok := results[req.Method]
		require.True(t, ok, "unexpected method %s", req.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,%s}`, req.ID, res)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChain(t *testing.T) {
	t.Parallel()

	var hash Hash
	hash[31] = 9
	srv := rpcNode(t, map[string]string{
		"getLatestBlockhash": `"result":{"context":{"slot":1},"value":{"blockhash":"` + hash.String() + `","lastValidBlockHeight":150}}`,
		"getMultipleAccounts": `"result":{"context":{"slot":1},"value":[` +
			`{"lamports":5,"owner":"` + TokenProgram.String() + `","data":["AAAA","base64"],"executable":false,"rentEpoch":0},null]}`,
		"getAccountInfo":  `"result":{"context":{"slot":1},"value":null}`,
		"sendTransaction": `"error":{"code":-32002,"message":"Blockhash not found"}`,
	})
	chain := NewChain(rpc.New(srv.URL, srv.Client()).Solana())
	ctx := context.Background()

	bh, err := chain.GetLatestBlockhash(ctx)
	require.NoError(t, err)
	require.Equal(t, hash, bh.Hash)
	require.EqualValues(t, 150, bh.LastValidBlockHeight)

	accs, err := chain.GetMultipleAccounts(ctx, []PublicKey{NativeMint, MustPublicKey(owner)})
	require.NoError(t, err)
	require.Len(t, accs, 2)
	require.Equal(t, TokenProgram.String(), accs[0].Owner)
	require.EqualValues(t, 3, accs[0].Space)
	require.Nil(t, accs[1])

	acc, err := chain.GetAccountInfo(ctx, NativeMint)
	require.NoError(t, err)
	require.Nil(t, acc)

	tx, _, err := CompileTransaction(MustPublicKey(owner), hash, []Instruction{SetComputeUnitLimit(1)})
	require.NoError(t, err)
	_, err = chain.SendTransaction(ctx, tx)
	require.ErrorIs(t, err, errs.ErrUpstream)
	rpcErr, ok := rpc.AsError(err)
	require.True(t, ok)
	require.Equal(t, "Blockhash not found", rpcErr.Message)
}
