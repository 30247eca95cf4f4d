// Package txbuild assembles unsigned swap transactions for client-side signing.
//
// A batch becomes one legacy transaction: a single compute budget pair, then each swap
// in request order, each preceded by the token accounts it needs. The builder never
// signs and only submits transactions the client has already signed.
package txbuild

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/bits"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/model"
	"github.com/and161185/trade-terminal/internal/quote"
	"github.com/and161185/trade-terminal/internal/solana"
)

const (
	MaxSwaps = 10

	// DefaultSwapComputeUnits is assumed for a swap whose route proposes no limit.
	DefaultSwapComputeUnits = 200_000

	upstreamTimeout = 5 * time.Second
	parallelFetches = 4
)

// Quoter fetches exact quotes.
type Quoter interface {
	Exact(ctx context.Context, in, out string, amount uint64, bps int) (model.Quote, error)
}

// Chain is the Solana RPC surface the builder needs.
type Chain interface {
	GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*solana.AccountInfo, error)
	GetLatestBlockhash(ctx context.Context) (solana.Blockhash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (string, error)
}

// Builder builds and submits swap transactions.
type Builder struct {
	aggregator string
	http       *http.Client
	quotes     Quoter
	chain      Chain
	log        *zap.Logger
	feeCeiling uint64
	timeout    time.Duration
}

// NewBuilder wires a builder. feeCeiling caps the priority fee in micro-lamports per compute unit.
func NewBuilder(aggregatorBase string, hc *http.Client, quotes Quoter, chain Chain, feeCeiling uint64, log *zap.Logger) *Builder {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Builder{
		aggregator: strings.TrimRight(aggregatorBase, "/"),
		http:       hc,
		quotes:     quotes,
		chain:      chain,
		log:        log.Named("txbuild"),
		feeCeiling: feeCeiling,
		timeout:    upstreamTimeout,
	}
}

// Built is an unsigned transaction and the quotes it executes.
type Built struct {
	Transaction          string
	LastValidBlockHeight uint64
	ComputeUnits         uint32
	Size                 int
	Quotes               []model.Quote
}

type leg struct {
	req    model.SwapRequest
	quote  model.Quote
	ixs    legInstructions
	output solana.PublicKey
}

type legInstructions struct {
	setup   []solana.Instruction
	swap    solana.Instruction
	cleanup solana.Instruction
	units   uint32
	price   uint64
}

// SlippageFor returns the request's slippage, or the tolerance implied by expected and minimum output.
func SlippageFor(r model.SwapRequest) int {
	if r.SlippageBps > 0 {
		return r.SlippageBps
	}
	if r.ExpectedOutput == 0 || r.MinOutputAmount >= r.ExpectedOutput {
		return 1
	}
	hi, lo := bits.Mul64(r.ExpectedOutput-r.MinOutputAmount, quote.MaxBps)
	bps, rem := bits.Div64(hi, lo, r.ExpectedOutput)
	if rem > 0 {
		bps++
	}
	if bps < 1 {
		return 1
	}
	if bps > quote.MaxBps {
		return quote.MaxBps
	}
	return int(bps)
}

// Build produces one unsigned transaction executing swaps in order, paid by and for userKey.
func (b *Builder) Build(ctx context.Context, userKey string, swaps []model.SwapRequest) (Built, error) {
	if len(swaps) < 1 || len(swaps) > MaxSwaps {
		return Built{}, fmt.Errorf("%w: a transaction carries 1 to %d swaps", errs.ErrInvalidInput, MaxSwaps)
	}
	user, err := solana.ParsePublicKey(userKey)
	if err != nil {
		return Built{}, fmt.Errorf("%w: user public key", errs.ErrInvalidInput)
	}

	legs := make([]*leg, len(swaps))
	for i, s := range swaps {
		out, err := solana.ParsePublicKey(s.OutputMint)
		if err != nil {
			return Built{}, fmt.Errorf("%w: swap %d output mint", errs.ErrInvalidInput, i)
		}
		if _, err := solana.ParsePublicKey(s.InputMint); err != nil {
			return Built{}, fmt.Errorf("%w: swap %d input mint", errs.ErrInvalidInput, i)
		}
		if s.FromTokenAccount != "" {
			if _, err := solana.ParsePublicKey(s.FromTokenAccount); err != nil {
				return Built{}, fmt.Errorf("%w: swap %d from_token_account", errs.ErrInvalidInput, i)
			}
		}
		if s.MinOutputAmount > s.ExpectedOutput {
			return Built{}, fmt.Errorf("%w: swap %d min_output_amount exceeds expected_output", errs.ErrInvalidInput, i)
		}
		legs[i] = &leg{req: s, output: out}
	}

	if err := b.resolveLegs(ctx, user, legs); err != nil {
		return Built{}, err
	}

	creates, err := b.missingTokenAccounts(ctx, user, legs)
	if err != nil {
		return Built{}, err
	}

	var units uint64
	var price uint64
	for _, l := range legs {
		units += uint64(l.ixs.units)
		price = max(price, l.ixs.price)
	}
	if units > solana.MaxComputeUnits {
		return Built{}, fmt.Errorf("%w: %d compute units exceed the %d cap", errs.ErrTooLarge, units, solana.MaxComputeUnits)
	}
	if price > b.feeCeiling {
		b.log.Debug("priority fee clamped", zap.Uint64("proposed", price), zap.Uint64("ceiling", b.feeCeiling))
		price = b.feeCeiling
	}

	ixs := []solana.Instruction{solana.SetComputeUnitLimit(uint32(units))}
	if price > 0 {
		ixs = append(ixs, solana.SetComputeUnitPrice(price))
	}
	for i, l := range legs {
		ixs = append(ixs, creates[i]...)
		ixs = append(ixs, l.ixs.setup...)
		ixs = append(ixs, l.ixs.swap)
		if l.ixs.cleanup != nil {
			ixs = append(ixs, l.ixs.cleanup)
		}
	}

	bh, err := b.chain.GetLatestBlockhash(ctx)
	if err != nil {
		return Built{}, err
	}
	compiled, tx, err := solana.CompileTransaction(user, bh.Hash, ixs)
	if errors.Is(err, solana.ErrTooManyAccounts) {
		return Built{}, fmt.Errorf("%w: %v", errs.ErrTooLarge, err)
	}
	if err != nil {
		return Built{}, fmt.Errorf("%w: compile transaction: %v", errs.ErrInternal, err)
	}
	if compiled.Message.Header.NumRequiredSignatures != 1 {
		return Built{}, fmt.Errorf("%w: route requires signers other than the user", errs.ErrUpstream)
	}
	if len(tx) > solana.MaxTransactionSize {
		return Built{}, fmt.Errorf("%w: transaction is %d bytes, limit %d", errs.ErrTooLarge, len(tx), solana.MaxTransactionSize)
	}

	quotes := make([]model.Quote, len(legs))
	for i, l := range legs {
		quotes[i] = l.quote
	}
	return Built{
		Transaction:          solana.EncodeTransaction(tx),
		LastValidBlockHeight: bh.LastValidBlockHeight,
		ComputeUnits:         uint32(units),
		Size:                 len(tx),
		Quotes:               quotes,
	}, nil
}

// resolveLegs quotes every swap and fetches its instructions, a few at a time.
func (b *Builder) resolveLegs(ctx context.Context, user solana.PublicKey, legs []*leg) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelFetches)
	for i, l := range legs {
		g.Go(func() error {
			q, err := b.quotes.Exact(gctx, l.req.InputMint, l.req.OutputMint, l.req.Amount, SlippageFor(l.req))
			if err != nil {
				return err
			}
			if q.OtherAmountThreshold < l.req.MinOutputAmount {
				return fmt.Errorf("%w: swap %d: price moved, quote minimum %d is below min_output_amount %d",
					errs.ErrUpstream, i, q.OtherAmountThreshold, l.req.MinOutputAmount)
			}
			l.quote = q

			si, err := b.fetchInstructions(gctx, q.Raw, user)
			if err != nil {
				return err
			}
			l.ixs, err = b.decodeLeg(si, user)
			if err != nil {
				return fmt.Errorf("%w: swap %d: %v", errs.ErrUpstream, i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *Builder) decodeLeg(si *swapInstructions, user solana.PublicKey) (legInstructions, error) {
	var li legInstructions
	budget, err := decodeAll(si.ComputeBudgetInstructions)
	if err != nil {
		return li, err
	}
	for _, ix := range budget {
		kind, v, ok := solana.ParseComputeBudget(ix)
		if !ok {
			return li, errors.New("unrecognized compute budget instruction")
		}
		if kind == solana.BudgetUnitLimit {
			li.units = uint32(v)
		} else {
			li.price = v
		}
	}
	if li.units == 0 {
		li.units = si.ComputeUnitLimit
	}
	if li.units == 0 {
		li.units = DefaultSwapComputeUnits
	}

	setup, err := decodeAll(si.SetupInstructions)
	if err != nil {
		return li, err
	}
	other, err := decodeAll(si.OtherInstructions)
	if err != nil {
		return li, err
	}
	li.setup = append(setup, other...)
	if li.swap, err = si.SwapInstruction.decode(); err != nil {
		return li, err
	}
	if si.CleanupInstruction != nil {
		c, err := si.CleanupInstruction.decode()
		if err != nil {
			return li, err
		}
		li.cleanup = c
	}

	all := append(append([]solana.Instruction{}, li.setup...), li.swap)
	if li.cleanup != nil {
		all = append(all, li.cleanup)
	}
	for _, ix := range all {
		for _, a := range ix.Accounts() {
			if a.IsSigner && a.PublicKey != user {
				return li, fmt.Errorf("instruction requires signer %s", a.PublicKey)
			}
		}
	}
	return li, nil
}

// missingTokenAccounts returns, per leg, the create instructions for output token accounts
// that do not exist yet. Each account is created once, before the first swap that needs it.
// Native SOL output is unwrapped by the route itself.
func (b *Builder) missingTokenAccounts(ctx context.Context, user solana.PublicKey, legs []*leg) ([][]solana.Instruction, error) {
	creates := make([][]solana.Instruction, len(legs))

	var mints []solana.PublicKey
	seen := map[solana.PublicKey]bool{}
	for _, l := range legs {
		if l.output != solana.NativeMint && !seen[l.output] {
			seen[l.output] = true
			mints = append(mints, l.output)
		}
	}
	if len(mints) == 0 {
		return creates, nil
	}

	mintInfo, err := b.chain.GetMultipleAccounts(ctx, mints)
	if err != nil {
		return nil, err
	}
	type target struct{ ata, program solana.PublicKey }
	targets := make(map[solana.PublicKey]target, len(mints))
	atas := make([]solana.PublicKey, len(mints))
	for i, m := range mints {
		if mintInfo[i] == nil {
			return nil, fmt.Errorf("%w: output mint %s does not exist", errs.ErrInvalidInput, m)
		}
		program, err := solana.ParsePublicKey(mintInfo[i].Owner)
		if err != nil || (program != solana.TokenProgram && program != solana.Token2022Program) {
			return nil, fmt.Errorf("%w: %s is not a token mint", errs.ErrInvalidInput, m)
		}
		ata, err := solana.AssociatedTokenAddress(user, m, program)
		if err != nil {
			return nil, fmt.Errorf("%w: derive token account: %v", errs.ErrInternal, err)
		}
		atas[i] = ata
		targets[m] = target{ata: ata, program: program}
	}

	for i, l := range legs {
		if to := l.req.ToTokenAccount; to != "" && l.output != solana.NativeMint && to != targets[l.output].ata.String() {
			return nil, fmt.Errorf("%w: swap %d to_token_account is not the associated token account", errs.ErrInvalidInput, i)
		}
	}

	exists, err := b.chain.GetMultipleAccounts(ctx, atas)
	if err != nil {
		return nil, err
	}
	missing := map[solana.PublicKey]bool{}
	for i, m := range mints {
		if exists[i] == nil {
			missing[m] = true
		}
	}
	for i, l := range legs {
		if !missing[l.output] {
			continue
		}
		t := targets[l.output]
		creates[i] = append(creates[i], solana.CreateAssociatedTokenAccountIdempotent(user, t.ata, user, l.output, t.program))
		delete(missing, l.output)
	}
	return creates, nil
}

// Submit forwards a client-signed transaction and returns its signature.
func (b *Builder) Submit(ctx context.Context, signed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(signed)
	if err != nil {
		return "", fmt.Errorf("%w: signed_transaction is not base64", errs.ErrInvalidInput)
	}
	if len(raw) > solana.MaxTransactionSize {
		return "", fmt.Errorf("%w: transaction is %d bytes", errs.ErrTooLarge, len(raw))
	}
	tx, err := solana.DecodeTransaction(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed transaction", errs.ErrInvalidInput)
	}
	total, filled := solana.SignatureCount(tx)
	if total == 0 || filled != total {
		return "", fmt.Errorf("%w: transaction is not fully signed", errs.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	sig, err := b.chain.SendTransaction(ctx, tx)
	if err != nil {
		return "", err
	}
	if want := tx.Signatures[0].String(); sig != want {
		b.log.Warn("rpc returned unexpected signature", zap.String("got", sig), zap.String("want", want))
	}
	return sig, nil
}
