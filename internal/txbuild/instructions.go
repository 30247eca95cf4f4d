package txbuild

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/solana"
)

type wireAccount struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

type wireInstruction struct {
	ProgramID string        `json:"programId"`
	Accounts  []wireAccount `json:"accounts"`
	Data      string        `json:"data"`
}

// swapInstructions is the aggregator's /swap-instructions response.
type swapInstructions struct {
	ComputeBudgetInstructions   []wireInstruction `json:"computeBudgetInstructions"`
	SetupInstructions           []wireInstruction `json:"setupInstructions"`
	OtherInstructions           []wireInstruction `json:"otherInstructions"`
	SwapInstruction             *wireInstruction  `json:"swapInstruction"`
	CleanupInstruction          *wireInstruction  `json:"cleanupInstruction"`
	AddressLookupTableAddresses []string          `json:"addressLookupTableAddresses"`
	ComputeUnitLimit            uint32            `json:"computeUnitLimit"`
}

type swapInstructionsRequest struct {
	QuoteResponse       json.RawMessage `json:"quoteResponse"`
	UserPublicKey       string          `json:"userPublicKey"`
	WrapAndUnwrapSol    bool            `json:"wrapAndUnwrapSol"`
	AsLegacyTransaction bool            `json:"asLegacyTransaction"`
}

func (w wireInstruction) decode() (solana.Instruction, error) {
	pid, err := solana.ParsePublicKey(w.ProgramID)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return nil, fmt.Errorf("instruction data: %w", err)
	}
	metas := make([]*solana.AccountMeta, len(w.Accounts))
	for i, a := range w.Accounts {
		pk, err := solana.ParsePublicKey(a.Pubkey)
		if err != nil {
			return nil, err
		}
		metas[i] = &solana.AccountMeta{PublicKey: pk, IsSigner: a.IsSigner, IsWritable: a.IsWritable}
	}
	return solana.NewInstruction(pid, metas, data), nil
}

func decodeAll(ws []wireInstruction) ([]solana.Instruction, error) {
	out := make([]solana.Instruction, 0, len(ws))
	for _, w := range ws {
		ix, err := w.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, ix)
	}
	return out, nil
}

// fetchInstructions asks the aggregator to turn a quote into instructions for user.
func (b *Builder) fetchInstructions(ctx context.Context, rawQuote []byte, user solana.PublicKey) (*swapInstructions, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	body, err := json.Marshal(swapInstructionsRequest{
		QuoteResponse:       rawQuote,
		UserPublicKey:       user.String(),
		WrapAndUnwrapSol:    true,
		AsLegacyTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInternal, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.aggregator+"/swap-instructions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: swap-instructions: %v", errs.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: swap-instructions status %d", errs.ErrUpstream, resp.StatusCode)
	}

	var si swapInstructions
	if err := json.NewDecoder(io.LimitReader(resp.Body, 2<<20)).Decode(&si); err != nil {
		return nil, fmt.Errorf("%w: decode swap-instructions: %v", errs.ErrUpstream, err)
	}
	if si.SwapInstruction == nil {
		return nil, fmt.Errorf("%w: swap-instructions without a swap instruction", errs.ErrUpstream)
	}
	if len(si.AddressLookupTableAddresses) > 0 {
		return nil, fmt.Errorf("%w: route needs address lookup tables", errs.ErrUpstream)
	}
	return &si, nil
}
