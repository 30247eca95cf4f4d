package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RouteStep is one hop of an aggregator route.
type RouteStep struct {
	AmmKey     string `json:"amm_key"`
	Label      string `json:"label"`
	InputMint  string `json:"input_mint"`
	OutputMint string `json:"output_mint"`
	InAmount   uint64 `json:"in_amount,string"`
	OutAmount  uint64 `json:"out_amount,string"`
	Percent    int    `json:"percent"`
}

// Quote is a time-limited exact-in swap proposal.
type Quote struct {
	InputMint            string          `json:"input_mint"`
	OutputMint           string          `json:"output_mint"`
	InAmount             uint64          `json:"in_amount,string"`
	OutAmount            uint64          `json:"out_amount,string"`
	OtherAmountThreshold uint64          `json:"other_amount_threshold,string"`
	SlippageBps          int             `json:"slippage_bps"`
	PriceImpactPct       decimal.Decimal `json:"price_impact_pct"`
	RoutePlan            []RouteStep     `json:"route_plan"`
	IssuedAt             time.Time       `json:"issued_at"`
	ValidUntil           time.Time       `json:"valid_until"`

	// Raw is the aggregator's own quote document, echoed back when requesting instructions.
	Raw []byte `json:"-"`
}

// SwapRequest is a single swap to build.
type SwapRequest struct {
	InputMint        string `json:"input_mint" validate:"required"`
	OutputMint       string `json:"output_mint" validate:"required,nefield=InputMint"`
	FromTokenAccount string `json:"from_token_account"`
	ToTokenAccount   string `json:"to_token_account"`
	Amount           uint64 `json:"amount,string" validate:"required,gt=0"`
	MinOutputAmount  uint64 `json:"min_output_amount,string" validate:"required,gt=0"`
	ExpectedOutput   uint64 `json:"expected_output,string" validate:"required,gtefield=MinOutputAmount"`
	SlippageBps      int    `json:"slippage_bps" validate:"omitempty,min=1,max=10000"`
	UserPublicKey    string `json:"user_public_key"`
}

// QuoteRequest asks for a single exact-in quote.
type QuoteRequest struct {
	InputMint   string `json:"input_mint" validate:"required"`
	OutputMint  string `json:"output_mint" validate:"required,nefield=InputMint"`
	Amount      uint64 `json:"amount,string" validate:"required,gt=0"`
	SlippageBps int    `json:"slippage_bps" validate:"omitempty,min=1,max=10000"`
}

// BatchSwapRequest is an ordered list of swaps executed in a single transaction.
type BatchSwapRequest struct {
	Swaps         []SwapRequest `json:"swaps" validate:"required,min=1,max=10,dive"`
	UserPublicKey string        `json:"userPublicKey" validate:"required"`
}

// BuildState is the outcome of a build/execute call.
type BuildState string

const (
	StateBuilt     BuildState = "built"
	StateSubmitted BuildState = "submitted"
	StateFailed    BuildState = "failed"
)

// BuildResult is the unsigned transaction handed back for client signing.
type BuildResult struct {
	State                BuildState `json:"status"`
	Transaction          string     `json:"transaction"`
	LastValidBlockHeight uint64     `json:"last_valid_block_height"`
	ComputeUnits         uint32     `json:"compute_units"`
	SwapIDs              []int64    `json:"swap_ids"`
}

// BatchSwapLeg echoes one swap of a batch back to the client.
type BatchSwapLeg struct {
	InputMint       string `json:"inputMint"`
	OutputMint      string `json:"outputMint"`
	Amount          uint64 `json:"amount,string"`
	ExpectedOutput  uint64 `json:"expectedOutput,string"`
	MinOutputAmount uint64 `json:"minOutputAmount,string"`
}

// BatchSwapResponse uses camelCase names shared with the desktop client.
type BatchSwapResponse struct {
	Status               BuildState     `json:"status"`
	Transaction          string         `json:"transaction"`
	UserPublicKey        string         `json:"userPublicKey"`
	LastValidBlockHeight uint64         `json:"lastValidBlockHeight"`
	ComputeUnits         uint32         `json:"computeUnits"`
	Swaps                []BatchSwapLeg `json:"swaps"`
	SwapIDs              []int64        `json:"swapIds"`
}

// ExecuteRequest carries a client-signed transaction.
type ExecuteRequest struct {
	SignedTransaction string  `json:"signed_transaction" validate:"required,base64"`
	SwapIDs           []int64 `json:"swap_ids"`
}

// ExecuteResult is Submitted(signature) or Failed(reason).
type ExecuteResult struct {
	State     BuildState `json:"status"`
	Signature string     `json:"signature,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}
