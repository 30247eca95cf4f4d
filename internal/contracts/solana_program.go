package contracts

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/solana"
)

// AccountReader reads Solana account metadata.
type AccountReader interface {
	GetAccountInfo(ctx context.Context, key solana.PublicKey) (*solana.AccountInfo, error)
}

// SolanaProgram exposes a deployed Solana program.
type SolanaProgram struct {
	name    string
	program string
	id      solana.PublicKey
	chain   AccountReader
	rpcURL  string
}

// NewSolanaProgram builds the plugin; the program id is parsed on Init.
func NewSolanaProgram(programID string, chain AccountReader, rpcURL string) *SolanaProgram {
	return &SolanaProgram{name: "solana-program", program: programID, chain: chain, rpcURL: rpcURL}
}

func (p *SolanaProgram) Name() string      { return p.name }
func (p *SolanaProgram) ProgramID() string { return p.program }
func (p *SolanaProgram) Version() string   { return "1.0.0" }

func (p *SolanaProgram) Metadata() map[string]any {
	return map[string]any{"chain": "solana", "rpc_url": p.rpcURL}
}

func (p *SolanaProgram) Routes() []Route {
	return []Route{{Name: "account"}}
}

func (p *SolanaProgram) Init(ctx context.Context) error {
	id, err := solana.ParsePublicKey(p.program)
	if err != nil {
		return fmt.Errorf("program id: %w", err)
	}
	p.id = id
	return nil
}

func (p *SolanaProgram) HealthCheck(ctx context.Context) error {
	acc, err := p.chain.GetAccountInfo(ctx, p.id)
	if err != nil {
		return err
	}
	if acc == nil {
		return fmt.Errorf("%w: program %s not found", errs.ErrUnavailable, p.program)
	}
	if !acc.Executable {
		return fmt.Errorf("%w: account %s is not executable", errs.ErrUnavailable, p.program)
	}
	return nil
}

type accountRequest struct {
	Address string `json:"address"`
}

// Handle serves "account": the program account itself, or the address in the body.
func (p *SolanaProgram) Handle(ctx context.Context, route string, body json.RawMessage) (json.RawMessage, error) {
	if route != "account" {
		return nil, fmt.Errorf("%w: unknown route %q", errs.ErrInvalidInput, route)
	}
	key := p.id
	if len(body) > 0 {
		var req accountRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: malformed body", errs.ErrInvalidInput)
		}
		if req.Address != "" {
			k, err := solana.ParsePublicKey(req.Address)
			if err != nil {
				return nil, fmt.Errorf("%w: address: %v", errs.ErrInvalidInput, err)
			}
			key = k
		}
	}
	acc, err := p.chain.GetAccountInfo(ctx, key)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: account %s", errs.ErrNotFound, key)
	}
	return json.Marshal(struct {
		Address string `json:"address"`
		*solana.AccountInfo
	}{key.String(), acc})
}
