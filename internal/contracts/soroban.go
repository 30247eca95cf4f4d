package contracts

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/and161185/trade-terminal/internal/errs"
)

// Caller performs one JSON-RPC call.
type Caller interface {
	Call(ctx context.Context, method string, params, out any) error
}

// strkey version byte for contract addresses ("C...").
const contractVersionByte = 2 << 3

// Soroban exposes one Stellar smart contract through a Soroban RPC node.
type Soroban struct {
	contract string
	rpc      Caller
	rpcURL   string
	validate *validator.Validate
}

// NewSoroban builds the plugin for contractID.
func NewSoroban(contractID string, rpc Caller, rpcURL string) *Soroban {
	return &Soroban{contract: contractID, rpc: rpc, rpcURL: rpcURL, validate: validator.New()}
}

func (s *Soroban) Name() string      { return "soroban" }
func (s *Soroban) ProgramID() string { return s.contract }
func (s *Soroban) Version() string   { return "1.0.0" }

func (s *Soroban) Metadata() map[string]any {
	return map[string]any{"chain": "stellar", "rpc_url": s.rpcURL}
}

func (s *Soroban) Routes() []Route {
	return []Route{{Name: "ledger-entries"}, {Name: "simulate", Write: true}}
}

func (s *Soroban) Init(ctx context.Context) error {
	if err := checkContractID(s.contract); err != nil {
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()
	return s.HealthCheck(hctx)
}

type healthResult struct {
	Status string `json:"status"`
}

func (s *Soroban) HealthCheck(ctx context.Context) error {
	var res healthResult
	if err := s.rpc.Call(ctx, "getHealth", nil, &res); err != nil {
		return err
	}
	if res.Status != "healthy" {
		return fmt.Errorf("%w: soroban rpc reports %q", errs.ErrUnavailable, res.Status)
	}
	return nil
}

type ledgerEntriesRequest struct {
	Keys []string `json:"keys" validate:"required,min=1,max=200,dive,required,base64"`
}

type simulateRequest struct {
	Transaction string `json:"transaction" validate:"required,base64"`
}

func (s *Soroban) Handle(ctx context.Context, route string, body json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	switch route {
	case "ledger-entries":
		var req ledgerEntriesRequest
		if err := s.decode(body, &req); err != nil {
			return nil, err
		}
		if err := s.rpc.Call(ctx, "getLedgerEntries", map[string]any{"keys": req.Keys}, &out); err != nil {
			return nil, err
		}
	case "simulate":
		var req simulateRequest
		if err := s.decode(body, &req); err != nil {
			return nil, err
		}
		if err := s.rpc.Call(ctx, "simulateTransaction", map[string]any{"transaction": req.Transaction}, &out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown route %q", errs.ErrInvalidInput, route)
	}
	return out, nil
}

func (s *Soroban) decode(body json.RawMessage, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed body", errs.ErrInvalidInput)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
	}
	return nil
}

// checkContractID validates a strkey contract address: version byte, 32-byte payload and CRC16-XModem.
func checkContractID(id string) error {
	if len(id) != 56 || id[0] != 'C' {
		return errors.New("contract id must be a 56 character C... strkey")
	}
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(id)
	if err != nil || len(raw) != 35 {
		return errors.New("contract id is not valid base32")
	}
	if raw[0] != contractVersionByte {
		return errors.New("contract id has the wrong version byte")
	}
	sum := crc16(raw[:33])
	if raw[33] != byte(sum) || raw[34] != byte(sum>>8) {
		return errors.New("contract id checksum mismatch")
	}
	return nil
}

func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
