package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/events"
	"github.com/and161185/trade-terminal/internal/model"
	"github.com/and161185/trade-terminal/internal/quote"
	"github.com/and161185/trade-terminal/internal/repository"
	"github.com/and161185/trade-terminal/internal/rpc"
	"github.com/and161185/trade-terminal/internal/txbuild"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Quoter returns cached or fresh quotes.
type Quoter interface {
	Quote(ctx context.Context, in, out string, amount uint64, bps int) (model.Quote, error)
}

// TxBuilder builds and submits swap transactions.
type TxBuilder interface {
	Build(ctx context.Context, userKey string, swaps []model.SwapRequest) (txbuild.Built, error)
	Submit(ctx context.Context, signed string) (string, error)
}

// SwapService quotes, builds, submits and records swaps.
type SwapService interface {
	Quote(ctx context.Context, req model.QuoteRequest) (model.Quote, error)
	Build(ctx context.Context, userID int64, req model.SwapRequest) (model.BuildResult, error)
	Batch(ctx context.Context, userID int64, req model.BatchSwapRequest) (model.BatchSwapResponse, error)
	Execute(ctx context.Context, userID int64, req model.ExecuteRequest) (model.ExecuteResult, error)
	History(ctx context.Context, userID int64, limit int) ([]model.SwapRecord, error)
}

type SwapServiceImpl struct {
	quotes  Quoter
	builder TxBuilder
	repo    repository.SwapRepository
	events  events.Publisher
	log     *zap.Logger
}

// NewSwapService wires the swap service. A nil publisher drops events.
func NewSwapService(quotes Quoter, builder TxBuilder, repo repository.SwapRepository, pub events.Publisher, log *zap.Logger) *SwapServiceImpl {
	if pub == nil {
		pub = events.Nop{}
	}
	return &SwapServiceImpl{quotes: quotes, builder: builder, repo: repo, events: pub, log: log.Named("swaps")}
}

// Quote applies the default slippage when none is given.
func (s *SwapServiceImpl) Quote(ctx context.Context, req model.QuoteRequest) (model.Quote, error) {
	bps := req.SlippageBps
	if bps == 0 {
		bps = quote.DefaultSlippageBps
	}
	return s.quotes.Quote(ctx, req.InputMint, req.OutputMint, req.Amount, bps)
}

// Build produces the unsigned transaction for one swap and records it as built.
func (s *SwapServiceImpl) Build(ctx context.Context, userID int64, req model.SwapRequest) (model.BuildResult, error) {
	if req.UserPublicKey == "" {
		return model.BuildResult{}, fmt.Errorf("%w: user_public_key is required", errs.ErrInvalidInput)
	}
	built, err := s.builder.Build(ctx, req.UserPublicKey, []model.SwapRequest{req})
	if err != nil {
		return model.BuildResult{}, err
	}
	ids, err := s.record(ctx, userID, []model.SwapRequest{req}, built)
	if err != nil {
		return model.BuildResult{}, err
	}
	return model.BuildResult{
		State:                model.StateBuilt,
		Transaction:          built.Transaction,
		LastValidBlockHeight: built.LastValidBlockHeight,
		ComputeUnits:         built.ComputeUnits,
		SwapIDs:              ids,
	}, nil
}

// Batch builds up to txbuild.MaxSwaps swaps into one transaction.
// Swaps inherit the batch's user key; a swap naming a different key is rejected.
func (s *SwapServiceImpl) Batch(ctx context.Context, userID int64, req model.BatchSwapRequest) (model.BatchSwapResponse, error) {
	if len(req.Swaps) < 1 || len(req.Swaps) > txbuild.MaxSwaps {
		return model.BatchSwapResponse{}, fmt.Errorf("%w: a batch carries 1 to %d swaps", errs.ErrInvalidInput, txbuild.MaxSwaps)
	}
	swaps := make([]model.SwapRequest, len(req.Swaps))
	for i, sw := range req.Swaps {
		if sw.UserPublicKey != "" && sw.UserPublicKey != req.UserPublicKey {
			return model.BatchSwapResponse{}, fmt.Errorf("%w: swap %d names a different user key", errs.ErrInvalidInput, i)
		}
		sw.UserPublicKey = req.UserPublicKey
		swaps[i] = sw
	}

	built, err := s.builder.Build(ctx, req.UserPublicKey, swaps)
	if err != nil {
		return model.BatchSwapResponse{}, err
	}
	ids, err := s.record(ctx, userID, swaps, built)
	if err != nil {
		return model.BatchSwapResponse{}, err
	}

	legs := make([]model.BatchSwapLeg, len(swaps))
	for i, sw := range swaps {
		legs[i] = model.BatchSwapLeg{
			InputMint:       sw.InputMint,
			OutputMint:      sw.OutputMint,
			Amount:          sw.Amount,
			ExpectedOutput:  built.Quotes[i].OutAmount,
			MinOutputAmount: sw.MinOutputAmount,
		}
	}
	return model.BatchSwapResponse{
		Status:               model.StateBuilt,
		Transaction:          built.Transaction,
		UserPublicKey:        req.UserPublicKey,
		LastValidBlockHeight: built.LastValidBlockHeight,
		ComputeUnits:         built.ComputeUnits,
		Swaps:                legs,
		SwapIDs:              ids,
	}, nil
}

func (s *SwapServiceImpl) record(ctx context.Context, userID int64, swaps []model.SwapRequest, built txbuild.Built) ([]int64, error) {
	ids := make([]int64, 0, len(swaps))
	for i, sw := range swaps {
		rec := model.SwapRecord{
			UserID:     userID,
			InputMint:  sw.InputMint,
			OutputMint: sw.OutputMint,
			InAmount:   sw.Amount,
			OutAmount:  built.Quotes[i].OutAmount,
			Status:     model.SwapBuilt,
		}
		if err := s.repo.Insert(ctx, &rec); err != nil {
			return nil, err
		}
		ids = append(ids, rec.ID)
		s.publish(ctx, events.SwapEvent{
			UserID:     userID,
			SwapIDs:    []int64{rec.ID},
			Status:     model.SwapBuilt,
			InputMint:  sw.InputMint,
			OutputMint: sw.OutputMint,
			InAmount:   sw.Amount,
		})
	}
	return ids, nil
}

// Execute submits a signed transaction. RPC rejection is a Failed result, not an error;
// malformed transactions are errors.
func (s *SwapServiceImpl) Execute(ctx context.Context, userID int64, req model.ExecuteRequest) (model.ExecuteResult, error) {
	sig, err := s.builder.Submit(ctx, req.SignedTransaction)
	if err != nil && !errors.Is(err, errs.ErrUpstream) {
		return model.ExecuteResult{}, err
	}

	// Rows are updated even if the client has gone away.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err != nil {
		reason := errs.PublicMessage(err)
		if e, ok := rpc.AsError(err); ok {
			reason = e.Message
		}
		s.transition(rctx, userID, req.SwapIDs, model.SwapFailed, nil, reason)
		return model.ExecuteResult{State: model.StateFailed, Reason: reason}, nil
	}
	s.transition(rctx, userID, req.SwapIDs, model.SwapSubmitted, &sig, "")
	return model.ExecuteResult{State: model.StateSubmitted, Signature: sig}, nil
}

func (s *SwapServiceImpl) transition(ctx context.Context, userID int64, ids []int64, st model.SwapStatus, sig *string, reason string) {
	if len(ids) > 0 {
		n, err := s.repo.UpdateStatus(ctx, userID, ids, st, sig)
		if err != nil {
			s.log.Error("update swap status", zap.Error(err), zap.Int64("user_id", userID), zap.String("status", string(st)))
		} else if n != int64(len(ids)) {
			s.log.Warn("swap ids not owned by user", zap.Int64("user_id", userID), zap.Int64s("ids", ids), zap.Int64("updated", n))
		}
	}
	ev := events.SwapEvent{UserID: userID, SwapIDs: ids, Status: st, Reason: reason}
	if sig != nil {
		ev.Signature = *sig
	}
	s.publish(ctx, ev)
}

func (s *SwapServiceImpl) publish(ctx context.Context, ev events.SwapEvent) {
	if err := s.events.PublishSwap(ctx, ev); err != nil {
		s.log.Warn("swap event dropped", zap.Error(err), zap.Int64("user_id", ev.UserID))
	}
}

// History returns the newest swaps first; limit defaults to 50 and is capped at 200.
func (s *SwapServiceImpl) History(ctx context.Context, userID int64, limit int) ([]model.SwapRecord, error) {
	switch {
	case limit < 0:
		return nil, fmt.Errorf("%w: limit must not be negative", errs.ErrInvalidInput)
	case limit == 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	return s.repo.ListByUser(ctx, userID, limit)
}
