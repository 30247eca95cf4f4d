package repository

import (
	"context"

	"github.com/and161185/trade-terminal/internal/model"
)

// SwapRepository keeps the per-user swap history.
type SwapRepository interface {
	// Insert stores a swap row and fills ID and CreatedAt.
	Insert(ctx context.Context, rec *model.SwapRecord) error
	// UpdateStatus transitions the user's rows in ids; returns affected count.
	UpdateStatus(ctx context.Context, userID int64, ids []int64, status model.SwapStatus, signature *string) (int64, error)
	// ListByUser returns the newest swaps first.
	ListByUser(ctx context.Context, userID int64, limit int) ([]model.SwapRecord, error)
}
