package postgres

import (
	"context"
	"math/big"

	"github.com/and161185/trade-terminal/internal/model"
	"github.com/shopspring/decimal"
)

// SwapRepo implements SwapRepository using PostgreSQL.
// Amounts are NUMERIC(20,0) so the full u64 range fits.
type SwapRepo struct{ db *DB }

// NewSwapRepo constructs a swap history repository.
func NewSwapRepo(db *DB) *SwapRepo { return &SwapRepo{db: db} }

func amount(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// Insert stores a swap row.
func (r *SwapRepo) Insert(ctx context.Context, rec *model.SwapRecord) error {
	const q = `
INSERT INTO swaps (user_id, signature, input_mint, output_mint, in_amount, out_amount, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at`
	return r.db.Pool.QueryRow(ctx, q,
		rec.UserID, rec.Signature, rec.InputMint, rec.OutputMint,
		amount(rec.InAmount), amount(rec.OutAmount), string(rec.Status),
	).Scan(&rec.ID, &rec.CreatedAt)
}

// UpdateStatus moves the caller's rows to status.
func (r *SwapRepo) UpdateStatus(ctx context.Context, userID int64, ids []int64, status model.SwapStatus, signature *string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const q = `
UPDATE swaps SET status = $3, signature = COALESCE($4, signature)
WHERE user_id = $1 AND id = ANY($2)`
	tag, err := r.db.Pool.Exec(ctx, q, userID, ids, string(status), signature)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListByUser returns up to limit rows, newest first.
func (r *SwapRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]model.SwapRecord, error) {
	const q = `
SELECT id, user_id, signature, input_mint, output_mint, in_amount, out_amount, status, created_at
FROM swaps
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SwapRecord
	for rows.Next() {
		var (
			rec       model.SwapRecord
			in, outAm decimal.Decimal
			status    string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Signature, &rec.InputMint, &rec.OutputMint, &in, &outAm, &status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.InAmount = in.BigInt().Uint64()
		rec.OutAmount = outAm.BigInt().Uint64()
		rec.Status = model.SwapStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
