package postgres

import (
	"context"
	"fmt"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/model"
	"github.com/jackc/pgx/v5"
)

// FriendshipRepo implements FriendshipRepository using PostgreSQL.
// Edges are keyed by the ordered pair (user_low, user_high).
type FriendshipRepo struct{ db *DB }

// NewFriendshipRepo constructs a friendship repository.
func NewFriendshipRepo(db *DB) *FriendshipRepo { return &FriendshipRepo{db: db} }

func ordered(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// Request inserts a pending edge.
func (r *FriendshipRepo) Request(ctx context.Context, requesterID, addresseeID int64) error {
	const q = `
INSERT INTO friendships (user_low, user_high, requester_id, status)
VALUES ($1, $2, $3, 'pending')
ON CONFLICT (user_low, user_high) DO NOTHING`
	lo, hi := ordered(requesterID, addresseeID)
	tag, err := r.db.Pool.Exec(ctx, q, lo, hi, requesterID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: friendship already exists", errs.ErrConflict)
	}
	return nil
}

// Accept promotes a pending request made by requesterID to userID.
func (r *FriendshipRepo) Accept(ctx context.Context, userID, requesterID int64) error {
	const q = `
UPDATE friendships SET status = 'accepted', updated_at = now()
WHERE user_low = $1 AND user_high = $2 AND requester_id = $3 AND status = 'pending'`
	lo, hi := ordered(userID, requesterID)
	tag, err := r.db.Pool.Exec(ctx, q, lo, hi, requesterID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pending request", errs.ErrNotFound)
	}
	return nil
}

// Block marks the edge blocked, creating it if needed.
func (r *FriendshipRepo) Block(ctx context.Context, userID, otherID int64) error {
	const q = `
INSERT INTO friendships (user_low, user_high, requester_id, status)
VALUES ($1, $2, $3, 'blocked')
ON CONFLICT (user_low, user_high)
DO UPDATE SET status = 'blocked', requester_id = EXCLUDED.requester_id, updated_at = now()`
	lo, hi := ordered(userID, otherID)
	_, err := r.db.Pool.Exec(ctx, q, lo, hi, userID)
	return err
}

// Status returns the state of the edge between a and b.
func (r *FriendshipRepo) Status(ctx context.Context, a, b int64) (model.FriendshipStatus, error) {
	const q = `SELECT status FROM friendships WHERE user_low = $1 AND user_high = $2`
	lo, hi := ordered(a, b)
	var st string
	if err := r.db.Pool.QueryRow(ctx, q, lo, hi).Scan(&st); err != nil {
		return "", notFound(err, "friendship")
	}
	return model.FriendshipStatus(st), nil
}

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// Append bumps the conversation counter and stores the message in one transaction.
// The upsert row lock serializes concurrent senders so seq stays gap-free.
func (r *MessageRepo) Append(ctx context.Context, conversationID string, senderID int64, body string) (msg model.Message, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Message{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const bump = `
INSERT INTO conversations (id, last_seq) VALUES ($1, 1)
ON CONFLICT (id) DO UPDATE SET last_seq = conversations.last_seq + 1
RETURNING last_seq`
	const ins = `
INSERT INTO messages (conversation_id, sender_id, body, seq)
VALUES ($1, $2, $3, $4)
RETURNING id, sent_at`

	msg = model.Message{ConversationID: conversationID, SenderID: senderID, Body: body}
	if err = tx.QueryRow(ctx, bump, conversationID).Scan(&msg.Seq); err != nil {
		return model.Message{}, err
	}
	if err = tx.QueryRow(ctx, ins, conversationID, senderID, body, msg.Seq).Scan(&msg.ID, &msg.SentAt); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// Since replays messages after sinceSeq.
func (r *MessageRepo) Since(ctx context.Context, conversationID string, sinceSeq int64, limit int) ([]model.Message, error) {
	const q = `
SELECT id, conversation_id, sender_id, body, sent_at, seq
FROM messages
WHERE conversation_id = $1 AND seq > $2
ORDER BY seq
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, conversationID, sinceSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.SentAt, &m.Seq); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
