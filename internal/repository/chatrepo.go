package repository

import (
	"context"

	"github.com/and161185/trade-terminal/internal/model"
)

// FriendshipRepository stores friendship edges between users.
type FriendshipRepository interface {
	// Request creates a pending friendship; an existing edge is a conflict.
	Request(ctx context.Context, requesterID, addresseeID int64) error
	// Accept moves a pending request addressed to userID into accepted.
	Accept(ctx context.Context, userID, requesterID int64) error
	// Block marks the edge as blocked regardless of its prior state.
	Block(ctx context.Context, userID, otherID int64) error
	// Status returns the edge state between two users.
	Status(ctx context.Context, a, b int64) (model.FriendshipStatus, error)
}

// MessageRepository appends and replays conversation messages.
type MessageRepository interface {
	// Append stores a message and assigns the next per-conversation seq.
	Append(ctx context.Context, conversationID string, senderID int64, body string) (model.Message, error)
	// Since returns messages with seq > sinceSeq in ascending seq order.
	Since(ctx context.Context, conversationID string, sinceSeq int64, limit int) ([]model.Message, error)
}
