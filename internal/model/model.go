// Package model defines domain entities used by services and repositories.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tokens collects an issued access token and its expiry.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time
}

// User represents an account stored on the server. Passwords are never stored in plaintext.
type User struct {
	ID        int64  // PK, bigserial
	Username  string // unique
	Email     string // unique
	PwdHash   []byte // Argon2id(password, SaltAuth)
	SaltAuth  []byte // per-user random salt
	CreatedAt time.Time
	LastLogin *time.Time
	IsActive  bool

	WalletAddress             *string // unique when set
	WalletConnectedAt         *time.Time
	WalletSetupToken          *string
	WalletSetupTokenExpiresAt *time.Time
}

// Profile is the client-facing view of a user row.
type Profile struct {
	ID                int64      `json:"id"`
	Username          string     `json:"username"`
	Email             string     `json:"email"`
	CreatedAt         time.Time  `json:"created_at"`
	LastLogin         *time.Time `json:"last_login,omitempty"`
	WalletAddress     *string    `json:"wallet_address,omitempty"`
	WalletConnectedAt *time.Time `json:"wallet_connected_at,omitempty"`
}

// Profile strips credentials and setup tokens.
func (u *User) Profile() Profile {
	return Profile{
		ID:                u.ID,
		Username:          u.Username,
		Email:             u.Email,
		CreatedAt:         u.CreatedAt,
		LastLogin:         u.LastLogin,
		WalletAddress:     u.WalletAddress,
		WalletConnectedAt: u.WalletConnectedAt,
	}
}

// FriendshipStatus is the state of a friendship row.
type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipBlocked  FriendshipStatus = "blocked"
)

// Friendship links two users. RequesterID initiated the request.
type Friendship struct {
	RequesterID int64
	AddresseeID int64
	Status      FriendshipStatus
	UpdatedAt   time.Time
}

// Message is a persisted chat message.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
	Seq            int64     `json:"seq"`
}

// ConversationID returns the canonical id of the conversation between users a and b.
func ConversationID(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

// ParseConversationID splits a canonical conversation id into its two member ids.
func ParseConversationID(id string) (int64, int64, error) {
	left, right, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("conversation id %q: missing separator", id)
	}
	a, err := strconv.ParseInt(left, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("conversation id %q: %w", id, err)
	}
	b, err := strconv.ParseInt(right, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("conversation id %q: %w", id, err)
	}
	if a >= b || a <= 0 {
		return 0, 0, fmt.Errorf("conversation id %q: not canonical", id)
	}
	return a, b, nil
}

// SwapStatus is the lifecycle state of a recorded swap.
type SwapStatus string

const (
	SwapBuilt     SwapStatus = "built"
	SwapSubmitted SwapStatus = "submitted"
	SwapFailed    SwapStatus = "failed"
)

// SwapRecord is a row of the swaps history table.
type SwapRecord struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	Signature  *string    `json:"signature,omitempty"`
	InputMint  string     `json:"input_mint"`
	OutputMint string     `json:"output_mint"`
	InAmount   uint64     `json:"in_amount,string"`
	OutAmount  uint64     `json:"out_amount,string"`
	Status     SwapStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}
