// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/trade-terminal/internal/model"
)

// UserRepository provides access to user rows.
type UserRepository interface {
	// Create inserts a new user and fills ID, CreatedAt and IsActive.
	Create(ctx context.Context, u *model.User) error
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id int64) (*model.User, error)
	// GetByEmail loads a user by email.
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	// GetByUsername loads a user by username.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// GetByWallet loads the user bound to a wallet address.
	GetByWallet(ctx context.Context, address string) (*model.User, error)
	// UpdateLastLogin stamps last_login with the current time.
	UpdateLastLogin(ctx context.Context, id int64) error
	// SetWalletSetupToken stores a one-time wallet binding token.
	SetWalletSetupToken(ctx context.Context, id int64, token string, expiresAt time.Time) error
	// BindWallet sets the wallet address and clears the setup token.
	BindWallet(ctx context.Context, id int64, address string) error
}
