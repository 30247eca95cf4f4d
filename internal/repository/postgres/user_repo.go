package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/model"
	"github.com/jackc/pgx/v5"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

const userColumns = `id, username, email, pwd_hash, salt_auth, created_at, last_login, is_active,
wallet_address, wallet_connected_at, wallet_setup_token, wallet_setup_token_expires_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PwdHash, &u.SaltAuth, &u.CreatedAt, &u.LastLogin, &u.IsActive,
		&u.WalletAddress, &u.WalletConnectedAt, &u.WalletSetupToken, &u.WalletSetupTokenExpiresAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (username, email, pwd_hash, salt_auth)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at, is_active`
	err := r.db.Pool.QueryRow(ctx, q, u.Username, u.Email, u.PwdHash, u.SaltAuth).Scan(&u.ID, &u.CreatedAt, &u.IsActive)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: username or email already registered", errs.ErrConflict)
	}
	return err
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	u, err := scanUser(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

// GetByEmail selects a user by email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE email=$1`
	u, err := scanUser(r.db.Pool.QueryRow(ctx, q, email))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

// GetByUsername selects a user by username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE username=$1`
	u, err := scanUser(r.db.Pool.QueryRow(ctx, q, username))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

// GetByWallet selects the user bound to address.
func (r *UserRepo) GetByWallet(ctx context.Context, address string) (*model.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE wallet_address=$1`
	u, err := scanUser(r.db.Pool.QueryRow(ctx, q, address))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

// UpdateLastLogin stamps last_login.
func (r *UserRepo) UpdateLastLogin(ctx context.Context, id int64) error {
	const q = `UPDATE users SET last_login = now() WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user", errs.ErrNotFound)
	}
	return nil
}

// SetWalletSetupToken stores a one-time binding token with its expiry.
func (r *UserRepo) SetWalletSetupToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	const q = `
UPDATE users
SET wallet_setup_token = $2, wallet_setup_token_expires_at = $3
WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id, token, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user", errs.ErrNotFound)
	}
	return nil
}

// BindWallet sets the wallet address and clears any pending setup token.
func (r *UserRepo) BindWallet(ctx context.Context, id int64, address string) error {
	const q = `
UPDATE users
SET wallet_address = $2, wallet_connected_at = now(),
    wallet_setup_token = NULL, wallet_setup_token_expires_at = NULL
WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id, address)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: wallet already bound", errs.ErrConflict)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user", errs.ErrNotFound)
	}
	return nil
}
