// Package service contains application services for accounts, wallets and swaps.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/trade-terminal/internal/crypto"
	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/limiter"
	"github.com/and161185/trade-terminal/internal/model"
	"github.com/and161185/trade-terminal/internal/repository"
)

const (
	// MinPasswordLen is counted in characters, not bytes.
	MinPasswordLen = 8
	// WalletSetupTTL bounds how long a wallet setup token stays valid.
	WalletSetupTTL = 15 * time.Minute
)

// badCredentials is shared by every login failure so callers cannot tell them apart.
var badCredentials = fmt.Errorf("%w: invalid credentials", errs.ErrUnauthorized)

// TokenIssuer mints bearer tokens.
type TokenIssuer interface {
	Issue(userID int64, username string, ttlHours int) (model.Tokens, error)
	TTLHours() int
}

// AuthService defines account and wallet-binding operations.
type AuthService interface {
	// Signup creates a user and returns a fresh token.
	Signup(ctx context.Context, username, email, password string) (model.Tokens, model.User, error)
	// Login authenticates by username or email with lockout by (identifier, ip).
	Login(ctx context.Context, identifier, password, ip string) (model.Tokens, model.User, error)
	// Me returns the caller's row.
	Me(ctx context.Context, userID int64) (*model.User, error)
	// WalletSetupToken issues a one-time token the wallet must sign.
	WalletSetupToken(ctx context.Context, userID int64) (string, time.Time, error)
	// BindWallet verifies the wallet signature over the setup token and binds the address.
	BindWallet(ctx context.Context, userID int64, setupToken, address, signature string) (*model.User, error)
}

type AuthServiceImpl struct {
	users  repository.UserRepository
	tokens TokenIssuer
	lim    limiter.Limiter
	log    *zap.Logger
	now    func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, tokens TokenIssuer, lim limiter.Limiter, log *zap.Logger) *AuthServiceImpl {
	return &AuthServiceImpl{users: users, tokens: tokens, lim: lim, log: log, now: time.Now}
}

// Signup validates input, hashes the password with a fresh salt and stores the user.
func (s *AuthServiceImpl) Signup(ctx context.Context, username, email, password string) (model.Tokens, model.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" || email == "" {
		return model.Tokens{}, model.User{}, fmt.Errorf("%w: username and email are required", errs.ErrInvalidInput)
	}
	if strings.Contains(username, "@") {
		return model.Tokens{}, model.User{}, fmt.Errorf("%w: username must not contain '@'", errs.ErrInvalidInput)
	}
	if utf8.RuneCountInString(password) < MinPasswordLen {
		return model.Tokens{}, model.User{}, fmt.Errorf("%w: password must be at least %d characters", errs.ErrInvalidInput, MinPasswordLen)
	}

	hash, salt, err := pkgcrypto.NewPasswordHash([]byte(password))
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	u := &model.User{Username: username, Email: email, PwdHash: hash, SaltAuth: salt}
	if err := s.users.Create(ctx, u); err != nil {
		return model.Tokens{}, model.User{}, err
	}

	tok, err := s.tokens.Issue(u.ID, u.Username, s.tokens.TTLHours())
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	return tok, *u, nil
}

// Login authenticates with rate limiting by (identifier, ip).
func (s *AuthServiceImpl) Login(ctx context.Context, identifier, password, ip string) (model.Tokens, model.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return model.Tokens{}, model.User{}, badCredentials
	}
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, identifier, ipHash)
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	if !allowed {
		return model.Tokens{}, model.User{}, fmt.Errorf("%w: too many failed logins", errs.ErrBusy)
	}

	u, err := s.lookup(ctx, identifier)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.Tokens{}, model.User{}, err
	}

	var ok bool
	if u != nil {
		ok = pkgcrypto.VerifyPassword([]byte(password), u.SaltAuth, u.PwdHash) && u.IsActive
	} else {
		// unknown user costs the same hash as a known one
		ok = pkgcrypto.BurnVerify([]byte(password))
	}
	if !ok {
		if blocked, _, ferr := s.lim.Failure(ctx, identifier, ipHash); ferr == nil && blocked {
			return model.Tokens{}, model.User{}, fmt.Errorf("%w: too many failed logins", errs.ErrBusy)
		}
		return model.Tokens{}, model.User{}, badCredentials
	}

	// bookkeeping failures do not fail a verified login
	if err := s.lim.Success(ctx, identifier, ipHash); err != nil {
		s.log.Warn("login limiter reset failed", zap.Int64("user_id", u.ID), zap.Error(err))
	}
	if err := s.users.UpdateLastLogin(ctx, u.ID); err != nil {
		s.log.Warn("update last_login failed", zap.Int64("user_id", u.ID), zap.Error(err))
	}

	tok, err := s.tokens.Issue(u.ID, u.Username, s.tokens.TTLHours())
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	return tok, *u, nil
}

func (s *AuthServiceImpl) lookup(ctx context.Context, identifier string) (*model.User, error) {
	if strings.Contains(identifier, "@") {
		return s.users.GetByEmail(ctx, strings.ToLower(identifier))
	}
	return s.users.GetByUsername(ctx, identifier)
}

// Me loads the caller.
func (s *AuthServiceImpl) Me(ctx context.Context, userID int64) (*model.User, error) {
	return s.users.GetByID(ctx, userID)
}

// WalletSetupToken stores a random token valid for WalletSetupTTL.
func (s *AuthServiceImpl) WalletSetupToken(ctx context.Context, userID int64) (string, time.Time, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", time.Time{}, err
	}
	exp := s.now().Add(WalletSetupTTL)
	if err := s.users.SetWalletSetupToken(ctx, userID, id.String(), exp); err != nil {
		return "", time.Time{}, err
	}
	return id.String(), exp, nil
}

// BindWallet checks the setup token and signature, then binds address to the user.
func (s *AuthServiceImpl) BindWallet(ctx context.Context, userID int64, setupToken, address, signature string) (*model.User, error) {
	if setupToken == "" || address == "" || signature == "" {
		return nil, fmt.Errorf("%w: setup_token, wallet_address and signature are required", errs.ErrInvalidInput)
	}
	if _, err := pkgcrypto.DecodePublicKey(address); err != nil {
		return nil, fmt.Errorf("%w: wallet_address", errs.ErrInvalidInput)
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.WalletSetupToken == nil || *u.WalletSetupToken != setupToken ||
		u.WalletSetupTokenExpiresAt == nil || !s.now().Before(*u.WalletSetupTokenExpiresAt) {
		return nil, fmt.Errorf("%w: setup token invalid or expired", errs.ErrUnauthorized)
	}
	if err := pkgcrypto.VerifyWalletSignature(address, []byte(setupToken), signature); err != nil {
		return nil, fmt.Errorf("%w: wallet signature", errs.ErrUnauthorized)
	}

	if err := s.users.BindWallet(ctx, userID, address); err != nil {
		return nil, err
	}
	return s.users.GetByID(ctx, userID)
}
