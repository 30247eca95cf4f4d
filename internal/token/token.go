// Package token issues and verifies HS256 bearer tokens.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/model"
)

const (
	// MinSecretLen is the minimum signing secret size in bytes.
	MinSecretLen = 32
	// MaxTokenLen bounds the accepted bearer length.
	MaxTokenLen = 4 << 10

	MinTTLHours = 1
	MaxTTLHours = 720
)

// Claims is the token payload. Subject carries the decimal user id.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// UserID parses the subject back into a user id.
func (c *Claims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// Service mints and validates tokens with a symmetric secret.
type Service struct {
	secret   []byte
	ttlHours int
	now      func() time.Time
}

// NewService validates the secret and default lifetime.
func NewService(secret []byte, ttlHours int) (*Service, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLen)
	}
	if ttlHours < MinTTLHours || ttlHours > MaxTTLHours {
		return nil, fmt.Errorf("jwt ttl %dh outside %d..%d", ttlHours, MinTTLHours, MaxTTLHours)
	}
	return &Service{secret: secret, ttlHours: ttlHours, now: time.Now}, nil
}

// TTLHours returns the configured default lifetime.
func (s *Service) TTLHours() int { return s.ttlHours }

// Issue signs a token for the user valid for ttlHours.
func (s *Service) Issue(userID int64, username string, ttlHours int) (model.Tokens, error) {
	if ttlHours < MinTTLHours || ttlHours > MaxTTLHours {
		return model.Tokens{}, fmt.Errorf("%w: ttl %dh", errs.ErrInvalidInput, ttlHours)
	}
	jti, err := uuid.NewV4()
	if err != nil {
		return model.Tokens{}, err
	}
	now := s.now()
	exp := now.Add(time.Duration(ttlHours) * time.Hour)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify validates signature and expiry with zero leeway. Segments must be canonical base64url.
// Every failure is reported as errs.ErrUnauthorized.
func (s *Service) Verify(raw string) (*Claims, error) {
	if raw == "" || len(raw) > MaxTokenLen {
		return nil, errs.ErrUnauthorized
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(0),
		jwt.WithTimeFunc(s.now),
		jwt.WithStrictDecoding(),
	)
	if err != nil {
		return nil, errs.ErrUnauthorized
	}
	if claims.IssuedAt == nil || !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		return nil, errs.ErrUnauthorized
	}
	if _, err := claims.UserID(); err != nil {
		return nil, errs.ErrUnauthorized
	}
	return claims, nil
}
