package token

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/trade-terminal/internal/errs"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestNewService_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewService([]byte("short"), 24)
	require.Error(t, err)
	_, err = NewService(secret, 0)
	require.Error(t, err)
	_, err = NewService(secret, 721)
	require.Error(t, err)
	s, err := NewService(secret, 720)
	require.NoError(t, err)
	require.Equal(t, 720, s.TTLHours())
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewService(secret, 24)
	require.NoError(t, err)

	tok, err := s.Issue(42, "alice", 24)
	require.NoError(t, err)
	require.True(t, tok.ExpiresAt.After(time.Now()))

	claims, err := s.Verify(tok.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "42", claims.Subject)
	require.Equal(t, "alice", claims.Username)
	id, err := claims.UserID()
	require.NoError(t, err)
	require.Equal(t, int64(42), id)

	_, err = s.Issue(42, "alice", 0)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestVerify_TamperedBytesRejected(t *testing.T) {
	t.Parallel()

	s, err := NewService(secret, 1)
	require.NoError(t, err)
	tok, err := s.Issue(7, "bob", 1)
	require.NoError(t, err)
	raw := tok.AccessToken

	for i := 0; i < len(raw); i++ {
		repl := byte('A')
		if raw[i] == 'A' {
			repl = 'B'
		}
		tampered := raw[:i] + string(repl) + raw[i+1:]
		_, err := s.Verify(tampered)
		require.ErrorIs(t, err, errs.ErrUnauthorized, "byte %d", i)
	}
}

func TestVerify_PaddingBitsOfLastCharRejected(t *testing.T) {
	t.Parallel()

	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	s, err := NewService(secret, 1)
	require.NoError(t, err)
	for n := 0; n < 20; n++ {
		tok, err := s.Issue(int64(n+1), "dave", 1)
		require.NoError(t, err)
		raw := tok.AccessToken
		last := raw[len(raw)-1]
		for j := 0; j < len(alphabet); j++ {
			if alphabet[j] == last {
				continue
			}
			tampered := raw[:len(raw)-1] + string(alphabet[j])
			_, err := s.Verify(tampered)
			require.ErrorIs(t, err, errs.ErrUnauthorized, "token %d, last char %q", n, alphabet[j])
		}
	}
}

func TestVerify_ExpiryIsStrict(t *testing.T) {
	t.Parallel()

	s, err := NewService(secret, 1)
	require.NoError(t, err)
	base := time.Now()
	s.now = func() time.Time { return base }
	tok, err := s.Issue(1, "carol", 1)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(time.Hour - time.Second) }
	_, err = s.Verify(tok.AccessToken)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(time.Hour) }
	_, err = s.Verify(tok.AccessToken)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestVerify_MalformedAndForeign(t *testing.T) {
	t.Parallel()

	s, err := NewService(secret, 1)
	require.NoError(t, err)

	for _, raw := range []string{"", "abc", "a.b.c", strings.Repeat("x", MaxTokenLen+1)} {
		_, err := s.Verify(raw)
		require.True(t, errors.Is(err, errs.ErrUnauthorized), raw)
	}

	other, err := NewService([]byte("ffffffffffffffffffffffffffffffff"), 1)
	require.NoError(t, err)
	tok, err := other.Issue(1, "mallory", 1)
	require.NoError(t, err)
	_, err = s.Verify(tok.AccessToken)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Username: "mallory",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "1",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.Verify(unsigned)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestBase64URL_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, in := range [][]byte{{}, {0xff}, {0xfb, 0xff, 0xbf}, []byte("claims?&/+=")} {
		enc := base64.RawURLEncoding.EncodeToString(in)
		require.NotContains(t, enc, "+")
		require.NotContains(t, enc, "/")
		out, err := base64.RawURLEncoding.DecodeString(enc)
		require.NoError(t, err)
		require.Equal(t, in, out)
	}
}

func TestRFC3339_Idempotent(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"2024-05-01T12:30:00Z", "2024-05-01T12:30:00.123456789+02:00"} {
		ts, err := time.Parse(time.RFC3339Nano, s)
		require.NoError(t, err)
		require.Equal(t, s, ts.Format(time.RFC3339Nano))
	}
}

func TestIssue_SameInstantTokensDiffer(t *testing.T) {
	t.Parallel()

	s, err := NewService(secret, 24)
	require.NoError(t, err)
	at := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return at }

	a, err := s.Issue(1, "alice", 24)
	require.NoError(t, err)
	b, err := s.Issue(1, "alice", 24)
	require.NoError(t, err)
	require.NotEqual(t, a.AccessToken, b.AccessToken)
}
