package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/limiter"
	"github.com/and161185/trade-terminal/internal/model"
	"github.com/and161185/trade-terminal/internal/repository"
	"github.com/and161185/trade-terminal/internal/token"
)

type fakeUsers struct {
	byID   map[int64]*model.User
	nextID int64

	createErr    error
	getErr       error
	lastLoginErr error
}

var _ repository.UserRepository = (*fakeUsers)(nil)

func newFakeUsers() *fakeUsers { return &fakeUsers{byID: map[int64]*model.User{}} }

func (f *fakeUsers) find(match func(*model.User) bool) (*model.User, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, u := range f.byID {
		if match(u) {
			c := *u
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeUsers) Create(_ context.Context, u *model.User) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, ex := range f.byID {
		if ex.Username == u.Username || ex.Email == u.Email {
			return errs.ErrConflict
		}
	}
	f.nextID++
	u.ID = f.nextID
	u.IsActive = true
	u.CreatedAt = time.Now()
	cpy := *u
	f.byID[u.ID] = &cpy
	return nil
}
func (f *fakeUsers) GetByID(_ context.Context, id int64) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.ID == id })
}
func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.Email == email })
}
func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.Username == username })
}
func (f *fakeUsers) GetByWallet(_ context.Context, address string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.WalletAddress != nil && *u.WalletAddress == address })
}
func (f *fakeUsers) UpdateLastLogin(_ context.Context, id int64) error {
	if f.lastLoginErr != nil {
		return f.lastLoginErr
	}
	u, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	now := time.Now()
	u.LastLogin = &now
	return nil
}
func (f *fakeUsers) SetWalletSetupToken(_ context.Context, id int64, tok string, exp time.Time) error {
	u, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	u.WalletSetupToken, u.WalletSetupTokenExpiresAt = &tok, &exp
	return nil
}
func (f *fakeUsers) BindWallet(_ context.Context, id int64, address string) error {
	for _, u := range f.byID {
		if u.WalletAddress != nil && *u.WalletAddress == address && u.ID != id {
			return errs.ErrConflict
		}
	}
	u, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	now := time.Now()
	u.WalletAddress, u.WalletConnectedAt = &address, &now
	u.WalletSetupToken, u.WalletSetupTokenExpiresAt = nil, nil
	return nil
}

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool

	failureCalls int
	successCalls int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return nil
}
func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, nil
}

func newAuth(t *testing.T, users *fakeUsers, lim *fakeLimiter) *AuthServiceImpl {
	t.Helper()
	tokens, err := token.NewService([]byte("0123456789abcdef0123456789abcdef"), 24)
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	return NewAuthService(users, tokens, lim, zaptest.NewLogger(t))
}

func TestAuth_Login_LastLoginFailureIsLogged(t *testing.T) {
	t.Parallel()
	users := newFakeUsers()
	core, logs := observer.New(zap.WarnLevel)
	s := newAuth(t, users, &fakeLimiter{allowOK: true})
	s.log = zap.New(core)
	ctx := context.Background()

	if _, _, err := s.Signup(ctx, "alice", "a@x.io", "Pa$$w0rd!"); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	users.lastLoginErr = errors.New("db down")
	if _, _, err := s.Login(ctx, "alice", "Pa$$w0rd!", "127.0.0.1"); err != nil {
		t.Fatalf("Login must succeed when last_login fails: %v", err)
	}

	entries := logs.FilterMessage("update last_login failed").All()
	if len(entries) != 1 {
		t.Fatalf("want one warn entry, got %d", len(entries))
	}
	if entries[0].Level != zap.WarnLevel || entries[0].ContextMap()["error"] != "db down" {
		t.Fatalf("bad entry: %+v", entries[0])
	}
}

func TestAuth_Signup_Validation(t *testing.T) {
	t.Parallel()
	users := newFakeUsers()
	s := newAuth(t, users, &fakeLimiter{allowOK: true})
	ctx := context.Background()

	if _, _, err := s.Signup(ctx, "alice", "a@x.io", "short"); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput on short password, got %v", err)
	}
	if _, _, err := s.Signup(ctx, "", "a@x.io", "Pa$$w0rd!"); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput on empty username, got %v", err)
	}

	tok, u, err := s.Signup(ctx, "alice", "a@x.io", "Pa$$w0rd!")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if tok.AccessToken == "" || u.ID == 0 {
		t.Fatalf("bad signup result: %+v %+v", tok, u)
	}

	if _, _, err := s.Signup(ctx, "alice2", "a@x.io", "Pa$$w0rd!"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("want ErrConflict on duplicate email, got %v", err)
	}
	if _, _, err := s.Signup(ctx, "alice", "b@x.io", "Pa$$w0rd!"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("want ErrConflict on duplicate username, got %v", err)
	}

	users.createErr = errors.New("boom")
	if _, _, err := s.Signup(ctx, "bob", "b@x.io", "Pa$$w0rd!"); err == nil {
		t.Fatalf("want propagated repo error")
	}
}

func TestAuth_Login_ByUsernameAndEmail(t *testing.T) {
	t.Parallel()
	users := newFakeUsers()
	lim := &fakeLimiter{allowOK: true}
	s := newAuth(t, users, lim)
	ctx := context.Background()

	signupTok, _, err := s.Signup(ctx, "alice", "a@x.io", "Pa$$w0rd!")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	time.Sleep(1100 * time.Millisecond) // distinct iat
	tok, u, err := s.Login(ctx, "alice", "Pa$$w0rd!", "127.0.0.1:5000")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if tok.AccessToken == signupTok.AccessToken {
		t.Fatalf("login must mint a distinct token")
	}
	if u.Username != "alice" || lim.successCalls != 1 {
		t.Fatalf("bad login: %+v calls=%d", u, lim.successCalls)
	}
	if users.byID[u.ID].LastLogin == nil {
		t.Fatalf("last_login not stamped")
	}

	if _, _, err := s.Login(ctx, "A@X.io", "Pa$$w0rd!", ""); err != nil {
		t.Fatalf("Login by email: %v", err)
	}
}

func TestAuth_Login_FailuresAreIndistinguishable(t *testing.T) {
	t.Parallel()
	users := newFakeUsers()
	lim := &fakeLimiter{allowOK: true}
	s := newAuth(t, users, lim)
	ctx := context.Background()

	if _, _, err := s.Signup(ctx, "alice", "a@x.io", "Pa$$w0rd!"); err != nil {
		t.Fatalf("Signup: %v", err)
	}

	_, _, errWrong := s.Login(ctx, "alice", "wrong-password", "")
	_, _, errMissing := s.Login(ctx, "nobody", "wrong-password", "")
	if !errors.Is(errWrong, errs.ErrUnauthorized) || !errors.Is(errMissing, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v / %v", errWrong, errMissing)
	}
	if errWrong.Error() != errMissing.Error() {
		t.Fatalf("messages differ: %q vs %q", errWrong, errMissing)
	}
	if lim.failureCalls != 2 {
		t.Fatalf("failures recorded = %d", lim.failureCalls)
	}

	lim.failBlocked = true
	if _, _, err := s.Login(ctx, "alice", "wrong", ""); !errors.Is(err, errs.ErrBusy) {
		t.Fatalf("want ErrBusy once blocked, got %v", err)
	}

	lim.allowOK = false
	if _, _, err := s.Login(ctx, "alice", "Pa$$w0rd!", ""); !errors.Is(err, errs.ErrBusy) {
		t.Fatalf("want ErrBusy while locked, got %v", err)
	}

	lim.allowOK, lim.allowErr = true, errors.New("lim-err")
	if _, _, err := s.Login(ctx, "alice", "Pa$$w0rd!", ""); err == nil {
		t.Fatalf("want limiter error propagate")
	}
}

func TestAuth_WalletBinding(t *testing.T) {
	t.Parallel()
	users := newFakeUsers()
	s := newAuth(t, users, &fakeLimiter{allowOK: true})
	ctx := context.Background()

	_, u, err := s.Signup(ctx, "alice", "a@x.io", "Pa$$w0rd!")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	pub, priv, _ := ed25519.GenerateKey(nil)
	addr := base58.Encode(pub)

	if _, err := s.BindWallet(ctx, u.ID, "nope", addr, "sig"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized without setup token, got %v", err)
	}

	setup, exp, err := s.WalletSetupToken(ctx, u.ID)
	if err != nil || setup == "" || !exp.After(time.Now()) {
		t.Fatalf("WalletSetupToken: %q %v %v", setup, exp, err)
	}

	badSig := base58.Encode(ed25519.Sign(priv, []byte("something else")))
	if _, err := s.BindWallet(ctx, u.ID, setup, addr, badSig); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on bad signature, got %v", err)
	}
	if _, err := s.BindWallet(ctx, u.ID, setup, "not-an-address", badSig); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput on bad address, got %v", err)
	}

	sig := base58.Encode(ed25519.Sign(priv, []byte(setup)))
	bound, err := s.BindWallet(ctx, u.ID, setup, addr, sig)
	if err != nil {
		t.Fatalf("BindWallet: %v", err)
	}
	if bound.WalletAddress == nil || *bound.WalletAddress != addr || bound.WalletSetupToken != nil {
		t.Fatalf("wallet not bound: %+v", bound)
	}

	// setup token is single use
	if _, err := s.BindWallet(ctx, u.ID, setup, addr, sig); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on reused token, got %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(WalletSetupTTL + time.Minute) }
	setup2, _, err := s.WalletSetupToken(ctx, u.ID)
	if err != nil {
		t.Fatalf("WalletSetupToken: %v", err)
	}
	s.now = func() time.Time { return time.Now().Add(2*WalletSetupTTL + 2*time.Minute) }
	sig2 := base58.Encode(ed25519.Sign(priv, []byte(setup2)))
	if _, err := s.BindWallet(ctx, u.ID, setup2, addr, sig2); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on expired token, got %v", err)
	}
}
