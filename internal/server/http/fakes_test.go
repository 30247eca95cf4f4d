package httpserver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/limiter"
	"github.com/and161185/trade-terminal/internal/model"
	"github.com/and161185/trade-terminal/internal/repository"
	"github.com/and161185/trade-terminal/internal/txbuild"
)

type memUsers struct {
	mu     sync.Mutex
	byID   map[int64]*model.User
	nextID int64
}

var _ repository.UserRepository = (*memUsers)(nil)

func newMemUsers() *memUsers { return &memUsers{byID: map[int64]*model.User{}} }

func (m *memUsers) find(match func(*model.User) bool) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if match(u) {
			c := *u
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: user", errs.ErrNotFound)
}

func (m *memUsers) Create(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.byID {
		if ex.Username == u.Username || ex.Email == u.Email {
			return fmt.Errorf("%w: username or email already taken", errs.ErrConflict)
		}
	}
	m.nextID++
	u.ID, u.IsActive, u.CreatedAt = m.nextID, true, time.Now()
	c := *u
	m.byID[u.ID] = &c
	return nil
}

func (m *memUsers) GetByID(_ context.Context, id int64) (*model.User, error) {
	return m.find(func(u *model.User) bool { return u.ID == id })
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*model.User, error) {
	return m.find(func(u *model.User) bool { return u.Email == email })
}

func (m *memUsers) GetByUsername(_ context.Context, name string) (*model.User, error) {
	return m.find(func(u *model.User) bool { return u.Username == name })
}

func (m *memUsers) GetByWallet(_ context.Context, addr string) (*model.User, error) {
	return m.find(func(u *model.User) bool { return u.WalletAddress != nil && *u.WalletAddress == addr })
}

func (m *memUsers) UpdateLastLogin(context.Context, int64) error { return nil }

func (m *memUsers) SetWalletSetupToken(_ context.Context, id int64, tok string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	u.WalletSetupToken, u.WalletSetupTokenExpiresAt = &tok, &exp
	return nil
}

func (m *memUsers) BindWallet(_ context.Context, id int64, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	now := time.Now()
	u.WalletAddress, u.WalletConnectedAt, u.WalletSetupToken = &addr, &now, nil
	return nil
}

type openLimiter struct{}

var _ limiter.Limiter = openLimiter{}

func (openLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	return true, 0, nil
}
func (openLimiter) Success(context.Context, string, []byte) error { return nil }
func (openLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}

// priceSource serves fixed prices until broken.
type priceSource struct {
	broken atomic.Bool
	calls  atomic.Int32
}

func (p *priceSource) Name() string { return "test" }

func (p *priceSource) Fetch(_ context.Context, symbols []string) ([]model.PriceTick, error) {
	p.calls.Add(1)
	if p.broken.Load() {
		return nil, fmt.Errorf("%w: oracle down", errs.ErrUpstream)
	}
	out := make([]model.PriceTick, len(symbols))
	for i, s := range symbols {
		out[i] = model.PriceTick{Symbol: s, PriceUSD: decimal.NewFromInt(100), Source: "test", Timestamp: time.Now()}
	}
	return out, nil
}

// blockingPrices parks requests until released, or panics when asked.
type blockingPrices struct {
	entered chan struct{}
	release chan struct{}
	panics  bool
}

func (b *blockingPrices) GetMany(ctx context.Context, symbols []string) ([]model.PriceTick, error) {
	if b.panics {
		panic("boom")
	}
	b.entered <- struct{}{}
	<-b.release
	return []model.PriceTick{}, nil
}

type stubQuoter struct{}

func (stubQuoter) Quote(_ context.Context, in, out string, amount uint64, bps int) (model.Quote, error) {
	return model.Quote{InputMint: in, OutputMint: out, InAmount: amount, OutAmount: amount * 2, SlippageBps: bps}, nil
}

// sizeBuilder reports TooLarge once a batch reaches tooLargeAt swaps.
type sizeBuilder struct {
	tooLargeAt int
	submitErr  error
}

func (b *sizeBuilder) Build(_ context.Context, _ string, swaps []model.SwapRequest) (txbuild.Built, error) {
	if len(swaps) >= b.tooLargeAt {
		return txbuild.Built{}, fmt.Errorf("%w: transaction is 1490 bytes, limit 1232", errs.ErrTooLarge)
	}
	q := make([]model.Quote, len(swaps))
	for i, s := range swaps {
		q[i] = model.Quote{InAmount: s.Amount, OutAmount: s.ExpectedOutput}
	}
	return txbuild.Built{Transaction: "AQID", LastValidBlockHeight: 9, ComputeUnits: 200_000, Quotes: q}, nil
}

func (b *sizeBuilder) Submit(context.Context, string) (string, error) {
	if b.submitErr != nil {
		return "", b.submitErr
	}
	return "sig", nil
}

type memSwaps struct {
	mu   sync.Mutex
	rows []model.SwapRecord
}

var _ repository.SwapRepository = (*memSwaps)(nil)

func (m *memSwaps) Insert(_ context.Context, rec *model.SwapRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.rows) + 1)
	rec.CreatedAt = time.Now()
	m.rows = append(m.rows, *rec)
	return nil
}

func (m *memSwaps) UpdateStatus(_ context.Context, userID int64, ids []int64, st model.SwapStatus, sig *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.rows {
		for _, id := range ids {
			if m.rows[i].ID == id && m.rows[i].UserID == userID {
				m.rows[i].Status, m.rows[i].Signature = st, sig
				n++
			}
		}
	}
	return n, nil
}

func (m *memSwaps) ListByUser(_ context.Context, userID int64, limit int) ([]model.SwapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SwapRecord
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if m.rows[i].UserID == userID {
			out = append(out, m.rows[i])
		}
	}
	return out, nil
}

type memFriends struct {
	mu    sync.Mutex
	edges map[string]model.FriendshipStatus
	from  map[string]int64
}

var _ repository.FriendshipRepository = (*memFriends)(nil)

func newMemFriends() *memFriends {
	return &memFriends{edges: map[string]model.FriendshipStatus{}, from: map[string]int64{}}
}

func (f *memFriends) Request(_ context.Context, a, b int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := model.ConversationID(a, b)
	if _, ok := f.edges[k]; ok {
		return fmt.Errorf("%w: friendship already exists", errs.ErrConflict)
	}
	f.edges[k], f.from[k] = model.FriendshipPending, a
	return nil
}

func (f *memFriends) Accept(_ context.Context, user, requester int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := model.ConversationID(user, requester)
	if f.edges[k] != model.FriendshipPending || f.from[k] != requester {
		return fmt.Errorf("%w: pending request", errs.ErrNotFound)
	}
	f.edges[k] = model.FriendshipAccepted
	return nil
}

func (f *memFriends) Block(_ context.Context, a, b int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges[model.ConversationID(a, b)] = model.FriendshipBlocked
	return nil
}

func (f *memFriends) Status(_ context.Context, a, b int64) (model.FriendshipStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.edges[model.ConversationID(a, b)]
	if !ok {
		return "", fmt.Errorf("%w: friendship", errs.ErrNotFound)
	}
	return st, nil
}

type memMessages struct {
	mu   sync.Mutex
	msgs map[string][]model.Message
}

var _ repository.MessageRepository = (*memMessages)(nil)

func (m *memMessages) Append(_ context.Context, conv string, sender int64, body string) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.msgs == nil {
		m.msgs = map[string][]model.Message{}
	}
	seq := int64(len(m.msgs[conv]) + 1)
	msg := model.Message{ID: seq, ConversationID: conv, SenderID: sender, Body: body, SentAt: time.Now().UTC(), Seq: seq}
	m.msgs[conv] = append(m.msgs[conv], msg)
	return msg, nil
}

func (m *memMessages) Since(_ context.Context, conv string, since int64, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, msg := range m.msgs[conv] {
		if msg.Seq > since && len(out) < limit {
			out = append(out, msg)
		}
	}
	return out, nil
}
