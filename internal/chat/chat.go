// Package chat fans conversation messages and typing indicators out to connected members.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/model"
	"github.com/and161185/trade-terminal/internal/repository"
)

const (
	MaxBodyRunes = 4000
	ReplayLimit  = 500
	// SubscriberBuffer is the per-subscription event backlog before it is cut off.
	SubscriberBuffer = 64
)

// Event kinds.
const (
	EventMessage = "message"
	EventTyping  = "typing"
)

// Event is delivered to subscribers of a conversation.
type Event struct {
	Kind    string         `json:"-"`
	Message *model.Message `json:"message,omitempty"`
	Typing  *Typing        `json:"typing,omitempty"`
}

// Typing is a transient "user is typing" indicator.
type Typing struct {
	ConversationID string    `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	At             time.Time `json:"at"`
}

// UserLookup resolves users by id.
type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
}

// Subscription receives live events until Close or until it falls too far behind.
type Subscription struct {
	conv   string
	userID int64
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	svc    *Service
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed once the subscription has been cut off or closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close detaches the subscription.
func (s *Subscription) Close() { s.svc.detach(s) }

// Service owns friendships and the live conversation topics.
type Service struct {
	users    UserLookup
	friends  repository.FriendshipRepository
	messages repository.MessageRepository
	log      *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}

	// sendMu orders Append and fanout per conversation so live delivery follows seq.
	sendMu sync.Mutex
	sends  map[string]*sendLock
}

type sendLock struct {
	mu   sync.Mutex
	refs int
}

// NewService wires the chat service.
func NewService(users UserLookup, friends repository.FriendshipRepository, messages repository.MessageRepository, log *zap.Logger) *Service {
	return &Service{
		users:    users,
		friends:  friends,
		messages: messages,
		log:      log.Named("chat"),
		now:      time.Now,
		topics:   make(map[string]map[*Subscription]struct{}),
		sends:    make(map[string]*sendLock),
	}
}

func (s *Service) other(ctx context.Context, userID, otherID int64) error {
	if otherID == userID {
		return fmt.Errorf("%w: cannot befriend yourself", errs.ErrInvalidInput)
	}
	if _, err := s.users.GetByID(ctx, otherID); err != nil {
		return err
	}
	return nil
}

// RequestFriend creates a pending friendship from userID to otherID.
func (s *Service) RequestFriend(ctx context.Context, userID, otherID int64) error {
	if err := s.other(ctx, userID, otherID); err != nil {
		return err
	}
	return s.friends.Request(ctx, userID, otherID)
}

// AcceptFriend accepts the pending request that otherID sent to userID.
func (s *Service) AcceptFriend(ctx context.Context, userID, otherID int64) error {
	if err := s.other(ctx, userID, otherID); err != nil {
		return err
	}
	return s.friends.Accept(ctx, userID, otherID)
}

// BlockFriend blocks otherID and cuts any live subscriptions in their conversation.
func (s *Service) BlockFriend(ctx context.Context, userID, otherID int64) error {
	if err := s.other(ctx, userID, otherID); err != nil {
		return err
	}
	if err := s.friends.Block(ctx, userID, otherID); err != nil {
		return err
	}
	s.closeTopic(model.ConversationID(userID, otherID))
	return nil
}

// authorize checks that userID is a member of conversationID with an accepted friendship.
func (s *Service) authorize(ctx context.Context, conversationID string, userID int64) error {
	a, b, err := model.ParseConversationID(conversationID)
	if err != nil {
		return fmt.Errorf("%w: malformed conversation id", errs.ErrInvalidInput)
	}
	if userID != a && userID != b {
		return fmt.Errorf("%w: not a member of this conversation", errs.ErrForbidden)
	}
	st, err := s.friends.Status(ctx, a, b)
	if errors.Is(err, errs.ErrNotFound) || (err == nil && st != model.FriendshipAccepted) {
		return fmt.Errorf("%w: not a member of this conversation", errs.ErrForbidden)
	}
	return err
}

// Subscribe attaches a live subscription and returns the persisted messages after sinceSeq.
// Live events may repeat replayed messages; consumers skip seq values up to the last replayed one.
func (s *Service) Subscribe(ctx context.Context, conversationID string, userID, sinceSeq int64) (*Subscription, []model.Message, error) {
	if sinceSeq < 0 {
		return nil, nil, fmt.Errorf("%w: since_seq must not be negative", errs.ErrInvalidInput)
	}
	if err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, nil, err
	}

	sub := &Subscription{
		conv:   conversationID,
		userID: userID,
		ch:     make(chan Event, SubscriberBuffer),
		done:   make(chan struct{}),
		svc:    s,
	}
	s.mu.Lock()
	members := s.topics[conversationID]
	if members == nil {
		members = make(map[*Subscription]struct{})
		s.topics[conversationID] = members
	}
	members[sub] = struct{}{}
	s.mu.Unlock()

	replay, err := s.messages.Since(ctx, conversationID, sinceSeq, ReplayLimit)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	return sub, replay, nil
}

// Publish persists body and delivers it to the conversation's live subscribers.
func (s *Service) Publish(ctx context.Context, conversationID string, userID int64, body string) (model.Message, error) {
	n := utf8.RuneCountInString(body)
	if strings.TrimSpace(body) == "" || n > MaxBodyRunes {
		return model.Message{}, fmt.Errorf("%w: message must be 1..%d characters", errs.ErrInvalidInput, MaxBodyRunes)
	}
	if err := s.authorize(ctx, conversationID, userID); err != nil {
		return model.Message{}, err
	}
	unlock := s.lockSend(conversationID)
	defer unlock()
	msg, err := s.messages.Append(ctx, conversationID, userID, body)
	if err != nil {
		return model.Message{}, err
	}
	s.fanout(conversationID, Event{Kind: EventMessage, Message: &msg}, 0)
	return msg, nil
}

// lockSend serializes senders of one conversation. Idle locks are dropped.
func (s *Service) lockSend(conversationID string) func() {
	s.sendMu.Lock()
	l := s.sends[conversationID]
	if l == nil {
		l = &sendLock{}
		s.sends[conversationID] = l
	}
	l.refs++
	s.sendMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.sendMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.sends, conversationID)
		}
		s.sendMu.Unlock()
	}
}

// Typing broadcasts a best-effort typing indicator to the other members.
func (s *Service) Typing(ctx context.Context, conversationID string, userID int64) error {
	if err := s.authorize(ctx, conversationID, userID); err != nil {
		return err
	}
	ev := Event{Kind: EventTyping, Typing: &Typing{ConversationID: conversationID, UserID: userID, At: s.now().UTC()}}
	s.fanout(conversationID, ev, userID)
	return nil
}

// fanout never blocks. A subscriber whose buffer is full misses typing events and
// is cut off for messages; it reconnects with since_seq to catch up.
func (s *Service) fanout(conversationID string, ev Event, skipUser int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.topics[conversationID] {
		if skipUser != 0 && sub.userID == skipUser {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if ev.Kind == EventMessage {
				s.log.Warn("chat subscriber lagging, closing",
					zap.String("conversation", conversationID), zap.Int64("user_id", sub.userID))
				s.removeLocked(sub)
			}
		}
	}
}

func (s *Service) detach(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sub)
}

func (s *Service) removeLocked(sub *Subscription) {
	members := s.topics[sub.conv]
	if _, ok := members[sub]; !ok {
		return
	}
	delete(members, sub)
	if len(members) == 0 {
		delete(s.topics, sub.conv)
	}
	sub.once.Do(func() {
		close(sub.done)
		close(sub.ch)
	})
}

func (s *Service) closeTopic(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.topics[conversationID] {
		s.removeLocked(sub)
	}
}

// Subscribers reports the live subscription count for a conversation.
func (s *Service) Subscribers(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics[conversationID])
}
