// Package httpserver exposes the terminal REST, WebSocket and SSE surface.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/and161185/trade-terminal/internal/chat"
	"github.com/and161185/trade-terminal/internal/contracts"
	"github.com/and161185/trade-terminal/internal/model"
	"github.com/and161185/trade-terminal/internal/service"
	"github.com/and161185/trade-terminal/internal/token"
)

// DefaultMaxInflight bounds concurrent non-streaming requests.
const DefaultMaxInflight = 256

// Route names of handlers that hold their connection open.
const (
	routeStream = "market.stream"
	routeChat   = "chat.subscribe"
)

var longLived = map[string]bool{routeStream: true, routeChat: true}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

// Prices serves spot prices for REST consumers.
type Prices interface {
	GetMany(ctx context.Context, symbols []string) ([]model.PriceTick, error)
}

// CandleReader serves historical candles.
type CandleReader interface {
	Candles(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error)
}

// Streamer upgrades a request into a price stream.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID int64)
}

// RateLimiter admits requests per user.
type RateLimiter interface {
	Allow(userID int64) bool
}

// Contracts is the plugin registry surface.
type Contracts interface {
	List() []contracts.Info
	Metadata(name string) (map[string]any, error)
	Dispatch(ctx context.Context, name, route string, body json.RawMessage) (json.RawMessage, error)
	Retry(ctx context.Context, name string) (contracts.Info, error)
}

// Chat is the messaging surface.
type Chat interface {
	RequestFriend(ctx context.Context, userID, otherID int64) error
	AcceptFriend(ctx context.Context, userID, otherID int64) error
	BlockFriend(ctx context.Context, userID, otherID int64) error
	Subscribe(ctx context.Context, conversationID string, userID, sinceSeq int64) (*chat.Subscription, []model.Message, error)
	Publish(ctx context.Context, conversationID string, userID int64, body string) (model.Message, error)
	Typing(ctx context.Context, conversationID string, userID int64) error
}

// Deps are the components the gateway routes to.
type Deps struct {
	Auth      service.AuthService
	Tokens    TokenVerifier
	Prices    Prices
	Candles   CandleReader
	Stream    Streamer
	Swaps     service.SwapService
	Contracts Contracts
	Chat      Chat
	Rate      RateLimiter
}

// Options tune the gateway.
type Options struct {
	MaxInflight    int
	AllowedOrigins []string
	KeepAlive      time.Duration
}

// Server wires services into HTTP handlers.
type Server struct {
	router    *mux.Router
	handler   http.Handler
	log       *zap.Logger
	validate  *validator.Validate
	sem       *semaphore.Weighted
	now       func() time.Time
	keepAlive time.Duration

	authSvc   service.AuthService
	tokens    TokenVerifier
	prices    Prices
	candles   CandleReader
	stream    Streamer
	swaps     service.SwapService
	contracts Contracts
	chat      Chat
	rate      RateLimiter
}

// New builds the gateway.
func New(d Deps, opts Options, log *zap.Logger) *Server {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = DefaultMaxInflight
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Server{
		router:    mux.NewRouter(),
		log:       log.Named("http"),
		validate:  v,
		sem:       semaphore.NewWeighted(int64(opts.MaxInflight)),
		now:       time.Now,
		keepAlive: opts.KeepAlive,

		authSvc:   d.Auth,
		tokens:    d.Tokens,
		prices:    d.Prices,
		candles:   d.Candles,
		stream:    d.Stream,
		swaps:     d.Swaps,
		contracts: d.Contracts,
		chat:      d.Chat,
		rate:      d.Rate,
	}
	s.routes()

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders: []string{RequestIDHeader},
		MaxAge:         600,
	})
	s.handler = s.stamp(s.logging(s.recoverer(c.Handler(s.router))))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.router.Use(s.inflight)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	})

	s.router.HandleFunc("/healthz", s.handleHealth()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/auth/signup", s.handleSignup()).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin()).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.authenticated(s.handleMe())).Methods(http.MethodGet)
	api.HandleFunc("/wallet/setup-token", s.authenticated(s.handleWalletSetupToken())).Methods(http.MethodPost)
	api.HandleFunc("/wallet/bind", s.authenticated(s.handleWalletBind())).Methods(http.MethodPost)

	api.HandleFunc("/market/prices", s.authenticated(s.handlePrices())).Methods(http.MethodGet)
	api.HandleFunc("/market/candles", s.authenticated(s.handleCandles())).Methods(http.MethodGet)
	api.HandleFunc("/market/stream", s.auth(s.handleStream(), true)).Methods(http.MethodGet).Name(routeStream)

	api.HandleFunc("/swap/quote", s.authenticated(s.handleQuote())).Methods(http.MethodPost)
	api.HandleFunc("/swap/build", s.authenticated(s.handleBuild())).Methods(http.MethodPost)
	api.HandleFunc("/swap/batch", s.authenticated(s.handleBatch())).Methods(http.MethodPost)
	api.HandleFunc("/swap/execute", s.authenticated(s.handleExecute())).Methods(http.MethodPost)
	api.HandleFunc("/swap/history", s.authenticated(s.handleHistory())).Methods(http.MethodGet)

	api.HandleFunc("/contracts", s.authenticated(s.handleContracts())).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{name}/metadata", s.authenticated(s.handleContractMetadata())).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{name}/retry", s.authenticated(s.handleContractRetry())).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{name}/{route}", s.authenticated(s.handleContractDispatch())).Methods(http.MethodPost)

	api.HandleFunc("/friends/{user_id:[0-9]+}", s.authenticated(s.handleFriend(friendRequest))).Methods(http.MethodPost)
	api.HandleFunc("/friends/{user_id:[0-9]+}/accept", s.authenticated(s.handleFriend(friendAccept))).Methods(http.MethodPost)
	api.HandleFunc("/friends/{user_id:[0-9]+}/block", s.authenticated(s.handleFriend(friendBlock))).Methods(http.MethodPost)

	api.HandleFunc("/chat/{conversation_id}", s.authenticated(s.handleChatSubscribe())).Methods(http.MethodGet).Name(routeChat)
	api.HandleFunc("/chat/{conversation_id}", s.authenticated(s.handleChatSend())).Methods(http.MethodPut)
	api.HandleFunc("/chat/{conversation_id}/typing", s.authenticated(s.handleChatTyping())).Methods(http.MethodPost)
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		if fe.Param() != "" {
			return field + " failed " + fe.Tag() + "=" + fe.Param()
		}
		return field + " failed " + fe.Tag()
	}
	return "invalid request"
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"time":   s.now().UTC().Format(time.RFC3339),
		})
	}
}
