// Command tt-server starts the trading terminal HTTP gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/trade-terminal/internal/candles"
	"github.com/and161185/trade-terminal/internal/chat"
	"github.com/and161185/trade-terminal/internal/config"
	"github.com/and161185/trade-terminal/internal/contracts"
	"github.com/and161185/trade-terminal/internal/events"
	"github.com/and161185/trade-terminal/internal/limiter"
	"github.com/and161185/trade-terminal/internal/migrate"
	"github.com/and161185/trade-terminal/internal/oracle"
	"github.com/and161185/trade-terminal/internal/quote"
	"github.com/and161185/trade-terminal/internal/repository/postgres"
	"github.com/and161185/trade-terminal/internal/rpc"
	httpserver "github.com/and161185/trade-terminal/internal/server/http"
	"github.com/and161185/trade-terminal/internal/service"
	"github.com/and161185/trade-terminal/internal/solana"
	"github.com/and161185/trade-terminal/internal/stream"
	"github.com/and161185/trade-terminal/internal/token"
	"github.com/and161185/trade-terminal/internal/txbuild"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const (
	upstreamTimeout = 10 * time.Second
	redisTTL        = 10 * time.Minute
	shutdownTimeout = 5 * time.Second
)

// main loads configuration, runs migrations, wires every component and serves HTTP until signalled.
func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger is not configured yet
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	if cfg.LogDev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.BindAddr),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DatabaseURL, logger); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()

	// Repositories
	userRepo := postgres.NewUserRepo(db)
	swapRepo := postgres.NewSwapRepo(db)
	friendRepo := postgres.NewFriendshipRepo(db)
	messageRepo := postgres.NewMessageRepo(db)

	lim := limiter.NewPG(db.Pool, 15*time.Minute, 5, 15*time.Minute)
	userRate := limiter.NewUserRate(cfg.UserRateLimit, cfg.UserRateBurst)
	go userRate.Run(ctx)

	tokens, err := token.NewService([]byte(cfg.JWTSecret), cfg.JWTExpirationHours)
	if err != nil {
		logger.Fatal("token service", zap.Error(err))
	}

	hc := &http.Client{Timeout: upstreamTimeout}

	// Market data
	var src oracle.Source = oracle.NewHTTPSource(cfg.OracleRPCURL, hc)
	if cfg.OracleSource == "binance" {
		src = oracle.NewBinanceSource(cfg.BinanceBaseURL)
	}
	var l2 oracle.Tier
	if cfg.RedisAddr != "" {
		tier, err := oracle.NewRedisTier(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, redisTTL)
		if err != nil {
			logger.Warn("redis tier disabled", zap.Error(err))
		} else {
			defer func() { _ = tier.Close() }()
			l2 = tier
		}
	}
	prices := oracle.NewCache(src, l2, logger)
	go prices.Run(ctx)
	prices.KeepWarm(cfg.StreamSymbols...)

	agg := candles.New(logger)
	ticks, unsubscribe := prices.Subscribe()
	defer unsubscribe()
	go agg.Run(ctx, ticks)

	hub := stream.NewHub(prices, agg, logger, stream.WithCheckOrigin(originChecker(cfg.CORSAllowedOrigins)))
	go hub.Run(ctx)

	// Chain and swaps
	rpcClient := rpc.New(cfg.SolanaRPCURL, hc)
	chain := solana.NewChain(rpcClient.Solana())
	quotes := quote.NewEngine(cfg.AggregatorBaseURL, hc, logger)
	builder := txbuild.NewBuilder(cfg.AggregatorBaseURL, hc, quotes, chain, cfg.PriorityFeeCeiling, logger)

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaSwapTopic, logger)
	}
	defer func() { _ = publisher.Close() }()

	// Contracts
	registry := contracts.NewRegistry(logger)
	if err := registry.Register(contracts.NewSolanaProgram(cfg.SolanaProgramID, chain, cfg.SolanaRPCURL)); err != nil {
		logger.Fatal("register solana program", zap.Error(err))
	}
	if cfg.SorobanRPCURL != "" {
		soroban := contracts.NewSoroban(cfg.SorobanContractID, rpc.New(cfg.SorobanRPCURL, hc), cfg.SorobanRPCURL)
		if err := registry.Register(soroban); err != nil {
			logger.Fatal("register soroban", zap.Error(err))
		}
	}
	registry.Start(ctx)
	go registry.RunHealth(ctx, contracts.HealthPeriod)

	// Services
	authSvc := service.NewAuthService(userRepo, tokens, lim, logger)
	swapSvc := service.NewSwapService(quotes, builder, swapRepo, publisher, logger)
	chatSvc := chat.NewService(userRepo, friendRepo, messageRepo, logger)

	app := httpserver.New(httpserver.Deps{
		Auth:      authSvc,
		Tokens:    tokens,
		Prices:    prices,
		Candles:   agg,
		Stream:    hub,
		Swaps:     swapSvc,
		Contracts: registry,
		Chat:      chatSvc,
		Rate:      userRate,
	}, httpserver.Options{
		MaxInflight:    cfg.MaxInflight,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger)

	// No WriteTimeout: the stream and chat routes are long-lived.
	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           app,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.BindAddr))
		errCh <- srv.ListenAndServe()
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("stream hub close", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
		_ = srv.Close()
	}
	agg.Close()

	logger.Info("shutdown complete")
}

// originChecker accepts any origin when the allow-list contains "*".
func originChecker(allowed []string) func(string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(string) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(origin string) bool {
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
