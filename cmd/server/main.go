package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mezopay/credit-engine/internal/api"
	"github.com/mezopay/credit-engine/internal/chain"
	"github.com/mezopay/credit-engine/internal/config"
	"github.com/mezopay/credit-engine/internal/contract"
	"github.com/mezopay/credit-engine/internal/controller"
	"github.com/mezopay/credit-engine/internal/logging"
	"github.com/mezopay/credit-engine/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logCloser := logging.Setup(cfg.Logging.Level, cfg.Logging.File)
	defer logCloser.Close()

	if err := run(cfg); err != nil {
		slog.Error("credit-engine failed", "err", err)
		logCloser.Close()
		os.Exit(1)
	}
	fmt.Println("credit-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Chain ---
	if cfg.Chain.RPCURL == "" {
		return errors.New("RPC_URL is required")
	}
	eth, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	defer eth.Close()

	addrs := contract.Addresses{
		CreditLine: common.HexToAddress(cfg.Chain.CreditLineAddress),
		DebtToken:  common.HexToAddress(cfg.Chain.DebtTokenAddress),
	}
	client := chain.NewClient(eth, addrs, cfg.Chain.RateLimit)
	signer, err := chain.NewKeySigner(eth, cfg.Chain.SignerKey, cfg.Chain.ChainID, addrs)
	if err != nil {
		return err
	}
	signer.Confirm = chain.AllowKinds(cfg.SignKinds()...)
	if signer.Connected() {
		slog.Info("signer loaded", "address", signer.Address(), "sign_actions", cfg.Chain.SignActions)
		if len(cfg.Chain.SignActions) == 0 {
			slog.Warn("SIGN_ACTIONS is empty, every write will be rejected")
		}
	} else {
		slog.Warn("SIGNER_KEY not set, engine is read-only")
	}

	// --- WebSocket hub ---
	hub := api.NewWSHub()
	go hub.Run(ctx)

	// --- Sessions ---
	manager := controller.NewManager(controller.ManagerConfig{
		Reader:         client,
		Signer:         signer,
		Confirmer:      chain.NewReceiptConfirmer(eth, chain.DefaultPollInterval),
		Price:          controller.StaticPrice(cfg.CollateralPrice),
		Events:         client,
		Store:          st,
		Params:         cfg.Credit,
		BackfillWindow: cfg.Chain.BackfillBlocks,
		MaxSessions:    cfg.API.MaxSessions,
		Pinned:         signer.Address(),
		OnEntry:        hub.PublishEntry,
		OnAction:       hub.PublishAction,
	})
	defer manager.Close()

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(api.NewService(manager, signer.Address()), hub, cfg.API.AllowedOrigins...),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("credit-engine listening", "port", cfg.Port, "chain_id", cfg.Chain.ChainID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("shutting down credit-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}

// openStore opens the configured backend, wrapping PostgreSQL with a Redis
// read-through cache when REDIS_URL is set.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		slog.Warn("using in-memory store (optimistic entries will not persist)")
		st := store.NewMemoryStore()
		return st, func() { st.Close() }, nil

	case config.BackendLevelDB:
		st, err := store.NewLevelDBStore(cfg.Store.LevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("opened LevelDB store", "path", cfg.Store.LevelDBPath)
		return st, func() { st.Close() }, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("connected to PostgreSQL")

		if cfg.Store.RedisURL == "" {
			return pg, func() { pg.Close() }, nil
		}
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		cached := store.NewCachedStore(pg, redis.NewClient(opt), 30*time.Second)
		slog.Info("Redis cache enabled")
		return cached, func() { cached.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
