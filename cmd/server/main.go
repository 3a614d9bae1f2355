package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aimint/internal/chain"
	"aimint/internal/config"
	"aimint/internal/idempotency"
	"aimint/internal/inference"
	"aimint/internal/logging"
	"aimint/internal/pipeline"
	"aimint/internal/server"
	"aimint/internal/storage"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg.Service)
	if err != nil {
		logger.Fatal("idempotency store error", zap.String("backend", cfg.Service.IdempotencyBackend), zap.Error(err))
	}
	defer closeStore()

	generator, err := inference.NewClient(inference.Config{
		URL:     cfg.Inference.URL,
		APIKey:  cfg.Credentials.InferenceAPIKey,
		Timeout: cfg.Inference.Timeout,
	}, logger.Named("inference"))
	if err != nil {
		logger.Fatal("inference client error", zap.Error(err))
	}

	publisher := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.URL,
		Gateway:  cfg.Storage.Gateway,
		APIKey:   cfg.Credentials.StorageAPIKey,
	}, logger.Named("storage"))

	mintPipeline, err := pipeline.New(generator, publisher, chain.NewMinter(logger.Named("minter")),
		pipeline.WithLogger(logger.Named("pipeline")),
	)
	if err != nil {
		logger.Fatal("pipeline error", zap.Error(err))
	}

	apiServer := server.NewServer(cfg, mintPipeline, store, logger.Named("server"))

	// Without a usable wallet the server still starts; mint requests answer 503
	// with the connection error.
	wallet, conn, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("wallet connection failed", zap.Error(err))
	}
	if wallet != nil {
		defer wallet.Close()
	}
	apiServer.SetConnection(conn, err)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	// in-flight mints keep running until their confirmation wait ends
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

func connect(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*chain.RPCWallet, *chain.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	wallet, err := chain.NewRPCWallet(dialCtx, chain.WalletConfig{
		RPCURL:             cfg.Chain.RPCURL,
		PrivateKeyHex:      cfg.Chain.PrivateKey,
		KeystoreDir:        cfg.Chain.KeystoreDir,
		KeystoreAccount:    cfg.Chain.KeystoreAccount,
		KeystorePassphrase: cfg.Chain.KeystorePassphrase,
	})
	if err != nil {
		return nil, nil, err
	}

	conn, err := chain.Initialize(dialCtx, wallet, cfg.Networks, logger.Named("chain"))
	if err != nil {
		return wallet, nil, err
	}
	return wallet, conn, nil
}

func openStore(ctx context.Context, cfg config.ServiceConfig) (idempotency.Store, func(), error) {
	switch cfg.IdempotencyBackend {
	case "file":
		store, err := idempotency.NewFileStore(cfg.IdempotencyStorePath)
		return store, func() {}, err
	case "postgres":
		store, err := idempotency.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "redis":
		store, err := idempotency.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return idempotency.NewMemoryStore(), func() {}, nil
	}
}
