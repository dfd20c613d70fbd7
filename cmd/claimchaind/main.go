package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"claimchain/chain"
	"claimchain/config"
	"claimchain/credentials"
	"claimchain/lifecycle"
	"claimchain/middleware"
	"claimchain/models"
	"claimchain/observability/logging"
	"claimchain/recon"
	"claimchain/server"
	"claimchain/storage/pin"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Setup("claimchaind", "").Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup("claimchaind", cfg.Environment)

	logger.Info("connecting to database", logging.MaskField("dsn", cfg.DatabaseURL))
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("open database", "err", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("migrate database", "err", err)
		os.Exit(1)
	}

	backend, err := chain.Dial(cfg.RPCURL)
	if err != nil {
		logger.Error("dial chain rpc", "url", cfg.RPCURL, "err", err)
		os.Exit(1)
	}
	chainClient, err := chain.NewClient(backend, common.HexToAddress(cfg.ContractAddress))
	if err != nil {
		logger.Error("build chain client", "err", err)
		os.Exit(1)
	}
	insurerKey, err := gethcrypto.HexToECDSA(cfg.InsurerKeyHex)
	if err != nil {
		logger.Error("parse insurer key", "err", err)
		os.Exit(1)
	}
	executor, err := chain.NewExecutor(chain.ExecutorConfig{
		Client:        chainClient,
		Key:           insurerKey,
		ChainID:       uint64(cfg.ChainID),
		Confirmations: cfg.Confirmations,
		PollInterval:  cfg.PollInterval,
		Logger:        logger.With("component", "executor"),
	})
	if err != nil {
		logger.Error("build executor", "err", err)
		os.Exit(1)
	}

	jwtVerifier, err := credentials.NewHSVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		logger.Error("build jwt verifier", "err", err)
		os.Exit(1)
	}
	verifier, err := credentials.NewVerifier(db, jwtVerifier, logger.With("component", "credentials"))
	if err != nil {
		logger.Error("build credential verifier", "err", err)
		os.Exit(1)
	}

	pinClient, err := pin.NewClient(pin.Config{BaseURL: cfg.IPFSBaseURL})
	if err != nil {
		logger.Error("build pin client", "err", err)
		os.Exit(1)
	}

	manager, err := lifecycle.NewManager(lifecycle.Config{
		DB:        db,
		Executor:  executor,
		Verifier:  verifier,
		Pinner:    pinClient,
		TxTimeout: cfg.TxTimeout,
		Logger:    logger.With("component", "lifecycle"),
	})
	if err != nil {
		logger.Error("build lifecycle manager", "err", err)
		os.Exit(1)
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:       db,
		Chain:    chainClient,
		Lookback: cfg.ReconLookback,
		MaxRange: cfg.ReconMaxRange,
		Logger:   logger.With("component", "recon"),
	})
	if err != nil {
		logger.Error("build reconciler", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   cfg.ReconInterval,
		Logger:     logger.With("component", "recon"),
	})
	go scheduler.Start(ctx)

	srv := server.New(server.Config{
		DB:       db,
		Manager:  manager,
		Verifier: verifier,
		Recon:    reconciler,
		RateLimits: map[string]middleware.RateLimit{
			"api": {RequestsPerMinute: float64(cfg.RateLimitPerMin), Burst: cfg.RateLimitBurst},
		},
		Environment: cfg.Environment,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
