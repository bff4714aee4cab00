package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"lendflow/audit"
	"lendflow/auth"
	"lendflow/backup"
	"lendflow/bid"
	"lendflow/config"
	"lendflow/db"
	"lendflow/dispute"
	"lendflow/escrow"
	"lendflow/invoice"
	"lendflow/token"
	"lendflow/verification"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	if err := db.Migrate(ctx, cfg.Database.DSN); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}

	pool, err := db.NewPool(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	admin := cfg.Ledger.AdminAccount
	recorder := audit.NewRecorder()
	ledger := token.NewLedger()
	manager := escrow.NewManager(ledger, cfg.Ledger.EscrowAccount)

	verificationRepo := verification.NewRepository(pool)
	invoiceRepo := invoice.NewRepository(pool)
	bidRepo := bid.NewRepository(pool)
	escrowRepo := escrow.NewRepository(pool)
	disputeRepo := dispute.NewRepository(pool)
	backupRepo := backup.NewRepository(pool)
	auditRepo := audit.NewRepository(pool)
	tokenRepo := token.NewRepository(pool)

	server := &Server{
		log:            logger,
		authService:    auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		kycService:     verification.NewService(pool, verificationRepo, recorder, admin),
		invoiceService: invoice.NewService(pool, invoiceRepo, verificationRepo, recorder, admin),
		bidService:     bid.NewService(pool, bidRepo, invoiceRepo, manager, recorder),
		escrowService:  escrow.NewService(pool, manager, ledger, escrowRepo, invoiceRepo, recorder, cfg.Ledger),
		disputeService: dispute.NewService(pool, disputeRepo, invoiceRepo, manager, recorder, admin),
		backupService:  backup.NewService(pool, backupRepo, recorder, admin, cfg.Ledger.BackupKeep),
		auditService:   audit.NewService(pool, auditRepo, recorder),
		tokenService:   token.NewService(pool, ledger, tokenRepo, recorder, admin),
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}
