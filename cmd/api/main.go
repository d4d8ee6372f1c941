package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowflow/auth"
	"escrowflow/compliance"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/httpapi"
	"escrowflow/metrics"
	"escrowflow/token"
)

// main wires the dependencies and keeps the server lifecycle small. Business
// logic lives in the domain packages.
func main() {
	cfg := config.FromEnv()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	if cfg.AdminEmail != "" {
		if err := authService.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			logger.Fatalf("bootstrap admin account: %v", err)
		}
	} else {
		logger.Printf("no admin bootstrap configured; set ESCROWFLOW_ADMIN_EMAIL and ESCROWFLOW_ADMIN_PASSWORD")
	}
	complianceService := compliance.NewService(compliance.NewRepository(pool))
	ledger := token.NewLedger(pool)
	factory := escrow.NewFactory(pool, complianceService)
	lifecycle := escrow.NewService(pool, ledger, complianceService)
	escrowRepo := escrow.NewRepository(pool)
	if err := escrowRepo.EnsureConfig(ctx, cfg.PlatformWallet); err != nil {
		logger.Fatalf("seed platform config: %v", err)
	}

	m := metrics.New(nil)
	server := httpapi.NewServer(authService, factory, lifecycle, escrowRepo, complianceService, ledger, m, logger)

	dispatcher := escrow.NewDispatcher(pool, escrow.LogPublisher{Logger: logger}, logger)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("outbox dispatcher stopped: %v", err)
		}
	}()

	root := chi.NewRouter()
	root.Handle("/metrics", promhttp.Handler())
	root.Mount("/", server.Router())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("escrowflow api listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("graceful shutdown failed: %v", err)
	}
}
