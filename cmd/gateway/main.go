// Package main is the entry point for the runhub gateway: the connect-back
// control plane agents dial into and UIs subscribe to.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/runhub/runhub/internal/common/allowlist"
	"github.com/runhub/runhub/internal/common/config"
	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/internal/events"
	"github.com/runhub/runhub/internal/gateway/auth"
	"github.com/runhub/runhub/internal/gateway/commands"
	"github.com/runhub/runhub/internal/gateway/handlers"
	"github.com/runhub/runhub/internal/gateway/hub"
	"github.com/runhub/runhub/internal/gateway/registry"
	"github.com/runhub/runhub/internal/gateway/runs"
	"github.com/runhub/runhub/internal/gateway/store"
	"github.com/runhub/runhub/internal/redact"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting runhub gateway",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Path))

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	redactor, err := redact.New(cfg.Redact.Patterns)
	if err != nil {
		log.Fatal("failed to compile redaction patterns", zap.Error(err))
	}

	wsHub := hub.NewHub(log)
	defer wsHub.Close()
	bridge := hub.NewBridge(wsHub, eventBus, log)
	if err := bridge.Start(); err != nil {
		log.Fatal("failed to start event bridge", zap.Error(err))
	}
	defer bridge.Stop()

	signer := auth.NewSigner(cfg.Auth.HMACSecret)
	verifier := auth.NewVerifier(signer, st, st, cfg.Auth.ClockSkew(), cfg.Auth.NonceExpiry())

	runSvc := runs.NewService(st, eventBus, redactor, log)
	cmdSvc := commands.NewService(st, eventBus, allowlist.New(cfg.Commands.Allowlist), log)
	reg := registry.New(st, eventBus,
		time.Duration(cfg.Registry.DegradedThresholdSeconds)*time.Second,
		time.Duration(cfg.Registry.OfflineThresholdSeconds)*time.Second,
		log)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go reg.Run(sweepCtx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	h := handlers.New(runSvc, cmdSvc, reg, st, verifier, hub.NewHandler(wsHub, log), cfg.Database.ArtifactsDir, log)
	h.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("address", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("error shutting down HTTP server", zap.Error(err))
	}

	log.Info("gateway stopped")
}
