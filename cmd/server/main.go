package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChaseRain/pptwizard/internal/api"
	"github.com/ChaseRain/pptwizard/internal/infra/auth"
	"github.com/ChaseRain/pptwizard/internal/infra/config"
	"github.com/ChaseRain/pptwizard/internal/infra/httpclient"
	"github.com/ChaseRain/pptwizard/internal/infra/limiter"
	"github.com/ChaseRain/pptwizard/internal/infra/logger"
	"github.com/ChaseRain/pptwizard/internal/service/backend"
	"github.com/ChaseRain/pptwizard/internal/service/session"
	"github.com/ChaseRain/pptwizard/internal/service/storage"
	"github.com/ChaseRain/pptwizard/internal/service/workflow"
)

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Init logger
	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	// Backend client
	creds := credentials(cfg.Backend, zapLogger)
	requestOpts := httpclient.Options{
		Timeout:    cfg.Request.Timeout(),
		MaxRetries: cfg.Request.MaxRetries,
		Backoff:    cfg.Request.Backoff(),
	}
	previewOpts := httpclient.Options{
		Timeout:    cfg.Request.PreviewTimeout(),
		MaxRetries: 0,
		Backoff:    cfg.Request.Backoff(),
	}
	httpClient := httpclient.New(&http.Client{}, creds, requestOpts, zapLogger).ScopedTo(cfg.Backend.BaseURL)
	backendSvc := backend.New(cfg.Backend, httpClient, zapLogger)

	lim := limiter.New(cfg.Limiter.MaxConcurrent, cfg.Limiter.RatePerSecond)
	storageSvc := storage.New(cfg.Storage.Type, cfg.Storage.BasePath, zapLogger)

	sessionOpts := session.Options{
		Request: requestOpts,
		Preview: previewOpts,
		Limiter: lim,
	}
	if storageSvc.Enabled() {
		sessionOpts.Store = storageSvc
	}

	// Wizard sessions
	registry := workflow.NewRegistry(func(id string) workflow.Session {
		return session.New(id, backendSvc, httpClient, sessionOpts, zapLogger.Named("session"))
	}, cfg.Session.IdleTTL(), zapLogger.Named("workflow"))

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go registry.Run(runCtx)

	// Init router
	router := api.NewRouter(registry, backendSvc, storageSvc, api.Options{
		UseRAG:    cfg.Backend.UseRAG,
		Templates: previewOpts,
		Limiter:   lim,
	}, zapLogger.Named("api"))

	// Create server
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	// Start server
	go func() {
		zapLogger.Info("starting server",
			"addr", cfg.Server.Addr,
			"backend", cfg.Backend.BaseURL,
			"storage", cfg.Storage.Type,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Error("server error", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down server...")
	stopRun()
	registry.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("server forced to shutdown", "error", err)
	}
	zapLogger.Info("server stopped")
}

func credentials(cfg config.BackendConfig, log *logger.Logger) auth.Credentials {
	onReject := func() {
		log.Warn("backend rejected the credentials, stored token cleared")
	}
	switch {
	case cfg.TokenFile != "":
		return auth.NewFile(cfg.TokenFile, onReject)
	case cfg.Token != "":
		return auth.NewStatic(cfg.Token, onReject)
	}
	return auth.None{}
}
