package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seanankenbruck/semantic-analytics/internal/app"
	"github.com/seanankenbruck/semantic-analytics/internal/auth"
	"github.com/seanankenbruck/semantic-analytics/internal/config"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
	"github.com/seanankenbruck/semantic-analytics/internal/session"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewDefaultLoader().Load(ctx)
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	if err := cfg.ValidateWithContext(); err != nil {
		log.Fatal("Invalid configuration:", err)
	}
	gin.SetMode(cfg.Server.GinMode)

	logger := observability.NewLogger("analytics-server").WithLevel(observability.ParseLogLevel(cfg.LogLevel))
	defer logger.Sync()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "Failed to build pipeline", err, nil)
		log.Fatal("Failed to build pipeline:", err)
	}
	defer a.Close()

	if err := a.Redis.Ping(ctx).Err(); err != nil {
		logger.Warn(ctx, "Redis not reachable at startup", map[string]interface{}{
			"addr":  cfg.Redis.Addr,
			"error": err.Error(),
		})
	}

	authManager := auth.NewAuthManager(cfg.Auth, session.NewManager(a.Redis, cfg.Auth.SessionExpiry), logger.Named("auth"))
	authManager.Limiter().StartCleanup(time.Minute)
	defer authManager.Limiter().Stop()

	// Start auth cleanup routine
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				authManager.CleanupExpired()
			}
		}
	}()

	a.Health.Register("memory", observability.MemoryHealthCheck(func() (uint64, uint64) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.Alloc, m.Sys
	}))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.Processor.SetupRoutes(authManager),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Analytics server starting", map[string]interface{}{
			"port":         cfg.Server.Port,
			"model_source": a.Source.Name(),
			"generation":   cfg.Pipeline.UseGeneration,
			"quota":        cfg.Pipeline.QuotaBackend,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error(context.Background(), "Server failed", err, nil)
			log.Fatal("Server failed:", err)
		}
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Graceful shutdown failed", err, nil)
	}
}
