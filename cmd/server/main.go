// acpgate bridges browser chat clients to AI-agent subprocesses. Clients
// speak typed JSON envelopes over WebSocket; agents speak newline-delimited
// JSON-RPC over stdio. The gateway authenticates clients, supervises one
// agent process per session, and translates between the two protocols.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HyphaGroup/acpgate/internal/agent"
	"github.com/HyphaGroup/acpgate/internal/auth"
	"github.com/HyphaGroup/acpgate/internal/config"
	"github.com/HyphaGroup/acpgate/internal/dispatch"
	"github.com/HyphaGroup/acpgate/internal/gateway"
	"github.com/HyphaGroup/acpgate/internal/logger"
	"github.com/HyphaGroup/acpgate/internal/metrics"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "acpgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.LogDir != "" {
		if err := logger.InitWithFile(logger.ParseLevel(cfg.LogLevel), true, cfg.LogDir); err != nil {
			return fmt.Errorf("opening log file in %s: %w", cfg.LogDir, err)
		}
		defer logger.Close()
	} else {
		logger.Init(logger.ParseLevel(cfg.LogLevel), true)
	}
	log := logger.Slog()
	log.Info("starting acpgate", "version", Version, "addr", cfg.Addr())
	if cfg.JWTSecretGenerated {
		log.Warn("JWT_SECRET not set; generated an ephemeral secret, tokens will not survive a restart")
	}

	authService := auth.NewService(cfg.JWTSecret, cfg.JWTExpiry, cfg.AuthUsername, cfg.AuthPassword)
	limiter := auth.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	authHandler := auth.NewHandler(authService, limiter, cfg.CORSOrigin)

	supervisor := agent.NewSupervisor(cfg.AgentBin)
	log.Info("agent binary resolved", "path", supervisor.BinPath())
	correlator := agent.NewCorrelator(supervisor, agent.DefaultRequestTimeout)

	defaultCwd, err := os.Getwd()
	if err != nil {
		defaultCwd = "/"
	}

	registry := gateway.NewRegistry()
	dispatcher := dispatch.New(registry, supervisor, correlator, defaultCwd)
	wsServer := gateway.NewServer(registry, dispatcher, authService, cfg.CORSOrigin)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.HandleWS)
	authHandler.Register(mux)
	mux.HandleFunc("/health", auth.HealthHandler(Version))
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Rate limiter state only matters within a window; clear it hourly.
	limiterStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.Reset()
			case <-limiterStop:
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	close(limiterStop)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", "error", err)
	}

	registry.CloseAll()
	supervisor.Shutdown()
	log.Info("shutdown complete")
	return nil
}
