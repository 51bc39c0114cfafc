// Command server runs the hoard file server.
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hoardfs/hoard/internal/api"
	"github.com/hoardfs/hoard/internal/auth"
	"github.com/hoardfs/hoard/internal/config"
	"github.com/hoardfs/hoard/internal/credstore"
	"github.com/hoardfs/hoard/internal/files"
	"github.com/hoardfs/hoard/internal/logging"
	"github.com/hoardfs/hoard/internal/metrics"
	"github.com/hoardfs/hoard/internal/pathsafe"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.InitDefault()
		logging.Fatal("failed to load config", zap.Error(err))
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		logging.InitDefault()
	}
	defer logging.Sync()

	if err := os.MkdirAll(cfg.RootDirectory, 0o755); err != nil {
		logging.Fatal("failed to create root directory", zap.Error(err))
	}
	resolver, err := pathsafe.NewResolver(cfg.RootDirectory)
	if err != nil {
		logging.Fatal("failed to resolve root directory", zap.Error(err))
	}

	authSvc := auth.NewService(cfg.JWTSecret, cfg.AccessPassword, cfg.SessionTTL, cfg.StreamTokenTTL)
	fileSvc := files.NewService(resolver, cfg.MaxUploadSize)

	var passkeys *auth.PasskeyService
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("failed to open database", zap.Error(err))
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := db.PingContext(ctx); err != nil {
			cancel()
			logging.Fatal("failed to connect to database", zap.Error(err))
		}
		store := credstore.New(db)
		if err := store.Init(ctx); err != nil {
			cancel()
			logging.Fatal("failed to initialize credential store", zap.Error(err))
		}
		cancel()

		passkeys, err = auth.NewPasskeyService(authSvc, store, cfg.RPID, cfg.RPOrigin)
		if err != nil {
			logging.Fatal("failed to configure passkeys", zap.Error(err))
		}
		logging.Info("passkeys enabled", zap.String("rp_id", cfg.RPID))
	} else {
		logging.Info("passkeys disabled: DATABASE_URL not set")
	}

	server := api.NewServer(cfg, authSvc, passkeys, fileSvc)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server failed", zap.Error(err))
		}
	}()

	stop := make(chan struct{})
	if passkeys != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					passkeys.SweepChallenges()
				case <-stop:
					return
				}
			}
		}()
	}

	go func() {
		var err error
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13}
			logging.Info("server listening with TLS",
				zap.String("addr", cfg.ListenAddr),
				zap.String("root", resolver.Root()))
			err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			logging.Info("server listening",
				zap.String("addr", cfg.ListenAddr),
				zap.String("root", resolver.Root()))
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("shutting down")
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logging.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logging.Error("metrics shutdown failed", zap.Error(err))
	}
}
