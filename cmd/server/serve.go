package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vetclinic/backend/internal/cache"
	"vetclinic/backend/internal/config"
	"vetclinic/backend/internal/httpapi"
	"vetclinic/backend/internal/logger"
	"vetclinic/backend/internal/service"
	"vetclinic/backend/internal/store"
	"vetclinic/backend/internal/store/memory"
	pgstore "vetclinic/backend/internal/store/postgres"
)

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), config.Load())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply the postgres schema before serving")
}

func serve(parent context.Context, cfg config.Config) error {
	log := logger.WithComponent("main")
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.Error().Err(err).Msg("close error")
			}
		}
	}()

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set, refusing to fall back to memory: %w", err)
		}
		closers = append(closers, pg.Close)
		if migrateOnStart {
			if err := pg.Migrate(startCtx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		repo = pg
		log.Info().Msg("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info().Msg("repository: in-memory")
	}

	walkIn := cache.WalkInCache(cache.NoopWalkInCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisWalkInCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(startCtx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using noop walk-in cache")
			_ = redisCache.Close()
		} else {
			walkIn = redisCache
			closers = append(closers, redisCache.Close)
			log.Info().Str("addr", cfg.RedisAddr).Msg("walk-in cache: redis")
		}
	}

	svc := service.New(repo, service.Options{
		WalkInCache:    walkIn,
		WalkInCacheTTL: cfg.WalkInCacheTTL(),
		RetryAttempts:  cfg.StorageRetryAttempts,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin:  cfg.AllowedOrigin,
		RequestTimeout: cfg.RequestTimeout(),
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout() + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Address()).Str("version", version).Msg("billing API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	log.Info().Msg("server stopped")
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" && cfg.DatabaseURL != "" {
		return fmt.Errorf("ALLOWED_ORIGIN must name an origin when running against postgres")
	}
	return nil
}
