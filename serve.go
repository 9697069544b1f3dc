package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/selfie-check/internal/annotator"
	"github.com/example/selfie-check/internal/auth"
	"github.com/example/selfie-check/internal/handlers"
	"github.com/example/selfie-check/internal/logging"
	"github.com/example/selfie-check/internal/repository"
	"github.com/example/selfie-check/internal/usecase"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP upload and download API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireAuth(); err != nil {
				return err
			}

			logger, err := logging.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			db, err := repository.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
			if err != nil {
				return err
			}
			repo := repository.NewJobRepository(db, logger)
			if err := repo.AutoMigrate(ctx); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}

			redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
			defer redisCancel()
			redisClient, err := initRedis(redisCtx, cfg.Redis.Addr)
			if err != nil {
				return err
			}
			defer redisClient.Close()

			adapter, closeScorer, err := buildClassifier(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeScorer() //nolint:errcheck

			ann := annotator.New(adapter, annotator.Config{Workers: cfg.Annotate.Workers}, logger)
			uc := usecase.NewCheckUseCase(repo, usecase.NewRedisCache(redisClient, "selfie-check:"), ann, usecase.Options{
				OutputDir:    cfg.Annotate.OutputDir,
				OutputSuffix: cfg.Annotate.OutputSuffix,
				CacheTTL:     cfg.Redis.TTL.Duration,
			}, logger)

			r := gin.Default()
			r.MaxMultipartMemory = cfg.Server.MaxUploadBytes

			authMiddleware := auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
			handlers.NewHandler(uc, cfg.Server.MaxUploadBytes, cfg.Server.JobTimeout.Duration, logger).RegisterRoutes(r, authMiddleware)

			server := &http.Server{
				Addr:    cfg.Server.Addr,
				Handler: r,
			}

			logger.Info("selfie-check API listening", zap.String("addr", cfg.Server.Addr))
			return serveHTTPServer(server, cfg.Server.ShutdownTimeout.Duration, logger)
		},
	}
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh, stopSignals := shutdownSignals(signalCh)
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

// shutdownSignals returns signalCh when provided, or a channel subscribed to
// SIGINT and SIGTERM together with its unsubscribe func.
func shutdownSignals(signalCh <-chan os.Signal) (<-chan os.Signal, func()) {
	if signalCh != nil {
		return signalCh, func() {}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}
