// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// roamsyncd is the sync backend for roamsync mobile clients. It accepts
// optimistic entity mutations and idempotent location submissions over
// HTTP with JWT bearer authentication.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mobiletoly/go-roamsync/roamsync"
)

var rootCmd = &cobra.Command{
	Use:   "roamsyncd",
	Short: "roamsyncd serves the entity and location sync API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().String("addr", ":8080", "listen address")
	rootCmd.Flags().String("database-url", "", "PostgreSQL connection string")
	rootCmd.Flags().String("jwt-secret", "", "HMAC secret for JWT validation")
	rootCmd.Flags().Float64("max-accuracy", 100, "reject location points with accuracy above this many meters")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	viper.SetEnvPrefix("ROAMSYNC")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("addr", rootCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database-url"))
	_ = viper.BindPFlag("jwt_secret", rootCmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("max_accuracy", rootCmd.Flags().Lookup("max-accuracy"))
	_ = viper.BindPFlag("log_level", rootCmd.Flags().Lookup("log-level"))
}

func runServer(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(viper.GetString("log_level")),
	}))

	databaseURL := viper.GetString("database_url")
	if databaseURL == "" {
		return errors.New("database URL is required (--database-url or ROAMSYNC_DATABASE_URL)")
	}

	jwtSecret := viper.GetString("jwt_secret")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-change-in-production"
		logger.Warn("Using default JWT secret - change in production!")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := roamsync.InitializeSchema(ctx, pool); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	service, err := roamsync.NewSyncService(pool, &roamsync.ServiceConfig{
		AppName:           "roamsyncd",
		MaxAccuracyMeters: viper.GetFloat64("max_accuracy"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sync service: %w", err)
	}

	jwtAuth := roamsync.NewJWTAuth(jwtSecret)
	handlers := roamsync.NewHTTPSyncHandlers(service, jwtAuth, logger)

	mux := http.NewServeMux()
	handlers.Register(mux)

	httpServer := &http.Server{
		Addr:         viper.GetString("addr"),
		Handler:      jwtAuth.Middleware(mux),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting roamsync server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-stop:
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
