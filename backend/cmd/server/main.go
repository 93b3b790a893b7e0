// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/eflink/backend/integration"
	"github.com/efchatnet/eflink/backend/live"
	"github.com/efchatnet/eflink/backend/logger"
	"github.com/efchatnet/eflink/backend/middleware"
	"github.com/efchatnet/eflink/backend/storage"
	"github.com/efchatnet/eflink/backend/storage/badger"
	"github.com/efchatnet/eflink/backend/storage/postgres"
	redisnotify "github.com/efchatnet/eflink/backend/storage/redis"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Init(config.LogLevel, config.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, config, log)
	if err != nil {
		return err
	}
	defer store.Close()

	policy := live.DefaultPolicy()
	policy.MaxElapsed = config.ResubscribeWait

	module, err := integration.New(&integration.Config{
		Store:     store,
		Logger:    log,
		JWTSecret: config.JWTSecret,
		JWTIssuer: config.JWTIssuer,
		Origins:   config.Origins(),
		Policy:    policy,
	})
	if err != nil {
		return err
	}
	if err := module.ValidateSetup(ctx); err != nil {
		return fmt.Errorf("validate setup: %w", err)
	}

	r := mux.NewRouter()
	r.Use(middleware.CORS(config.Origins()))
	module.RegisterRoutes(r, nil)

	// Health check (no auth required)
	r.HandleFunc("/health", module.Health).Methods("GET")

	server := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("eflink server starting",
			slog.String("port", config.Port),
			slog.String("store", config.Store),
			slog.String("jwt_issuer", config.JWTIssuer),
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, config Config, log *slog.Logger) (storage.Store, error) {
	switch config.Store {
	case "postgres":
		db, err := sql.Open("postgres", config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		var notifier postgres.Notifier
		if config.RedisURL != "" {
			opts, err := config.RedisOptions()
			if err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("redis url: %w", err)
			}
			notifier = redisnotify.NewNotifier(redis.NewClient(opts), log)
		} else {
			log.Warn("REDIS_URL not set, change notifications stay within this process")
		}

		store := postgres.NewStore(db, notifier, log)
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return store, nil
	default:
		store, err := badger.Open(config.BadgerPath, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}
