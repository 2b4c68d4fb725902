// Package main запускает HTTP-сервер сервиса лояльности.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/loyalty-engine/internal/config"
	"github.com/mmeshcher/loyalty-engine/internal/handler"
	"github.com/mmeshcher/loyalty-engine/internal/middleware"
	"github.com/mmeshcher/loyalty-engine/internal/posting"
	"github.com/mmeshcher/loyalty-engine/internal/rates"
	"github.com/mmeshcher/loyalty-engine/internal/repository"
	"github.com/mmeshcher/loyalty-engine/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	auth := middleware.NewTenantAuth(cfg.AuthSecret)
	if cfg.SignTenant != "" {
		if cfg.AuthSecret == "" {
			sugar.Fatal("AUTH_SECRET is required to sign tenant tokens")
		}
		fmt.Println(auth.SignTenant(cfg.SignTenant))
		return
	}
	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, issued tokens are valid until restart only")
	}

	var (
		repo service.Repository
		pool *pgxpool.Pool
	)
	if cfg.DatabaseURI != "" {
		pgRepo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo, pool = pgRepo, pgRepo.Pool()
	} else {
		sugar.Warn("DATABASE_URI is not set, using in-memory store")
		repo = repository.NewMemoryRepository()
	}

	table := cfg.RateTable()
	svc := service.NewService(repo, table, logger)
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TiersFile != "" {
		tiers, err := rates.LoadTenantTiers(cfg.TiersFile)
		if err != nil {
			sugar.Fatalw("tiers file error", "error", err.Error())
		}
		if err := svc.SeedTenantTiers(ctx, tiers); err != nil {
			sugar.Fatalw("tenant tiers seeding error", "error", err.Error())
		}
		sugar.Infow("tenant tiers loaded", "file", cfg.TiersFile, "tenants", len(tiers))
	}

	h := handler.NewHandler(svc, logger, auth, handler.Options{
		AdminKey:           cfg.AdminKey,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitRPS:       cfg.RateLimitRPS,
		Rates:              table,
	})

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновое проведение пакетов работает только с PostgreSQL.
	if cfg.BatchPostInterval > 0 {
		if pool == nil {
			sugar.Warn("BATCH_POST_INTERVAL requires DATABASE_URI, scheduled posting disabled")
		} else {
			if err := posting.Migrate(ctx, pool); err != nil {
				sugar.Fatalw("river migration error", "error", err.Error())
			}
			client, err := posting.NewClient(pool, posting.NewPostBatchWorker(svc, logger), cfg.BatchPostInterval)
			if err != nil {
				sugar.Fatalw("river client error", "error", err.Error())
			}

			g.Go(func() error {
				sugar.Infow("starting scheduled batch posting", "interval", cfg.BatchPostInterval)
				if err := client.Start(ctx); err != nil {
					return fmt.Errorf("river start error: %w", err)
				}
				<-ctx.Done()

				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := client.Stop(stopCtx); err != nil {
					return fmt.Errorf("river stop error: %w", err)
				}
				return nil
			})
		}
	}

	g.Go(func() error {
		sugar.Infow("starting loyalty server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
