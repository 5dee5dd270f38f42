package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"circulator/internal/app"
	"circulator/internal/config"
	"circulator/internal/server"
	"circulator/internal/util"
	"circulator/pkg/queue"
	"circulator/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	var notices queue.Publisher
	if cfg.RedisAddr != "" {
		publisher, err := queue.NewRedisNotices(queue.RedisNoticesConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.NoticeStream,
		})
		if err != nil {
			log.Fatalf("failed to init notices: %v", err)
		}
		notices = publisher
	}

	appCore, err := app.New(app.Config{
		Store:       st,
		Notices:     notices,
		LoanPeriod:  cfg.LoanPeriod(),
		MaxRenewals: cfg.MaxRenewals,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:             appCore,
		RedisAddr:       cfg.RedisAddr,
		RedisPassword:   cfg.RedisPassword,
		RateLimitPerMin: cfg.RateLimitPerMin,
		TrustedProxies:  cfg.TrustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	sweepInterval, err := config.ParseSweepInterval(cfg.SweepInterval)
	if err != nil {
		log.Fatalf("failed to parse sweep interval: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("circulator listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := appCore.RunOverdueSweeper(gctx, sweepInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
