// Package main запускает HTTP-сервер сервиса вознаграждений.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/rewardbot-system/internal/adnet"
	"github.com/mmeshcher/rewardbot-system/internal/adwatch"
	"github.com/mmeshcher/rewardbot-system/internal/config"
	"github.com/mmeshcher/rewardbot-system/internal/handler"
	"github.com/mmeshcher/rewardbot-system/internal/membership"
	"github.com/mmeshcher/rewardbot-system/internal/middleware"
	"github.com/mmeshcher/rewardbot-system/internal/model"
	"github.com/mmeshcher/rewardbot-system/internal/push"
	"github.com/mmeshcher/rewardbot-system/internal/service"
	"github.com/mmeshcher/rewardbot-system/internal/settle"
	"github.com/mmeshcher/rewardbot-system/internal/store"
	"github.com/mmeshcher/rewardbot-system/internal/visit"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var st store.Store
	if cfg.DatabaseURI != "" {
		st, err = store.NewPostgresStore(cfg.DatabaseURI, logger)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Info("no database URI provided, using in-memory store")
		st = store.NewMemoryStore()
	}

	settler := settle.New(st, logger)
	watcher := adwatch.NewWatcher(adnet.NewLoader(nil, logger), settler, logger,
		adwatch.WithLifetimeCaps(cfg.LifetimeAdCaps))
	membershipClient := membership.NewClient(cfg.MembershipAddress)

	svc := service.NewService(st, settler, watcher, membershipClient, visit.NewStopwatch(), logger, service.Config{
		ReferralBonus:    model.MillsFromDollars(cfg.ReferralBonus),
		LeaderboardLimit: cfg.LeaderboardLimit,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, push.NewHub())

	// Единственная подписка на конфигурационный фид: обновления расходятся
	// по всем веб-сокетам через хаб.
	unsubAds := svc.SubscribeAdsConfig(h.BroadcastAdsConfig)
	defer unsubAds()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting rewardbot server", "addr", cfg.RunAddress)
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
