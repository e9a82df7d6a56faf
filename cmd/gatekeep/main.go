package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gatekeep-io/gatekeep/internal/admin"
	"github.com/gatekeep-io/gatekeep/internal/app"
	"github.com/gatekeep-io/gatekeep/internal/jobs"
	"github.com/gatekeep-io/gatekeep/internal/observability"
	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	storeCfg, err := cfg.StoreConfig()
	if err != nil {
		logger.Error("store config", slog.Any("error", err))
		os.Exit(1)
	}
	st, err := store.Open(ctx, storeCfg)
	if err != nil {
		logger.Error("open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close", slog.Any("error", err))
		}
	}()

	notifier := jobs.NewNotifier(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.Warn("notifier close", slog.Any("error", err))
		}
	}()

	service := rbac.NewService(st, logger,
		rbac.WithObserver(notifier),
		rbac.WithDefaultRole(cfg.DefaultRole),
	)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap", slog.Any("error", err))
		os.Exit(1)
	}
	engine := rbac.NewEngine(st)

	metrics := observability.NewMetrics()

	handler := admin.NewHandler(logger, st, service, engine)
	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AdminHandler: handler,
		Engine:       engine,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("listening",
			slog.String("addr", cfg.AppAddr),
			slog.String("backend", cfg.StoreBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", slog.Any("error", err))
	}
}
