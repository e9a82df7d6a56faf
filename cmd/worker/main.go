package main

import (
	"log/slog"
	"os"

	"github.com/hibiken/asynq"

	"github.com/gatekeep-io/gatekeep/internal/app"
	"github.com/gatekeep-io/gatekeep/internal/jobs"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	worker := jobs.NewWorker(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, logger)
	logger.Info("worker starting", slog.String("redis", cfg.RedisAddr))
	if err := worker.Run(); err != nil {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
