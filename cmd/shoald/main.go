package main

import (
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/shoalchat/shoal/internal/config"
	"github.com/shoalchat/shoal/internal/devserver"
	"github.com/shoalchat/shoal/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	srv := devserver.New(cfg.JWTSecret, logger)

	logger.Info("starting shoald",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
	)

	if err := http.ListenAndServe(":"+cfg.Port, srv.Router()); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
