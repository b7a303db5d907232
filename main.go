package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thushan/tcpxy/internal/app"
	"github.com/thushan/tcpxy/internal/config"
	"github.com/thushan/tcpxy/internal/logger"
	"github.com/thushan/tcpxy/internal/util"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	log, cleanup, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.Dir,
		FileOutput: cfg.Logging.FileOutput,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		return 1
	}
	defer cleanup()
	slog.SetDefault(log)

	util.IgnoreSIGPIPE()

	log.Info("starting", "pid", os.Getpid(), "listen_port", cfg.Listen.Port, "mode", cfg.Proxy.Mode)

	application, err := app.New(cfg, log)
	if err != nil {
		logger.FatalWithLogger(log, "failed to build application", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	if err := application.Run(ctx); err != nil {
		log.Error("application exited with error", "error", err)
		return 1
	}

	log.Info("shutdown complete")
	return 0
}
