package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"zealot/bot"
	"zealot/config"
	"zealot/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	logger := utils.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bot.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Error creating bot: %v", err)
	}
	defer b.Close()

	if err := b.Run(ctx); err != nil {
		logger.Error("bot stopped", "error", err)
		os.Exit(1)
	}
}
