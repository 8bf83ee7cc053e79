package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"framebroker/internal/app"
	"framebroker/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	producer, err := app.NewProducer(cfg)
	if err != nil {
		log.Fatalf("Failed to start producer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := producer.Run(ctx); err != nil {
		log.Fatalf("Producer stopped: %v", err)
	}
}
