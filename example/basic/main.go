package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	contextedge "github.com/Context-Injection-Edge/Context-Edge-sub000"
)

func main() {
	cfg, err := contextedge.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := contextedge.New(ctx, cfg, contextedge.WithConfigPath("../../data/config.yaml"))
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}
	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("edge runtime exited: %v", err)
	}
}
