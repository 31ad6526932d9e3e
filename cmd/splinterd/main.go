package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shannynalayna/splinter/internal/daemon"
)

func main() {
	configPath := flag.String("config", "splinterd.yaml", "path to the node config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	node, err := daemon.New(cfg)
	if err != nil {
		slog.Error("failed to assemble node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(ctx); err != nil {
		slog.Error("failed to start node", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()

	if err := node.Stop(); err != nil {
		slog.Error("error during shutdown", "error", err)
		os.Exit(1)
	}
}
