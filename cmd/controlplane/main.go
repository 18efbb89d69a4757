package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rocketship-ai/qatrack/internal/cli"
	"github.com/rocketship-ai/qatrack/internal/controlplane"
)

func main() {
	cli.InitLogging()

	cfg, err := controlplane.LoadConfigFromEnv()
	if err != nil {
		cli.Logger.Error("controlplane configuration error", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.RunServer(ctx, cfg); err != nil {
		cli.Logger.Error("controlplane exited", "error", err)
		os.Exit(1)
	}
}
