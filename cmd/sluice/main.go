package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/scorego/sluice/internal/cmd/cli"
)

// set by -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cli.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRoot().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
