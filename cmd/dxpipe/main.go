package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dxpipe/internal/cli"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
)

func main() {
	cli.SetVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "dxpipe: %v\n", err)
		os.Exit(1)
	}
}
