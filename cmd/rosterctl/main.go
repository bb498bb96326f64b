package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rosterctl: %s\n", apperr.UserMessage(err, err.Error()))
		stop()
		os.Exit(1)
	}
}
