package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/frostline-dev/sigil/cmd"
	"github.com/frostline-dev/sigil/internal/observability"
)

func main() {
	defer observability.Sync()

	// Interrupts detach cleanly instead of leaving freeze loops running
	// against a live process.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
