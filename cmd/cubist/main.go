package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cubist-backup/cubist/cmd/cubist/commands"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
)

func main() {
	// SIGINT and SIGTERM cancel the run's context; drivers observe the
	// cancellation at their next suspension point and, in transient mode,
	// roll back before returning.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "cubist: %v\n", err)

		kind := cubisterr.Classify(err)
		if kind == cubisterr.KindUnknown && strings.HasPrefix(err.Error(), "unknown command") {
			os.Exit(2)
		}
		os.Exit(kind.ExitCode())
	}
}
