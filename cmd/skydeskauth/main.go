package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hllvc/skydesk-auth/cmd/skydeskauth/commands"
	"github.com/hllvc/skydesk-auth/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, os.Args)

	// Flush any buffered telemetry before deciding the exit code.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = observability.Shutdown(flushCtx)

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
