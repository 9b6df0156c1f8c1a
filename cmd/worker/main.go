package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowforge/engine/internal/app"
)

// The worker process runs only the pull/dispatch/complete loop, for
// deployments that scale worker and server capacity independently.
func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.StartWorkers()
	a.Log.Info("worker pool running", "concurrency", a.Cfg.Worker.Concurrency)

	<-ctx.Done()
	a.Log.Info("worker pool shutting down")
}
