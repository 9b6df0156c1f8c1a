package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowforge/engine/internal/app"
)

// The server process serves the resume/cancel/metrics HTTP surface and, by
// default, also runs the worker pool in-process; set RUN_WORKERS=false to
// split them into separate deployments.
func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	_, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if envTrue("RUN_WORKERS", true) {
		a.StartWorkers()
	}

	addr := a.Cfg.HTTP.Addr
	a.Log.Info("server listening", "addr", addr)
	if err := a.Run(addr); err != nil {
		a.Log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func envTrue(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "TRUE"
}
