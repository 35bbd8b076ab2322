// Command jobctl is the operator CLI: it reaps stale jobs, retries failed
// ones and inspects jobs and queues.
package main

import (
	"log/slog"
	"os"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := newRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}
