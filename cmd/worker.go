package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background worker",
	Long:  `Start the background worker: consumes submit and reconcile jobs from Redis and runs periodic sweeps`,
	Run: func(cmd *cobra.Command, args []string) {
		startWorker()
	},
}

func startWorker() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	if deps.redisQueue == nil {
		fmt.Fprintln(os.Stderr, "Worker requires redis; set redis.addr or run the server without redis for in-process mode")
		os.Exit(1)
	}

	deps.redisQueue.Start()
	deps.Scheduler.StartSweeps()
	slog.Info("Worker started",
		"sweep_interval", deps.Config.Scheduler.SweepInterval,
		"workers", deps.Config.Scheduler.Workers)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)
	deps.Shutdown()
	slog.Info("Worker stopped")
}
