package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"newsriver/internal/cli"
	"newsriver/internal/logging"
	"newsriver/internal/workflow"
)

// runWork runs the queue worker daemon until SIGINT/SIGTERM.
func runWork(args []string) int {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	rt, err := loadRuntime(envLoader, logging.New)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Worker failed to start: %v\n", err)
		return 1
	}
	defer rt.close()

	worker := workflow.NewWorker(
		rt.pool,
		rt.newWorkflowEngine(),
		rt.cfg.WorkerPoolSize,
		rt.cfg.WorkerPollPeriod,
		rt.logger,
	)

	ctx, cancel := signalContext()
	defer cancel()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		rt.logger.Error().Err(err).Msg("queue worker failed")
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		return 1
	}
	return 0
}
