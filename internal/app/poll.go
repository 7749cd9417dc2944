package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"newsriver/internal/cli"
	"newsriver/internal/feed"
	"newsriver/internal/logging"
)

// runPoll fetches every configured feed once (or on an interval with --every)
// and runs the entries through ingestion.
func runPoll(args []string) int {
	fs := flag.NewFlagSet("poll", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	every := fs.Duration("every", 0, "Poll repeatedly on this interval (0 polls once)")
	timeout := fs.Duration("timeout", 5*time.Minute, "Timeout for a single poll cycle")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	rt, err := loadRuntime(envLoader, logging.New)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Poll failed: %v\n", err)
		return 1
	}
	defer rt.close()

	urls := rt.cfg.FeedURLList()
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "FEED_URLS is empty; nothing to poll")
		return 2
	}

	poller := feed.NewPoller(urls, rt.newIngestService(), rt.logger)

	if *every > 0 {
		ctx, cancel := signalContext()
		defer cancel()

		rt.logger.Info().Int("feeds", len(urls)).Dur("interval", *every).Msg("feed poll loop started")
		if err := poller.RunEvery(ctx, *every); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Error().Err(err).Msg("feed poll loop failed")
			return 1
		}
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := poller.PollAll(ctx)
	if err != nil {
		rt.logger.Error().Err(err).Msg("feed poll failed")
		fmt.Fprintf(os.Stderr, "Poll failed: %v\n", err)
		return 1
	}

	fmt.Printf("polled %d feed(s): %d entries, %d inserted, %d duplicate(s), %d upgraded, %d skipped\n",
		len(urls), report.Received, len(report.InsertedIDs), report.Duplicates, report.Upgraded, report.Skipped)
	return 0
}
