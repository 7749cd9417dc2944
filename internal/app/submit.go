package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"newsriver/internal/cli"
	"newsriver/internal/db"
	"newsriver/internal/ingest"
	"newsriver/internal/logging"
)

// runSubmit ingests the URLs given as positional arguments in one batch.
// Processing happens asynchronously through the queue worker.
func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	source := fs.String("source", "manual", "Provenance label for submitted items")
	timeout := fs.Duration("timeout", 2*time.Minute, "Overall ingestion timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	urls := fs.Args()
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "submit requires at least one URL argument")
		return 2
	}

	rt, err := loadRuntime(envLoader, logging.New)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}
	defer rt.close()

	entries := make([]ingest.Entry, 0, len(urls))
	for _, u := range urls {
		entries = append(entries, ingest.Entry{
			URL:         u,
			SourceLabel: *source,
			SourceType:  db.SourceTypeWeb,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := rt.newIngestService().IngestBatch(ctx, entries)
	if err != nil {
		rt.logger.Error().Err(err).Msg("manual submission failed")
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}

	fmt.Printf("submitted %d url(s): %d inserted, %d duplicate(s), %d upgraded, %d skipped\n",
		report.Received, len(report.InsertedIDs), report.Duplicates, report.Upgraded, report.Skipped)
	for _, u := range urls {
		canonical, _ := ingest.NormalizeURL(u)
		outcome, ok := report.Outcomes[canonical]
		if !ok {
			outcome = report.Outcomes[u]
		}
		switch {
		case outcome.Err != "":
			fmt.Printf("  %s: error: %s\n", u, outcome.Err)
		case outcome.AlreadyExists:
			fmt.Printf("  %s: already stored (item_id=%d)\n", u, outcome.ItemID)
		default:
			fmt.Printf("  %s: inserted (item_id=%d)\n", u, outcome.ItemID)
		}
	}
	return 0
}
