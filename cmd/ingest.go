package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cortexa-labs/cortexa/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <tenant> <file>...",
	Short: "Run an ingestion job for a tenant",
	Long:  "Submits the given local paths, http(s):// or ftp:// URLs as one ingestion job and runs it to completion, printing progress and the final manifest.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := initCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		job, err := c.runner.Submit(ctx, args[0], args[1:])
		if err != nil {
			return err
		}
		fmt.Printf("job %s: %d files\n", job.ID, len(job.Files))

		watch := c.runner.Watch(job.ID)
		done := make(chan error, 1)
		go func() { done <- c.runner.Run(ctx, job.ID) }()

		for p := range watch {
			fmt.Printf("  %-12s %5.1f%%  (%d/%d files)\n", p.State, p.Percent, p.FilesDone, p.FilesTotal)
		}
		if err := <-done; err != nil {
			return err
		}

		final, err := c.store.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		printManifest(final)
		return nil
	},
}

func printManifest(job *model.IngestionJob) {
	fmt.Printf("\njob %s: %s\n", job.ID, job.State)
	for _, f := range job.Manifest.Files {
		switch f.Outcome {
		case model.FileSucceeded:
			fmt.Printf("  ok    %s  (%d chunks, %dms)\n", f.Source, f.Chunks, f.DurationMs)
		case model.FileSkipped:
			fmt.Printf("  skip  %s  %s\n", f.Source, f.Reason)
		case model.FileFailed:
			fmt.Printf("  fail  %s  %s\n", f.Source, f.Reason)
		default:
			fmt.Printf("  --    %s\n", f.Source)
		}
	}
	succeeded, skipped, failed := job.Manifest.Counts()
	fmt.Printf("%d succeeded, %d skipped, %d failed\n", succeeded, skipped, failed)
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
