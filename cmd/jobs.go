package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cortexa-labs/cortexa/internal/model"
	"github.com/cortexa-labs/cortexa/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage ingestion jobs",
}

var jobsStatusJSON bool

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's state and manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := initCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		job, err := c.store.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		if jobsStatusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		}
		printManifest(job)
		return nil
	},
}

var (
	jobsListTenant string
	jobsListState  string
	jobsListLimit  int
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := initCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		jobs, err := c.store.ListJobs(ctx, store.JobFilter{
			TenantID: jobsListTenant,
			State:    model.JobState(jobsListState),
			Limit:    jobsListLimit,
		})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			succeeded, skipped, failed := j.Manifest.Counts()
			fmt.Printf("%s  %-12s tenant=%s files=%d ok=%d skip=%d fail=%d  %s\n",
				j.ID, j.State, j.TenantID, len(j.Files), succeeded, skipped, failed,
				j.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := initCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.store.RequestCancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("cancellation requested for job %s\n", args[0])
		return nil
	},
}

func init() {
	jobsStatusCmd.Flags().BoolVar(&jobsStatusJSON, "json", false, "print the raw job record")
	jobsListCmd.Flags().StringVar(&jobsListTenant, "tenant", "", "filter by tenant id")
	jobsListCmd.Flags().StringVar(&jobsListState, "state", "", "filter by job state")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 50, "maximum rows")

	jobsCmd.AddCommand(jobsStatusCmd, jobsListCmd, jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}
