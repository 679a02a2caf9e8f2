package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cortexa-labs/cortexa/internal/router"
)

var queryMaxTokens int

var queryCmd = &cobra.Command{
	Use:   "query <tenant> <capability> <prompt>...",
	Short: "Dispatch a capability request for a tenant",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := initCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.router.Dispatch(ctx, router.Request{
			Tenant:     args[0],
			Capability: args[1],
			Prompt:     strings.Join(args[2:], " "),
			MaxTokens:  queryMaxTokens,
		})
		if err != nil {
			return err
		}

		fmt.Println(resp.Text)
		surface := "private"
		if resp.Shared {
			surface = "shared"
		}
		fmt.Printf("\n[%s, %d context chunks, %d in / %d out tokens]\n",
			surface, len(resp.Context), resp.InputTokens, resp.OutputTokens)
		return nil
	},
}

func init() {
	queryCmd.Flags().IntVar(&queryMaxTokens, "max-tokens", 0, "completion token limit")
	rootCmd.AddCommand(queryCmd)
}
