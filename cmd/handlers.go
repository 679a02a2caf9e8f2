package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cortexa-labs/cortexa/internal/catalog"
)

var handlersCmd = &cobra.Command{
	Use:   "handlers",
	Short: "Inspect the format handler catalog",
}

var handlersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered format handlers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := initCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		hs, err := c.store.ListHandlers(ctx)
		if err != nil {
			return err
		}
		for _, h := range hs {
			fmt.Printf("%-50s %-14s %-10s %s\n",
				h.Signature.Key(), h.Status, h.Origin, h.CreatedAt.Format("2006-01-02"))
		}
		fmt.Printf("%d handlers\n", len(hs))
		return nil
	},
}

var handlersSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register the builtin handlers",
	Long:  "Registers the builtin handler set. Already-registered signatures are left untouched; seeding is safe to repeat.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := initCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		// initCore seeds on startup; report what the catalog holds.
		fmt.Printf("%d builtin handlers registered\n", len(catalog.Builtins()))
		return nil
	},
}

func init() {
	handlersCmd.AddCommand(handlersListCmd, handlersSeedCmd)
	rootCmd.AddCommand(handlersCmd)
}
