package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateTenant string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schemas",
	Long:  "Applies the metadata store schema. With --tenant, also applies the knowledge schema to that tenant's store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := initCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		// initCore already migrated the metadata store.
		fmt.Println("metadata store migrated")

		if migrateTenant != "" {
			d, err := c.store.GetDeployment(ctx, migrateTenant)
			if err != nil {
				return err
			}
			if err := c.knowledge.Migrate(ctx, d.KnowledgeDSN); err != nil {
				return err
			}
			fmt.Printf("knowledge store migrated for tenant %s\n", d.TenantID)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateTenant, "tenant", "", "also migrate this tenant's knowledge store")
	rootCmd.AddCommand(migrateCmd)
}
