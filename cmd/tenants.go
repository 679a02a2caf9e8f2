package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cortexa-labs/cortexa/internal/model"
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenant deployments",
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenant deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := initCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		deps, err := c.store.ListDeployments(ctx)
		if err != nil {
			return err
		}
		for _, d := range deps {
			status := "enabled"
			if d.Disabled {
				status = "disabled"
			}
			fmt.Printf("%s  %-20s %-8s backend=%s caps=[%s]\n",
				d.TenantID, d.Alias, status, d.Backend, strings.Join(d.Capabilities, ","))
		}
		return nil
	},
}

var (
	tenantAlias        string
	tenantName         string
	tenantInferenceURL string
	tenantEmbeddingURL string
	tenantKnowledgeDSN string
	tenantBackend      string
	tenantCapabilities []string
)

var tenantsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a tenant deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := initCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		now := time.Now().UTC()
		d := &model.Deployment{
			TenantID:     uuid.New().String(),
			Alias:        tenantAlias,
			Name:         tenantName,
			InferenceURL: tenantInferenceURL,
			EmbeddingURL: tenantEmbeddingURL,
			KnowledgeDSN: tenantKnowledgeDSN,
			Backend:      tenantBackend,
			Capabilities: tenantCapabilities,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := c.store.CreateDeployment(ctx, d); err != nil {
			return err
		}

		// Prepare the tenant's knowledge schema up front so the first
		// ingestion job does not race the migration.
		if err := c.knowledge.Migrate(ctx, d.KnowledgeDSN); err != nil {
			return err
		}

		fmt.Printf("tenant %s (%s) registered\n", d.TenantID, d.Alias)
		return nil
	},
}

var tenantsEnableCmd = &cobra.Command{
	Use:   "enable <tenant>",
	Short: "Re-enable a disabled deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTenantDisabled(cmd, args[0], false) },
}

var tenantsDisableCmd = &cobra.Command{
	Use:   "disable <tenant>",
	Short: "Disable a deployment (resolution starts failing)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTenantDisabled(cmd, args[0], true) },
}

func setTenantDisabled(cmd *cobra.Command, identifier string, disabled bool) error {
	ctx := cmd.Context()
	c, err := initCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	d, err := c.store.GetDeployment(ctx, identifier)
	if err != nil {
		return err
	}
	if err := c.store.SetDisabled(ctx, d.TenantID, disabled); err != nil {
		return err
	}
	c.registry.Invalidate(ctx, d.TenantID)

	state := "enabled"
	if disabled {
		state = "disabled"
	}
	fmt.Printf("tenant %s %s\n", d.TenantID, state)
	return nil
}

var tenantsGrantCmd = &cobra.Command{
	Use:   "grant <tenant> <capability>",
	Short: "Grant a shared capability to a tenant",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTenantCapability(cmd, args[0], args[1], true) },
}

var tenantsRevokeCmd = &cobra.Command{
	Use:   "revoke <tenant> <capability>",
	Short: "Revoke a shared capability from a tenant",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTenantCapability(cmd, args[0], args[1], false) },
}

func setTenantCapability(cmd *cobra.Command, identifier, capability string, enabled bool) error {
	ctx := cmd.Context()
	c, err := initCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	d, err := c.store.GetDeployment(ctx, identifier)
	if err != nil {
		return err
	}
	if err := c.store.SetCapability(ctx, d.TenantID, capability, enabled); err != nil {
		return err
	}
	c.registry.Invalidate(ctx, d.TenantID)

	verb := "granted to"
	if !enabled {
		verb = "revoked from"
	}
	fmt.Printf("capability %s %s tenant %s\n", capability, verb, d.TenantID)
	return nil
}

func init() {
	tenantsAddCmd.Flags().StringVar(&tenantAlias, "alias", "", "short alias")
	tenantsAddCmd.Flags().StringVar(&tenantName, "name", "", "canonical name")
	tenantsAddCmd.Flags().StringVar(&tenantInferenceURL, "inference-url", "", "private inference backend URL")
	tenantsAddCmd.Flags().StringVar(&tenantEmbeddingURL, "embedding-url", "", "embedding service URL")
	tenantsAddCmd.Flags().StringVar(&tenantKnowledgeDSN, "knowledge-dsn", "", "knowledge store DSN")
	tenantsAddCmd.Flags().StringVar(&tenantBackend, "backend", "", "inference backend id")
	tenantsAddCmd.Flags().StringSliceVar(&tenantCapabilities, "capability", nil, "granted capability (repeatable)")
	_ = tenantsAddCmd.MarkFlagRequired("alias")
	_ = tenantsAddCmd.MarkFlagRequired("name")
	_ = tenantsAddCmd.MarkFlagRequired("inference-url")
	_ = tenantsAddCmd.MarkFlagRequired("embedding-url")
	_ = tenantsAddCmd.MarkFlagRequired("knowledge-dsn")

	tenantsCmd.AddCommand(tenantsListCmd, tenantsAddCmd, tenantsEnableCmd, tenantsDisableCmd, tenantsGrantCmd, tenantsRevokeCmd)
	rootCmd.AddCommand(tenantsCmd)
}
