package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yourorg/assetgw/internal/boot"
	"github.com/yourorg/assetgw/internal/models"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and manage access policies",
}

var (
	policyScope    string
	policyAccount  string
	policyContexts string
	policyTTL      int
	policyMaxTTL   int
)

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *boot.App) error {
			f := models.PolicyFilter{}
			if policyScope != "" {
				s := models.Scope(policyScope)
				f.Scope = &s
			}
			if policyAccount != "" {
				f.AccountID = &policyAccount
			}
			out, err := app.Policy.ListPolicies(ctx, f)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		})
	},
}

var policyResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show the effective policy for an account and scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *boot.App) error {
			p, err := app.Policy.ResolvePolicy(ctx, policyAccount, models.Scope(policyScope))
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		})
	},
}

var policyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a policy; without --account it applies to every account",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := models.AssetPolicy{
			Scope:             models.Scope(policyScope),
			AllowedContexts:   splitList(policyContexts),
			DefaultTTLSeconds: policyTTL,
			MaxTTLSeconds:     policyMaxTTL,
			IsActive:          true,
		}
		if policyAccount != "" {
			p.AccountID = &policyAccount
		}
		return withApp(cmd, func(ctx context.Context, app *boot.App) error {
			out, err := app.Policy.CreatePolicy(ctx, p)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		})
	},
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func init() {
	for _, c := range []*cobra.Command{policyListCmd, policyResolveCmd, policyCreateCmd} {
		c.Flags().StringVar(&policyScope, "scope", "", "asset scope")
		c.Flags().StringVar(&policyAccount, "account", "", "owning account (empty = global)")
	}
	policyCreateCmd.Flags().StringVar(&policyContexts, "contexts", "", `comma-separated action:channel pairs or "*"`)
	policyCreateCmd.Flags().IntVar(&policyTTL, "ttl", 3600, "default TTL in seconds")
	policyCreateCmd.Flags().IntVar(&policyMaxTTL, "max-ttl", 86400, "maximum TTL in seconds")
	_ = policyResolveCmd.MarkFlagRequired("scope")
	_ = policyCreateCmd.MarkFlagRequired("scope")

	policyCmd.AddCommand(policyListCmd, policyResolveCmd, policyCreateCmd)
}
