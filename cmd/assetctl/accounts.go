package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/assetgw/internal/boot"
	"github.com/yourorg/assetgw/internal/models"
)

var eraseAudit bool

var purgeAccountCmd = &cobra.Command{
	Use:   "purge-account <account-id>",
	Short: "Hard-delete every asset of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID := args[0]
		return withApp(cmd, func(ctx context.Context, app *boot.App) error {
			caller := models.Caller{AccountID: accountID, Actor: models.SystemActor}
			rep, err := app.Registry.PurgeAccount(ctx, caller)
			if err != nil {
				return err
			}
			out := map[string]any{"account_id": accountID, "purged": rep.Purged, "failed": len(rep.Failures)}
			if eraseAudit && len(rep.Failures) == 0 {
				n, err := app.Audit.EraseAccount(ctx, accountID)
				if err != nil {
					return err
				}
				out["audit_erased"] = n
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			return rep.Err()
		})
	},
}

var (
	reportAccount string
	reportFrom    string
	reportTo      string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the compliance report for an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		to := time.Now().UTC()
		from := to.AddDate(0, 0, -30)
		var err error
		if reportFrom != "" {
			if from, err = time.Parse(time.RFC3339, reportFrom); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
		}
		if reportTo != "" {
			if to, err = time.Parse(time.RFC3339, reportTo); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
		}
		return withApp(cmd, func(ctx context.Context, app *boot.App) error {
			rep, err := app.Audit.GenerateComplianceReport(ctx, reportAccount, from, to)
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		})
	},
}

func init() {
	purgeAccountCmd.Flags().BoolVar(&eraseAudit, "erase-audit", false, "also erase the account's audit trail once every asset is gone")

	reportCmd.Flags().StringVar(&reportAccount, "account", "", "account id")
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "window start, RFC 3339 (default 30 days ago)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "window end, RFC 3339 (default now)")
	_ = reportCmd.MarkFlagRequired("account")
}
