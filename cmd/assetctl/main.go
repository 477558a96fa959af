// Command assetctl runs operator tasks against the asset gateway: schema
// migrations, one-off sweeps, an in-process reaper, account purges and
// compliance reports.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourorg/assetgw/internal/boot"
	"github.com/yourorg/assetgw/internal/config"
	"github.com/yourorg/assetgw/internal/logger"
)

var (
	configPath string
	devMode    bool
	logLevel   string

	cfg config.Config
	zl  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "assetctl",
	Short:         "Operate the asset gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if devMode {
			cfg.Dev = true
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		zl = logger.New(cfg.Log.Level, cfg.Log.Format)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if zl != nil {
			_ = zl.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./assetgw.yaml)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "use in-memory repositories")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(reaperCmd)
	rootCmd.AddCommand(purgeAccountCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(policyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if zl != nil {
			zl.Error("command failed", zap.Error(err))
		} else {
			os.Stderr.WriteString(err.Error() + "\n")
		}
		os.Exit(1)
	}
}

// withApp boots the services for one command and closes them afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *boot.App) error) error {
	ctx := cmd.Context()
	app, err := boot.New(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
