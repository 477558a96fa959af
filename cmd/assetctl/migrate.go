package main

import (
	"github.com/spf13/cobra"

	"github.com/yourorg/assetgw/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <up|down|version|force N>",
	Short: "Apply or roll back the database schema",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return db.RunMigrate(zl, cfg.DB, args[0], args[1:])
	},
}
