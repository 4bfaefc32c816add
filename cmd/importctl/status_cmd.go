package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/importpipe/internal/core"
	"github.com/JonMunkholm/importpipe/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status SESSION_ID",
		Short: "Print the stored status of an import session (requires DATABASE_URL)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Database.UsesPostgres() {
				return errors.New("status needs DATABASE_URL: in-memory sessions do not outlive the import command")
			}

			st, closeStore, err := store.Open(cmd.Context(), cfg.Database.URL, cfg.Database.PoolOptions(), false)
			if err != nil {
				return err
			}
			defer closeStore()

			svc := core.NewService(st, cfg.ServiceOptions())
			status, err := svc.Status(cmd.Context(), args[0])
			if err != nil {
				return userError(err)
			}
			return writeJSON(cmd.OutOrStdout(), status)
		},
	}
}
