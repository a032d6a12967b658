package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := openDB(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := db.Close(); cerr != nil {
					opts.logger.Error("db.close", "err", cerr)
				}
			}()
			if err := db.Migrate(ctx); err != nil {
				return err
			}
			opts.logger.Info("migrate.ok", "driver", opts.cfg.Database.Driver)
			return nil
		},
	}
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dbhealth",
		Short: "Check database connectivity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := openDB(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := db.HealthCheck(ctx, healthTimeout); err != nil {
				return err
			}
			cmd.Println("DB health: OK")
			return nil
		},
	}
}
