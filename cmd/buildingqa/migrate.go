package main

import (
	"github.com/mohammad-safakhou/buildingqa/config"
	srv "github.com/mohammad-safakhou/buildingqa/internal/server"
	"github.com/spf13/cobra"
)

func migrateCMD() *cobra.Command {
	var migDir string
	var direction string
	var steps int

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run audit database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if migDir == "" {
				migDir = cfg.Server.MigrationsDir
			}
			return srv.Migrate(migDir, srv.AuditDatabase(cfg), direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "", "migrations source (default server.migrations_dir)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	return migrate
}
