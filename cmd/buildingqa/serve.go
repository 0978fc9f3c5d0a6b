package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/mohammad-safakhou/buildingqa/internal/agent/core"
	"github.com/mohammad-safakhou/buildingqa/internal/audit"
	srv "github.com/mohammad-safakhou/buildingqa/internal/server"
	"github.com/mohammad-safakhou/buildingqa/internal/session"
	"github.com/spf13/cobra"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var autoMigrate bool

	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cfg, "")
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if autoMigrate && usesAuditSink(cfg, "postgres") {
				if err := srv.Migrate(cfg.Server.MigrationsDir, srv.AuditDatabase(cfg), "up", 0); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}

			orch, res, err := core.NewFromConfig(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer res.Close()

			sessions, err := session.NewStore(cfg.Session, res.Redis)
			if err != nil {
				return err
			}
			server, err := srv.NewServer(cfg, orch, sessions, logger)
			if err != nil {
				return err
			}

			if usesAuditSink(cfg, "postgres") {
				job, err := srv.NewRetentionJob(cfg.Audit, audit.NewPostgresSink(res.AuditDB), res.Redis, logger)
				if err != nil {
					return err
				}
				job.Start(ctx)
				defer job.Stop()
			}

			if serveAddr == "" {
				serveAddr = cfg.Server.Address
			}
			return server.Serve(ctx, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.address)")
	serve.Flags().BoolVar(&autoMigrate, "migrate", false, "apply audit migrations before serving")

	return serve
}
