package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/mohammad-safakhou/buildingqa/internal/agent/core"
	"github.com/mohammad-safakhou/buildingqa/internal/audit"
	"github.com/mohammad-safakhou/buildingqa/internal/queue/streams"
	"github.com/mohammad-safakhou/buildingqa/internal/runtime"
	"github.com/spf13/cobra"
)

func auditCMD() *cobra.Command {
	var auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Inspect knowledge-query audit records",
	}

	var group string
	var fromStart bool
	var tail = &cobra.Command{
		Use:   "tail",
		Short: "Follow audit records published to the redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if !usesAuditSink(cfg, "stream") {
				return fmt.Errorf("audit.sinks does not include the stream sink")
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			rdb := core.NewRedisClient(cfg.Storage.Redis)
			defer rdb.Close()
			host, _ := os.Hostname()
			follower, err := streams.New(rdb, cfg.Audit.Stream, 0).Follow(ctx, group, fmt.Sprintf("%s-%d", host, os.Getpid()), fromStart)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for ctx.Err() == nil {
				batch, err := follower.Next(ctx, 5*time.Second, 50)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				ids := make([]string, 0, len(batch))
				for _, d := range batch {
					ids = append(ids, d.EntryID)
					rec, err := audit.DecodeEvent(d.Event)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "skip %s: %v\n", d.EntryID, err)
						continue
					}
					fmt.Fprintf(out, "%s %s analytics=%t rows=%d\n  Q: %s\n  %s\n",
						rec.Timestamp.Format(time.RFC3339), rec.ConversationID, rec.AnalyticsRequired,
						len(rec.QueryResults), rec.UserQuery, strings.ReplaceAll(rec.QueryText, "\n", " "))
				}
				if err := follower.Ack(ctx, ids...); err != nil {
					return err
				}
			}
			return nil
		},
	}
	tail.Flags().StringVar(&group, "group", "buildingqa-audit-tail", "consumer group")
	tail.Flags().BoolVar(&fromStart, "from-start", false, "replay the stream from its first entry when the group is new")
	auditCmd.AddCommand(tail)
	return auditCmd
}

func tokenCMD() *cobra.Command {
	var subject string
	var ttl time.Duration

	var token = &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			tok, err := runtime.SignJWT(subject, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "", "token subject")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = token.MarkFlagRequired("subject")
	return token
}
