package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/mohammad-safakhou/buildingqa/internal/agent/core"
	"github.com/mohammad-safakhou/buildingqa/internal/session"
	"github.com/spf13/cobra"
)

func askCMD() *cobra.Command {
	var conversationID string
	var outDir string
	var showTrace bool
	var verbose bool

	var ask = &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := log.New(io.Discard, "", 0)
			if verbose {
				var closeLog func()
				logger, closeLog, err = newLogger(cfg, "")
				if err != nil {
					return err
				}
				defer closeLog()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			orch, res, err := core.NewFromConfig(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer res.Close()

			var sessions session.Store
			state := &core.ConversationState{ConversationID: uuid.NewString()}
			if conversationID != "" {
				if sessions, err = session.NewStore(cfg.Session, res.Redis); err != nil {
					return err
				}
				loaded, err := sessions.Load(ctx, conversationID)
				switch {
				case errors.Is(err, session.ErrNotFound):
					state.ConversationID = conversationID
				case err != nil:
					return err
				default:
					state = loaded
				}
			}
			state.Messages = append(state.Messages, core.NewUserMessage(strings.Join(args, " "), time.Now()))

			state, err = orch.ProcessTurn(ctx, state)
			if err != nil {
				return err
			}
			if sessions != nil {
				if err := sessions.Save(ctx, state); err != nil {
					return fmt.Errorf("save conversation: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			answer := state.Messages[len(state.Messages)-1]
			fmt.Fprintln(out, answer.Content)
			if media, ok := answer.Metadata["media"].([]core.MediaArtifact); ok {
				for i, m := range media {
					path, err := writeArtifact(outDir, i, m)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "\n[%s saved to %s]\n", m.Kind, path)
				}
			}
			if showTrace {
				fmt.Fprintln(out)
				for _, t := range state.Trace {
					fmt.Fprintf(out, "  %s -> %s (%s)\n", t.From, t.To, t.Reason)
				}
			}
			return nil
		},
	}
	ask.Flags().StringVar(&conversationID, "conversation", "", "continue (and persist) this conversation")
	ask.Flags().StringVar(&outDir, "out", ".", "directory for generated plots")
	ask.Flags().BoolVar(&showTrace, "trace", false, "print the stage transitions")
	ask.Flags().BoolVarP(&verbose, "verbose", "v", false, "log stage activity to stderr")

	return ask
}

// writeArtifact decodes a base64 data URI into outDir.
func writeArtifact(outDir string, i int, m core.MediaArtifact) (string, error) {
	_, data, ok := strings.Cut(m.DataURI, ",")
	if !ok {
		return "", fmt.Errorf("artifact %d: malformed data uri", i)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("artifact %d: %w", i, err)
	}
	ext := ".bin"
	if m.MIME == "image/png" {
		ext = ".png"
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(outDir, fmt.Sprintf("%s-%d%s", m.Kind, time.Now().Unix(), ext))
	if i > 0 {
		path = strings.TrimSuffix(path, ext) + fmt.Sprintf("-%d%s", i, ext)
	}
	return path, os.WriteFile(path, raw, 0o644)
}
