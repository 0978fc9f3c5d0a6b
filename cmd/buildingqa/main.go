package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	var root = &cobra.Command{
		Use:           "buildingqa",
		Short:         "Answer natural-language questions about a building",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(serveCMD(), migrateCMD(), askCMD(), auditCMD(), tokenCMD())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newLogger writes to stderr and, when telemetry.log_file is set, to that file as well.
func newLogger(cfg *config.Config, prefix string) (*log.Logger, func(), error) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.Telemetry.LogFile != "" {
		f, err := os.OpenFile(cfg.Telemetry.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { _ = f.Close() }
	}
	flags := log.LstdFlags
	if cfg.General.Debug {
		flags |= log.Lshortfile
	}
	return log.New(w, prefix, flags), closeFn, nil
}

func usesAuditSink(cfg *config.Config, sink string) bool {
	for _, s := range cfg.Audit.Sinks {
		if s == sink {
			return true
		}
	}
	return false
}
