package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor  bool
	cfgPath  string
	deadline time.Duration
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "vnarchive",
	Short:         "Market news and candle archiver",
	Long:          "vnarchive crawls vietstock.vn news into a local archive and keeps OHLCV candle series gap-free.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if strings.EqualFold(logLevel, "debug") {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default: vnarchive.yaml, /etc/vnarchive/vnarchive.yaml)")
	rootCmd.PersistentFlags().DurationVar(&deadline, "deadline", 0, "wall-clock budget for this run (0 = none)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (info or debug)")

	rootCmd.AddCommand(initCmd, rssCmd, backfillCmd, fetchCmd, gapscanCmd, repairCmd, statusCmd, serveCmd)
}

// cmdContext returns a context cancelled by SIGINT/SIGTERM and, when
// --deadline is set, by the wall clock. Batch commands stop claiming new
// work at cancellation; completed units stay persisted.
func cmdContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if deadline <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	return ctx, func() {
		cancel()
		stop()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
