package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:           "live-server",
	Short:         "Live session presence and chat server",
	Long:          "Serves the live-session REST API and the realtime WebSocket endpoint. Runs serve by default.",
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().Bool("with-worker", false, "also drain the chat archive queue in this process")
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		return err
	}
	return nil
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		config.Level = lvl
	}
	logger, _ := config.Build()
	return logger
}

// logLevel prefers the --log-level flag over the configured level.
func logLevel(cmd *cobra.Command, configured string) string {
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		return v
	}
	return configured
}
