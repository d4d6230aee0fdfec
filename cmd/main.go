package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"uploadrelay/internal/app"
	"uploadrelay/internal/config"
	"uploadrelay/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "uploadrelay",
	Short: "Relay client file uploads through a scanning broker into object storage",
	Long:  `An upload orchestration service: admits client uploads, hands them to a remote virus-scanning broker, and on completion transfers the files into S3-compatible object storage, exposing status, health, and metrics.`,
	RunE:  runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Server flags
	rootCmd.Flags().String("port", "8080", "HTTP listen port")
	rootCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")

	// Broker flags
	rootCmd.Flags().String("broker-url", "", "Upload broker base URL")
	rootCmd.Flags().String("callback-url", "", "Callback URL the broker notifies on completion")
	rootCmd.Flags().Int("retries", 3, "Maximum broker request attempts")
	rootCmd.Flags().Int("retry-backoff-ms", 1000, "Initial retry backoff in milliseconds")

	// Storage flags
	rootCmd.Flags().String("storage-endpoint", "", "Object storage endpoint")
	rootCmd.Flags().String("storage-access-key", "", "Object storage access key")
	rootCmd.Flags().String("storage-secret-key", "", "Object storage secret key")
	rootCmd.Flags().Bool("storage-secure", false, "Use HTTPS for object storage")
	rootCmd.Flags().String("bucket", "uploads", "Destination bucket name")

	// Orchestration flags
	rootCmd.Flags().String("store-path", "./uploadrelay.db", "State store database file")
	rootCmd.Flags().String("transfer-mode", "sync", "Transfer mode (sync/background)")
	rootCmd.Flags().Int("max-concurrent", 10, "Maximum concurrent uploads")
	rootCmd.Flags().Int64("max-file-size", 104857600, "Maximum file size in bytes")
}

func runServer(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	relay, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	err = relay.Run(ctx)

	if closeErr := relay.Close(); closeErr != nil {
		log.Error("Error closing application", zap.Error(closeErr))
	}

	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
