package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChaseRain/pptwizard/internal/infra/auth"
	"github.com/ChaseRain/pptwizard/internal/infra/config"
	"github.com/ChaseRain/pptwizard/internal/infra/httpclient"
	"github.com/ChaseRain/pptwizard/internal/infra/logger"
	"github.com/ChaseRain/pptwizard/internal/service/backend"
)

var (
	// Global flags
	configPath string
	verbose    bool
	baseURL    string

	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pptctl",
	Short: "Generate presentations from the command line",
	Long: `pptctl drives the presentation wizard without a browser.

It asks the backend for slide content, applies optional text edits and
builds the final .pptx file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.LoadFile(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if baseURL != "" {
			cfg.Backend.BaseURL = baseURL
		}

		level := "warn"
		if verbose {
			level = "debug"
		}
		log, err = logger.New(level, "console")
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $CONFIG_PATH or config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&baseURL, "backend", "", "Backend base URL (overrides config)")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(templatesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func requestOptions() httpclient.Options {
	return httpclient.Options{
		Timeout:    cfg.Request.Timeout(),
		MaxRetries: cfg.Request.MaxRetries,
		Backoff:    cfg.Request.Backoff(),
	}
}

func previewOptions() httpclient.Options {
	return httpclient.Options{
		Timeout: cfg.Request.PreviewTimeout(),
		Backoff: cfg.Request.Backoff(),
	}
}

func newBackend() (*backend.Service, *httpclient.Client) {
	var creds auth.Credentials = auth.None{}
	onReject := func() {
		fmt.Fprintln(os.Stderr, "backend rejected the token; log in again")
	}
	switch {
	case cfg.Backend.TokenFile != "":
		creds = auth.NewFile(cfg.Backend.TokenFile, onReject)
	case cfg.Backend.Token != "":
		creds = auth.NewStatic(cfg.Backend.Token, onReject)
	}
	client := httpclient.New(&http.Client{}, creds, requestOptions(), log).ScopedTo(cfg.Backend.BaseURL)
	return backend.New(cfg.Backend, client, log), client
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
