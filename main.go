package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/selfie-check/internal/annotator"
	"github.com/example/selfie-check/internal/classifier"
	"github.com/example/selfie-check/internal/config"
	"github.com/example/selfie-check/internal/fetch"
	"github.com/example/selfie-check/internal/grpcclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(reportError(os.Stderr, err))
	}
}

type rootOptions struct {
	configPath   string
	backend      string
	modelPath    string
	addr         string
	channelOrder string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "selfie-check",
		Short:         "Flag spreadsheet rows whose image is not a selfie",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", getEnv("SELFIE_CHECK_CONFIG", "config.toml"), "Path to the TOML config file")
	flags.StringVar(&opts.backend, "backend", "", "Classifier backend: linear or grpc")
	flags.StringVar(&opts.modelPath, "model", "", "Path to the linear model file")
	flags.StringVar(&opts.addr, "classifier-addr", "", "Address of the remote model server")
	flags.StringVar(&opts.channelOrder, "channel-order", "", "Channel order fed to the model: rgb or bgr")

	rootCmd.AddCommand(
		newAnnotateCommand(opts),
		newServeCommand(opts),
		newModelServerCommand(opts),
	)
	return rootCmd
}

// loadConfig reads the config file and applies command line overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.backend != "" {
		cfg.Classifier.Backend = o.backend
	}
	if o.modelPath != "" {
		cfg.Classifier.ModelPath = o.modelPath
	}
	if o.addr != "" {
		cfg.Classifier.Addr = o.addr
	}
	if o.channelOrder != "" {
		cfg.Classifier.ChannelOrder = o.channelOrder
	}
	return cfg, cfg.Validate()
}

// reportError prints err the way the CLI reports failures and returns the exit code.
func reportError(w io.Writer, err error) int {
	if errors.Is(err, annotator.ErrImageColumnNotFound) {
		fmt.Fprintf(w, "warning: %s\n", annotator.ErrImageColumnNotFound)
		return 2
	}
	fmt.Fprintf(w, "error: %s\n", err)
	return 1
}

// buildClassifier loads the configured scorer once and wraps it with the
// fetcher. The returned closer releases the scorer's connection, if any.
func buildClassifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*classifier.Adapter, func() error, error) {
	order, err := classifier.ParseChannelOrder(cfg.Classifier.ChannelOrder)
	if err != nil {
		return nil, nil, err
	}

	var (
		scorer classifier.Scorer
		closer = func() error { return nil }
	)
	switch cfg.Classifier.Backend {
	case "linear":
		model, err := classifier.LoadLinearModel(cfg.Classifier.ModelPath)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Classifier.ChannelOrder == "" {
			order = model.Order
		}
		scorer = model
		logger.Info("linear model loaded", zap.String("path", cfg.Classifier.ModelPath), zap.String("channel_order", string(order)))
	case "grpc":
		remote, conn, err := grpcclient.DialScorer(ctx, cfg.Classifier.Addr, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to model server %s: %w", cfg.Classifier.Addr, err)
		}
		scorer = remote
		closer = conn.Close
		logger.Info("connected to model server",
			zap.String("addr", cfg.Classifier.Addr),
			zap.String("channel_order", string(order)),
		)
		if cfg.Classifier.ChannelOrder == "" {
			logger.Warn("channel order not configured for the remote model, sending rgb; set --channel-order to match the model server")
		}
	default:
		return nil, nil, fmt.Errorf("unsupported classifier backend %q", cfg.Classifier.Backend)
	}

	fetcher := fetch.New(fetch.Config{
		Timeout:   cfg.Fetch.Timeout.Duration,
		MaxBytes:  cfg.Fetch.MaxBytes,
		Attempts:  cfg.Fetch.Attempts,
		UserAgent: cfg.Fetch.UserAgent,
	}, logger)

	return classifier.NewAdapter(fetcher, scorer, order), closer, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
