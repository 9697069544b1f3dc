package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/selfie-check/internal/classifier"
	"github.com/example/selfie-check/internal/grpcclient"
	"github.com/example/selfie-check/internal/logging"
)

func newModelServerCommand(root *rootOptions) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "model-server",
		Short: "Serve the linear selfie model over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Classifier.ListenAddr = listenAddr
			}

			logger, err := logging.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			model, err := classifier.LoadLinearModel(cfg.Classifier.ModelPath)
			if err != nil {
				return err
			}

			listener, err := net.Listen("tcp", cfg.Classifier.ListenAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Classifier.ListenAddr, err)
			}

			server := grpc.NewServer()
			grpcclient.RegisterScorerServer(server, model, logger)

			logger.Info("model server listening",
				zap.String("addr", listener.Addr().String()),
				zap.String("model", cfg.Classifier.ModelPath),
				zap.String("channel_order", string(model.Order)),
			)
			warnChannelOrder(logger, model.Order)
			return serveGRPCServer(server, listener, cfg.Server.ShutdownTimeout.Duration, logger, nil)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "gRPC listen address (default from config)")
	return cmd
}

// warnChannelOrder reminds operators that tensors arrive already packed, so
// gRPC clients must be started with the model's channel order.
func warnChannelOrder(logger *zap.Logger, order classifier.ChannelOrder) {
	if order == classifier.RGB {
		return
	}
	logger.Warn("model expects non-rgb input, run clients with --channel-order "+string(order),
		zap.String("channel_order", string(order)),
	)
}

// serveGRPCServer runs server on listener until it fails or a shutdown signal
// arrives. In-flight calls get shutdownTimeout to finish before a hard stop.
func serveGRPCServer(server *grpc.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		errCh <- err
	}()

	sigCh, stopSignals := shutdownSignals(signalCh)
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if ok {
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		}
		stopped := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop timed out, forcing")
			server.Stop()
		}
		return <-errCh
	}
}
