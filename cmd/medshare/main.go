package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3FT-io/medshare/pkg/api"
	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/config"
	"github.com/3FT-io/medshare/pkg/core"
	"github.com/3FT-io/medshare/pkg/p2p"
)

var (
	configPath string
	debug      bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "medshare: %s\n", apperr.UserMessage(err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "medshare",
		Short: "Share ML models and medical scans over a P2P node",
		Long: `medshare runs a node that hosts model/scan contexts and provides client
commands to upload, list, download, annotate and delete files, and to call
the CNN prediction service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env MEDSHARE_* overrides it)")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable development logging")
	cmd.AddCommand(
		newServeCmd(),
		newContextCmd(),
		newModelsCmd(),
		newScansCmd(),
		newStatsCmd(),
		newUploadModelCmd(),
		newUploadScanCmd(),
		newDownloadModelCmd(),
		newDownloadScanCmd(),
		newAnnotateCmd(),
		newDeleteCmd(),
		newPredictCmd(),
		newRetrainCmd(),
		newCNNHealthCmd(),
	)
	return cmd
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newServeCmd() *cobra.Command {
	var noP2P bool
	var createContext bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node: P2P network plus the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			var network *p2p.Network
			if !noP2P {
				network, err = p2p.NewNetwork(cfg, logger.Named("p2p"))
				if err != nil {
					return err
				}
			}

			node, err := core.NewNode(cfg, network, logger.Named("node"))
			if err != nil {
				return err
			}
			if err := node.Start(ctx); err != nil {
				return err
			}

			if createContext && len(node.Contexts(cfg.ApplicationID)) == 0 {
				if _, err := node.CreateContext(ctx, cfg.ApplicationID); err != nil {
					return err
				}
			}

			server, err := api.NewAPI(node, api.Options{
				Port:      cfg.APIPort,
				RateLimit: cfg.RateLimit,
				RateBurst: cfg.RateBurst,
				Logger:    logger.Named("api"),
			})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					logger.Error("API server error", zap.Error(err))
				}
			}

			logger.Info("Shutting down")
			if err := node.Stop(); err != nil {
				logger.Error("Error during shutdown", zap.Error(err))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Error("Error shutting down API server", zap.Error(err))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noP2P, "no-p2p", false, "Run without joining the P2P network")
	cmd.Flags().BoolVar(&createContext, "create-context", true, "Create a context for the application id if none exists")
	return cmd
}
