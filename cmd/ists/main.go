package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roberta_ists/internal/config"
	"github.com/roberta_ists/internal/logutil"
)

// session is what every command starts from.
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	runID  string
}

func newSession(configPath string) (*session, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logutil.New(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))
	logger.Info("config loaded", zap.String("config", configPath))
	return &session{cfg: cfg, logger: logger, runID: runID}, nil
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "ists",
		Short:         "interpretable semantic similarity on a frozen pretrained encoder",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config")

	rootCmd.AddCommand(
		newInspectCmd(&configPath),
		newPredictCmd(&configPath),
		newStepCmd(&configPath),
		newInitEncoderCmd(&configPath),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
