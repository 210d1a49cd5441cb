package main

import (
	"github.com/spf13/cobra"

	"pairchat/internal/config"
	"pairchat/internal/logger"
)

func newRootCmd() *cobra.Command {
	var configDir string

	rootCmd := &cobra.Command{
		Use:          "pairchat",
		Short:        "Realtime one-to-one chat server",
		Long:         "pairchat serves the chat websocket, the REST API around it and the attachment uploads.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "directory containing config.yaml")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configDir)
		if err != nil {
			return nil, err
		}
		logger.Init(cfg.Log)
		return cfg, nil
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
	)
	return rootCmd
}
