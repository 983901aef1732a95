package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yuuki/rmcemu/internal/config"
	"github.com/yuuki/rmcemu/internal/node"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "rmcemu",
		Short:        "Remote memory controller emulator",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newRunCmd(), newConfigCmd(), newVersionCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one emulated node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Load configuration
			cfg, err := config.LoadNodeConfig("", cmd.Flags())
			if err != nil {
				return fmt.Errorf("error loading configuration: %w", err)
			}

			// Create and run node
			n, err := node.New(cfg)
			if err != nil {
				log.Error().Err(err).Msg("Failed to create node")
				return err
			}
			if err := n.Run(); err != nil {
				log.Error().Err(err).Msg("Node failed")
				return err
			}
			return nil
		},
	}
	config.SetupNodeFlags(cmd.Flags())
	return cmd
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage node configuration files",
	}

	var output string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.CreateDefaultNodeConfig(output); err != nil {
				return fmt.Errorf("error creating default config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created default configuration at %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "./rmcemu.yaml", "Path of the configuration file to write")
	configCmd.AddCommand(initCmd)
	return configCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rmcemu v%s\n", version)
		},
	}
}
