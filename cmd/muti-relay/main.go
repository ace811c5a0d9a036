// Package main provides the CLI entry point for Muti Relay.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/postalsys/muti-relay/internal/config"
	"github.com/postalsys/muti-relay/internal/ui"
	"github.com/postalsys/muti-relay/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "muti-relay",
		Short: "Muti Relay - chat and file relay",
		Long: `Muti Relay is a multi-client message relay. Clients join a server
over TCP or WebSocket, chat with everyone or privately, and share
files that the server stores and forwards to the room.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file (default ./config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Override log format (text, json)")

	rootCmd.AddCommand(initCmd(flags))
	rootCmd.AddCommand(serverCmd(flags))
	rootCmd.AddCommand(clientCmd(flags))
	rootCmd.AddCommand(discoverCmd(flags))
	rootCmd.AddCommand(historyCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.Error.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

// loadConfig reads the configuration file named by --config, falls back to
// ./config.yaml when it exists and to the defaults otherwise, then applies
// the log flag overrides.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	path := f.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultConfigPath = "./config.yaml"

func initCmd(flags *globalFlags) *cobra.Command {
	var (
		interactive bool
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long: `Write a configuration file with the default settings, or walk
through an interactive setup wizard with --interactive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if path == "" {
				path = defaultConfigPath
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}

			if interactive {
				if !ui.IsTerminal(os.Stdin) {
					return fmt.Errorf("--interactive needs a terminal")
				}
				_, err := wizard.New().Run(path)
				return err
			}

			if err := config.Default().Save(path, force); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", path)
			fmt.Println("Start the server with:")
			fmt.Printf("  muti-relay server -c %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Run the interactive setup wizard")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing configuration file")

	return cmd
}
