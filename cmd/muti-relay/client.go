package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/muti-relay/internal/client"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/ui"
	"github.com/postalsys/muti-relay/internal/wizard"
)

func clientCmd(flags *globalFlags) *cobra.Command {
	var downloadDir string

	cmd := &cobra.Command{
		Use:   "client [host] [port] [username]",
		Short: "Join a relay server",
		Long: `Connect to a relay server and chat. The host may be a ws:// URL for
WebSocket servers. Values not given on the command line come from the
configuration file, or are prompted for when running in a terminal.`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			ccfg := client.ConfigFrom(cfg)
			if downloadDir != "" {
				ccfg.DownloadDir = downloadDir
			}

			ccfg, err = resolveConnection(ccfg, args, ui.IsTerminal(os.Stdin))
			if err != nil {
				return err
			}

			logger := logging.NewConsoleLogger(cfg.Log.Level, cfg.Log.Format)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := client.Dial(ctx, ccfg, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", ccfg.Address, err)
			}

			err = client.NewConsole(c, os.Stdin, os.Stdout).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&downloadDir, "download-dir", "d", "", "Directory for received files (overrides client.download_dir)")

	return cmd
}

// resolveConnection applies the positional arguments and, when interactive,
// prompts for anything still missing.
func resolveConnection(cfg client.Config, args []string, interactive bool) (client.Config, error) {
	conn := wizard.Connection{Username: cfg.Username}

	switch {
	case len(args) > 0:
		conn.Host = args[0]
		if len(args) > 1 {
			conn.Port = args[1]
		} else {
			conn.Port = client.DefaultPort
		}
		if len(args) > 2 {
			conn.Username = args[2]
		}
	case !interactive:
		return cfg, nil
	default:
		conn.Host, conn.Port = splitAddress(cfg.Address)
	}

	if interactive {
		if err := wizard.New().AskConnection(&conn); err != nil {
			return cfg, err
		}
	}

	cfg.Address = client.Address(conn.Host, conn.Port)
	cfg.Username = strings.TrimSpace(conn.Username)
	return cfg, nil
}

// splitAddress breaks host:port apart. URLs are kept whole as the host.
func splitAddress(addr string) (host, port string) {
	if strings.Contains(addr, "://") {
		return addr, ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return host, port
}
