package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/muti-relay/internal/config"
	"github.com/postalsys/muti-relay/internal/discovery"
	"github.com/postalsys/muti-relay/internal/health"
	"github.com/postalsys/muti-relay/internal/history"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/relay"
)

const shutdownTimeout = 10 * time.Second

func serverCmd(flags *globalFlags) *cobra.Command {
	var (
		address   string
		filesDir  string
		noConsole bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the relay server",
		Long: `Start the relay server. Clients connect over TCP, and over WebSocket
when enabled. Unless disabled, operator commands are read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			if filesDir != "" {
				cfg.Server.FilesDir = filesDir
			}
			if noConsole {
				cfg.Server.Console = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "TCP listen address (overrides server.address)")
	cmd.Flags().StringVar(&filesDir, "files-dir", "", "Directory for uploaded files (overrides server.files_dir)")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "Do not read operator commands from stdin")

	return cmd
}

func runServer(cfg *config.Config) error {
	base := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger := logging.ForComponent(base, logging.ComponentServer)

	opts := relay.Options{
		Logger:  base,
		Metrics: metrics.Default(),
	}

	if cfg.History.Enabled {
		store, path, err := history.Open(cfg.History.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		defer store.Close()

		if n, err := store.AbortActive(); err != nil {
			logger.Warn("failed to close stale transfers", logging.KeyError, err)
		} else if n > 0 {
			logger.Info("marked interrupted transfers as aborted", logging.KeyCount, n)
		}
		logger.Info("transfer history enabled", logging.KeyPath, path)
		opts.Ledger = store
	}

	srv := relay.NewServer(relay.ConfigFrom(cfg), opts)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	fmt.Printf("Muti Relay server listening on %s\n", srv.Address())
	if url := srv.WebSocketURL(); url != "" {
		fmt.Printf("WebSocket: %s\n", url)
	}
	fmt.Printf("Files directory: %s\n", cfg.Server.FilesDir)

	if cfg.Health.Enabled {
		hs := health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, srv)
		if err := hs.Start(); err != nil {
			logger.Warn("health server not started", logging.KeyError, err)
		} else {
			defer hs.Stop()
			fmt.Printf("Health: http://%s/health\n", hs.Address())
		}
	}

	if cfg.Discovery.Enabled {
		adv, err := advertise(cfg, srv)
		if err != nil {
			logger.Warn("mDNS advertisement not started", logging.KeyError, err)
		} else {
			defer adv.Stop()
			logger.Info("advertising on the local network", "service", cfg.Discovery.Service)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Console {
		go runOperatorConsole(ctx, stop, srv, logging.ForComponent(base, logging.ComponentConsole))
	}

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		fmt.Printf("Shutdown error: %v\n", err)
		return err
	}

	fmt.Println("Server stopped.")
	return nil
}

// runOperatorConsole reads operator commands until /quit, which stops the
// server. Closed input leaves the server running.
func runOperatorConsole(ctx context.Context, stop context.CancelFunc, srv *relay.Server, logger *slog.Logger) {
	err := relay.NewConsole(srv, os.Stdin, os.Stdout).Run(ctx)
	switch {
	case err == nil:
		stop()
	case errors.Is(err, io.EOF):
		logger.Info("operator console input closed, server keeps running")
	case errors.Is(err, context.Canceled):
	default:
		logger.Warn("operator console stopped", logging.KeyError, err)
	}
}

func advertise(cfg *config.Config, srv *relay.Server) (*discovery.Advertiser, error) {
	tcp, ok := srv.Address().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected listener address %v", srv.Address())
	}
	return discovery.Advertise(discovery.Config{
		Service:   cfg.Discovery.Service,
		Domain:    cfg.Discovery.Domain,
		Instance:  cfg.Discovery.Instance,
		Port:      tcp.Port,
		WebSocket: srv.WebSocketURL(),
	})
}
