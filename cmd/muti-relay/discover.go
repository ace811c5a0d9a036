package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/muti-relay/internal/discovery"
	"github.com/postalsys/muti-relay/internal/ui"
)

func discoverCmd(flags *globalFlags) *cobra.Command {
	var (
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find relay servers on the local network",
		Long:  "Browse mDNS for relay servers advertising themselves on the local network.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = cfg.Discovery.BrowseTimeout
			}

			servers, err := discovery.Browse(context.Background(), discovery.Config{
				Service:     cfg.Discovery.Service,
				Domain:      cfg.Discovery.Domain,
				ScanTimeout: timeout,
			})
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(os.Stdout, servers)
			}

			if len(servers) == 0 {
				fmt.Println(ui.Muted.Render("No relay servers found."))
				return nil
			}

			fmt.Println(ui.Title.Render(fmt.Sprintf("Relay servers (%d)", len(servers))))
			for _, s := range servers {
				fmt.Printf("  %-24s %s\n", s.Instance, s.Address())
				if s.WebSocket != "" {
					fmt.Printf("  %-24s %s\n", "", ui.Muted.Render(s.WebSocket))
				}
			}
			fmt.Println()
			fmt.Println("Join one with:")
			host, port := splitAddress(servers[0].Address())
			fmt.Printf("  muti-relay client %s %s\n", host, port)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "How long to listen for answers (default discovery.browse_timeout)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	return cmd
}
