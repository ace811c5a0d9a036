package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/muti-relay/internal/filetransfer"
	"github.com/postalsys/muti-relay/internal/history"
	"github.com/postalsys/muti-relay/internal/ui"
)

func historyCmd(flags *globalFlags) *cobra.Command {
	var (
		dataDir  string
		limit    int
		sessions bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded transfers and sessions",
		Long:  "Display the transfer history ledger kept by a server with history enabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if dataDir == "" {
				dataDir = cfg.History.DataDir
			}

			dbPath := filepath.Join(dataDir, history.DefaultDBFileName)
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("no history at %s (enable history in the server config)", dbPath)
			}

			store, err := history.OpenPath(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if sessions {
				list, err := store.ListSessions(limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(os.Stdout, list)
				}
				printSessions(os.Stdout, list)
				return nil
			}

			list, err := store.ListTransfers(limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(os.Stdout, list)
			}
			printTransfers(os.Stdout, list)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "History directory (default history.data_dir)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show, 0 for all")
	cmd.Flags().BoolVarP(&sessions, "sessions", "s", false, "Show sessions instead of transfers")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	return cmd
}

func printTransfers(w io.Writer, list []history.Transfer) {
	fmt.Fprintln(w, ui.Title.Render(fmt.Sprintf("Transfers (%d)", len(list))))
	if len(list) == 0 {
		fmt.Fprintln(w, ui.Muted.Render("  no transfers recorded"))
		return
	}
	for _, t := range list {
		who := t.Peer
		if t.Direction == history.DirectionOutbound {
			to := t.Recipient
			if to == "" {
				to = "all"
			}
			who = "to " + to
		}
		fmt.Fprintf(w, "  %-9s %-24s %-12s %10s  %s\n",
			t.Status, t.Filename, who, filetransfer.FormatSize(t.Bytes),
			ui.Muted.Render(humanize.Time(t.StartedAt)))
		if t.ChecksumOK != nil && !*t.ChecksumOK {
			fmt.Fprintln(w, ui.Error.Render("            checksum mismatch"))
		}
	}
}

func printSessions(w io.Writer, list []history.Session) {
	fmt.Fprintln(w, ui.Title.Render(fmt.Sprintf("Sessions (%d)", len(list))))
	if len(list) == 0 {
		fmt.Fprintln(w, ui.Muted.Render("  no sessions recorded"))
		return
	}
	for _, s := range list {
		fmt.Fprintf(w, "  %-16s %-22s %-4s %10s  %s\n",
			s.Username, s.RemoteAddr, s.Transport,
			s.Duration().Round(time.Second).String(),
			ui.Muted.Render(humanize.Time(s.JoinedAt)))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
