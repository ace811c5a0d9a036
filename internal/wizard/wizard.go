// Package wizard provides the interactive setup wizard and connection
// prompts for Muti Relay.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/muti-relay/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds everything the setup wizard asks for.
type Answers struct {
	ServerAddress    string
	FilesDir         string
	WebSocket        bool
	WebSocketAddress string
	WebSocketPath    string
	ClientAddress    string
	Username         string
	DownloadDir      string
	RateLimit        string
	Health           bool
	Discovery        bool
	History          bool
	LogLevel         string
}

// defaultAnswers seeds the prompts from the built-in defaults.
func defaultAnswers() Answers {
	d := config.Default()
	return Answers{
		ServerAddress:    d.Server.Address,
		FilesDir:         d.Server.FilesDir,
		WebSocketAddress: d.Server.WebSocket.Address,
		WebSocketPath:    d.Server.WebSocket.Path,
		ClientAddress:    d.Client.Address,
		DownloadDir:      d.Client.DownloadDir,
		LogLevel:         d.Log.Level,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the setup wizard and writes the configuration to configPath.
func (w *Wizard) Run(configPath string) (*Result, error) {
	w.printBanner()

	a := defaultAnswers()

	if err := w.askServer(&a); err != nil {
		return nil, err
	}
	if err := w.askClient(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg := BuildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  __  __       _   _   ____      _
 |  \/  |_   _| |_(_) |  _ \ ___| | __ _ _   _
 | |\/| | | | | __| | | |_) / _ \ |/ _' | | | |
 | |  | | |_| | |_| | |  _ <  __/ | (_| | |_| |
 |_|  |_|\__,_|\__|_| |_| \_\___|_|\__,_|\__, |
                                         |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Chat and File Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askServer(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay Server").
				Description("Where the server listens and stores uploaded files."),

			huh.NewInput().
				Title("Listen Address").
				Description("TCP address for clients (host:port)").
				Placeholder("127.0.0.1:8888").
				Value(&a.ServerAddress).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Files Directory").
				Description("Uploads are stored here as <sender>_<filename>").
				Placeholder("received").
				Value(&a.FilesDir).
				Validate(required("files directory")),

			huh.NewConfirm().
				Title("Enable WebSocket listener?").
				Description("Lets clients connect through HTTP proxies").
				Value(&a.WebSocket),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if !a.WebSocket {
		return nil
	}

	wsForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("WebSocket Address").
				Placeholder("127.0.0.1:8889").
				Value(&a.WebSocketAddress).
				Validate(validateHostPort),

			huh.NewInput().
				Title("WebSocket Path").
				Placeholder("/relay").
				Value(&a.WebSocketPath).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "/") {
						return fmt.Errorf("path must start with /")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return wsForm.Run()
}

func (w *Wizard) askClient(a *Answers) error {
	a.ClientAddress = a.ServerAddress

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Client Defaults").
				Description("Used by 'muti-relay client' when no arguments are given."),

			huh.NewInput().
				Title("Server Address").
				Description("host:port or ws://host:port/path").
				Value(&a.ClientAddress).
				Validate(required("server address")),

			huh.NewInput().
				Title("Username").
				Description("Leave empty to be asked when connecting").
				Value(&a.Username),

			huh.NewInput().
				Title("Download Directory").
				Placeholder("downloads").
				Value(&a.DownloadDir).
				Validate(required("download directory")),

			huh.NewInput().
				Title("Upload Rate Limit").
				Description("e.g. 512KB or 2MiB per second, empty for unlimited").
				Value(&a.RateLimit).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return nil
					}
					_, err := config.ParseSize(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring, discovery and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /sessions, /metrics)").
				Value(&a.Health),

			huh.NewConfirm().
				Title("Advertise the server on the local network?").
				Description("mDNS lets 'muti-relay discover' find this server").
				Value(&a.Discovery),

			huh.NewConfirm().
				Title("Keep a transfer history?").
				Description("Records sessions and file transfers in SQLite").
				Value(&a.History),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns wizard answers into a configuration.
func BuildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Log.Level = a.LogLevel
	cfg.Log.Format = "text"

	cfg.Server.Address = a.ServerAddress
	cfg.Server.FilesDir = a.FilesDir
	cfg.Server.WebSocket.Enabled = a.WebSocket
	if a.WebSocket {
		cfg.Server.WebSocket.Address = a.WebSocketAddress
		cfg.Server.WebSocket.Path = a.WebSocketPath
	}

	cfg.Client.Address = a.ClientAddress
	cfg.Client.Username = strings.TrimSpace(a.Username)
	cfg.Client.DownloadDir = a.DownloadDir
	cfg.Transfer.RateLimit = strings.TrimSpace(a.RateLimit)

	cfg.Health.Enabled = a.Health
	cfg.Discovery.Enabled = a.Discovery
	cfg.History.Enabled = a.History

	return cfg
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Muti Relay Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Server:       tcp://%s\n", cfg.Server.Address)
	if ws := cfg.Server.WebSocket; ws.Enabled {
		fmt.Printf("  WebSocket:    ws://%s%s\n", ws.Address, ws.Path)
	}
	fmt.Printf("  Files dir:    %s\n", cfg.Server.FilesDir)

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}
	if cfg.History.Enabled {
		fmt.Printf("  History:      %s\n", filepath.Join(cfg.History.DataDir, "history.db"))
	}

	fmt.Println()
	fmt.Println("  To start the server:")
	fmt.Printf("    muti-relay server -c %s\n", configPath)
	fmt.Println("  To join the chat:")
	fmt.Printf("    muti-relay client -c %s\n", configPath)
	fmt.Println()
}

// Connection holds the values needed to join a server.
type Connection struct {
	Host     string
	Port     string
	Username string
}

// AskConnection prompts for whichever of host, port and username are empty.
// Nothing is shown when all three are set.
func (w *Wizard) AskConnection(conn *Connection) error {
	var fields []huh.Field

	if conn.Host == "" {
		conn.Host = "127.0.0.1"
		fields = append(fields, huh.NewInput().
			Title("Server Host").
			Description("Hostname, IP address or ws:// URL").
			Value(&conn.Host).
			Validate(required("host")))
	}
	if conn.Port == "" && !strings.Contains(conn.Host, "://") {
		conn.Port = "8888"
		fields = append(fields, huh.NewInput().
			Title("Server Port").
			Value(&conn.Port).
			Validate(validatePort))
	}
	if conn.Username == "" {
		fields = append(fields, huh.NewInput().
			Title("Username").
			Description("Leave empty to get an assigned name").
			Value(&conn.Username))
	}

	if len(fields) == 0 {
		return nil
	}

	err := huh.NewForm(huh.NewGroup(fields...)).WithTheme(w.theme).Run()
	conn.Username = strings.TrimSpace(conn.Username)
	return err
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, port, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	} else if err := validatePort(port); err != nil {
		return err
	}
	return nil
}

func validatePort(s string) error {
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("port must be a number between 0 and 65535")
	}
	return nil
}
