package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/muti-relay/internal/filetransfer"
	"github.com/postalsys/muti-relay/internal/recovery"
	"github.com/postalsys/muti-relay/internal/ui"
)

var consoleHelp = []ui.HelpEntry{
	{Usage: "/msg <text>", Description: "broadcast a message to all users"},
	{Usage: "/msg @<user> <text>", Description: "send a private message"},
	{Usage: "/send <path>", Description: "send a file to all users"},
	{Usage: "/send @<user> <path>", Description: "send a file to one user"},
	{Usage: "/list", Description: "list online users"},
	{Usage: "/user <name>", Description: "show details for one user"},
	{Usage: "/help", Description: "show this help"},
	{Usage: "/quit", Description: "stop the server"},
}

// Console reads operator commands line by line and drives the server.
type Console struct {
	srv *Server
	in  io.Reader
	out io.Writer
}

// NewConsole creates an operator console reading from in and writing to out.
func NewConsole(srv *Server, in io.Reader, out io.Writer) *Console {
	return &Console{srv: srv, in: in, out: out}
}

// Run processes commands until /quit (nil), end of input (io.EOF) or ctx is
// done.
func (c *Console) Run(ctx context.Context) error {
	defer recovery.RecoverWithLog(c.srv.logger, "operator console")

	fmt.Fprint(c.out, ui.Help("Operator commands", consoleHelp))

	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if quit := c.Execute(ctx, scanner.Text()); quit {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// Execute runs a single command line and reports whether the operator asked
// to quit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	switch strings.ToLower(cmd) {
	case "/quit", "/exit":
		c.println(ui.Muted.Render("shutting down"))
		return true
	case "/help":
		fmt.Fprint(c.out, ui.Help("Operator commands", consoleHelp))
	case "/list":
		c.list()
	case "/user":
		if args == "" {
			c.errorf("usage: /user <name>")
			return false
		}
		c.user(args)
	case "/msg":
		c.message(args)
	case "/send":
		c.sendFile(ctx, args)
	default:
		c.errorf("unknown command %q, type /help for the list", cmd)
	}
	return false
}

func (c *Console) message(args string) {
	if args == "" {
		c.errorf("usage: /msg <text> or /msg @<user> <text>")
		return
	}

	if strings.HasPrefix(args, "@") {
		target, text, ok := parseTarget(args)
		if !ok {
			c.errorf("usage: /msg @<user> <text>")
			return
		}
		if err := c.srv.Whisper(target, text); err != nil {
			c.errorf("%v", err)
			return
		}
		c.println(ui.Success.Render(fmt.Sprintf("private message sent to %s", target)))
		return
	}

	n := c.srv.Announce(args)
	c.println(ui.Success.Render(fmt.Sprintf("message sent to %d user(s)", n)))
}

func (c *Console) sendFile(ctx context.Context, args string) {
	var target, path string
	if strings.HasPrefix(args, "@") {
		var ok bool
		if target, path, ok = parseTarget(args); !ok {
			c.errorf("usage: /send @<user> <path>")
			return
		}
	} else {
		path = args
	}
	path = filetransfer.TrimPathArg(path)
	if path == "" {
		c.errorf("usage: /send <path> or /send @<user> <path>")
		return
	}

	progress := func(p filetransfer.Progress) {
		fmt.Fprintf(c.out, "\r%s", p.String())
		if p.Done {
			fmt.Fprintln(c.out)
		}
	}

	res, err := c.srv.SendFile(ctx, path, target, progress)
	if err != nil {
		c.errorf("file send failed: %v", err)
		return
	}
	c.println(ui.Success.Render(fmt.Sprintf("sent %s (%s, %d chunks) to %s",
		res.Filename, filetransfer.FormatSize(res.Bytes), res.Chunks, targetLabel(target))))
}

func (c *Console) list() {
	sessions := c.srv.Sessions()
	c.println(ui.Title.Render(fmt.Sprintf("Online users (%d)", len(sessions))))
	if len(sessions) == 0 {
		c.println(ui.Muted.Render("  nobody is online"))
		return
	}
	for i, id := range sessions {
		c.println(fmt.Sprintf("  %d. %s %s", i+1, id.Username,
			ui.Muted.Render(fmt.Sprintf("(%s via %s, joined %s)",
				id.RemoteAddr, id.Transport, humanize.Time(id.ConnectedAt)))))
	}
}

func (c *Console) user(name string) {
	e, ok := c.srv.registry.Find(name)
	if !ok {
		c.errorf("user '%s' is not online", name)
		return
	}

	c.println(ui.Title.Render("User " + e.Username))
	c.println(fmt.Sprintf("  session:   %d", e.SessionID))
	c.println(fmt.Sprintf("  address:   %s", e.RemoteAddr))
	c.println(fmt.Sprintf("  transport: %s", e.Transport))
	c.println(fmt.Sprintf("  joined:    %s (%s)", e.ConnectedAt.Format("15:04:05"), humanize.Time(e.ConnectedAt)))

	if up, ok := c.srv.Upload(e.SessionID); ok {
		p := filetransfer.Progress{Filename: up.Filename, Bytes: up.Bytes, Total: up.ExpectedSize}
		c.println(fmt.Sprintf("  uploading: %s %.1f%% (%s of %s)", up.Filename, p.Percent(),
			filetransfer.FormatSize(up.Bytes), filetransfer.FormatSize(up.ExpectedSize)))
	}
}

func (c *Console) println(s string) {
	fmt.Fprintln(c.out, s)
}

func (c *Console) errorf(format string, args ...any) {
	fmt.Fprintln(c.out, ui.Error.Render(fmt.Sprintf(format, args...)))
}

// parseTarget splits "@user rest" for operator commands.
func parseTarget(args string) (target, rest string, ok bool) {
	target, rest, found := strings.Cut(strings.TrimPrefix(args, "@"), " ")
	rest = strings.TrimSpace(rest)
	if !found || target == "" || rest == "" {
		return "", "", false
	}
	return target, rest, true
}

