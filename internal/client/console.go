package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/postalsys/muti-relay/internal/filetransfer"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/recovery"
	"github.com/postalsys/muti-relay/internal/ui"
)

var consoleHelp = []ui.HelpEntry{
	{Usage: "<text>", Description: "send a message to everyone"},
	{Usage: "@<user> <text>", Description: "send a private message"},
	{Usage: "/send <path>", Description: "send a file to everyone"},
	{Usage: "/help", Description: "show this help"},
	{Usage: "/quit", Description: "leave the chat"},
}

// Console is the interactive chat front end. It renders events from the
// receive loop and turns input lines into sends.
type Console struct {
	client *Client
	in     io.Reader
	out    io.Writer

	mu        sync.Mutex
	inlineBar bool // a progress line without a trailing newline is on screen
}

// NewConsole creates a console for a connected client.
func NewConsole(c *Client, in io.Reader, out io.Writer) *Console {
	return &Console{client: c, in: in, out: out}
}

// Run receives and reads input until the user quits (nil), input ends (nil),
// the server goes away (an error wrapping ErrDisconnected) or ctx is done.
// The client is closed on return.
func (con *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	con.println(ui.Success.Render(fmt.Sprintf("Connected to %s as %s", con.client.Endpoint(), displayName(con.client.Username()))))
	con.print(ui.Help("Chat commands", consoleHelp))

	recvErr := make(chan error, 1)
	go func() {
		defer recovery.RecoverWithCallback(con.client.logger, "receive loop", func(r any) {
			recvErr <- fmt.Errorf("receive loop: %v", r)
		})
		recvErr <- con.client.Run(ctx, con.Show)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(con.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	leave := func() error {
		con.client.Close()
		return <-recvErr
	}

	for {
		select {
		case err := <-recvErr:
			con.client.Close()
			if err != nil {
				con.errorf("connection lost: %v", err)
			}
			return err

		case line, ok := <-lines:
			if !ok {
				return leave()
			}
			quit, err := con.Execute(ctx, line)
			if err != nil {
				con.errorf("connection lost: %v", err)
				leave()
				return err
			}
			if quit {
				con.println(ui.Muted.Render("leaving the chat"))
				return leave()
			}

		case <-ctx.Done():
			leave()
			return ctx.Err()
		}
	}
}

// Execute handles one input line and reports whether the user asked to quit.
// Only transport failures are returned as errors; everything else is
// reported on the console.
func (con *Console) Execute(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	switch strings.ToLower(line) {
	case "/quit", "/exit", "exit":
		return true, nil
	case "/help":
		con.print(ui.Help("Chat commands", consoleHelp))
		return false, nil
	}

	if !strings.HasPrefix(line, "/") {
		if err := con.client.SendText(line); err != nil {
			return false, err
		}
		return false, nil
	}

	cmd, args, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "/send":
		return false, con.sendFile(ctx, args)
	default:
		con.errorf("unknown command %q, type /help for the list", cmd)
		return false, nil
	}
}

func (con *Console) sendFile(ctx context.Context, args string) error {
	path := filetransfer.TrimPathArg(args)
	if path == "" {
		con.errorf("usage: /send <path>")
		return nil
	}

	con.println(ui.Muted.Render(fmt.Sprintf("sending %s", path)))
	res, err := con.client.SendFile(ctx, path, con.showProgress)
	if err != nil {
		con.endProgress()
		if isTransportError(err) {
			return err
		}
		con.errorf("file send failed: %v", err)
		return nil
	}

	con.println(ui.Success.Render(fmt.Sprintf("sent %s (%s, %d chunks, %s)",
		res.Filename, filetransfer.FormatSize(res.Bytes), res.Chunks, res.Elapsed.Round(time.Millisecond))))
	return nil
}

// Show renders one receive loop event.
func (con *Console) Show(ev Event) {
	switch ev.Type {
	case EventMessage:
		con.println(ev.Text)
	case EventPrivate:
		con.println(ui.Private.Render(ev.Text))
	case EventJoin, EventLeave:
		con.println(ui.Notice.Render("* " + ev.Text))
	case EventError:
		con.println(ui.Error.Render("[error] " + ev.Text))
	case EventFileStarted:
		s := ev.Session
		from := s.Peer
		if from == "" {
			from = "unknown sender"
		}
		con.println(ui.Title.Render(fmt.Sprintf("Receiving %s from %s (%s)",
			s.Filename, from, filetransfer.FormatSize(s.ExpectedSize))))
	case EventFileProgress:
		con.showProgress(ev.Progress)
	case EventFileReceived:
		r := ev.Result
		con.println(ui.Success.Render(fmt.Sprintf("File received: %s", r.Filename)))
		con.println(fmt.Sprintf("  saved to: %s", r.StoredPath))
		con.println(fmt.Sprintf("  size:     %s in %d chunks", filetransfer.FormatSize(r.Bytes), r.Chunks))
		if secs := r.Elapsed.Seconds(); secs > 0 {
			con.println(fmt.Sprintf("  time:     %s (%s)", r.Elapsed.Round(time.Millisecond),
				filetransfer.FormatSpeed(float64(r.Bytes)/secs)))
		}
		if !r.ChecksumOK {
			con.println(ui.Error.Render("  checksum mismatch, the file may be corrupt"))
		}
	case EventFileFailed:
		con.errorf("file %s interrupted: %v", ev.Session.Filename, ev.Err)
	}
}

func (con *Console) showProgress(p filetransfer.Progress) {
	con.mu.Lock()
	defer con.mu.Unlock()
	fmt.Fprintf(con.out, "\r%s", p.String())
	con.inlineBar = !p.Done
	if p.Done {
		fmt.Fprintln(con.out)
	}
}

func (con *Console) endProgress() {
	con.mu.Lock()
	defer con.mu.Unlock()
	if con.inlineBar {
		fmt.Fprintln(con.out)
		con.inlineBar = false
	}
}

func (con *Console) print(s string) {
	con.mu.Lock()
	defer con.mu.Unlock()
	if con.inlineBar {
		fmt.Fprintln(con.out)
		con.inlineBar = false
	}
	fmt.Fprint(con.out, s)
}

func (con *Console) println(s string) {
	con.print(s + "\n")
}

func (con *Console) errorf(format string, args ...any) {
	con.println(ui.Error.Render(fmt.Sprintf(format, args...)))
}

func displayName(username string) string {
	if username == "" {
		return "(assigned by server)"
	}
	return username
}

func isTransportError(err error) bool {
	return errors.Is(err, ErrClosed) || protocol.IsClosed(err) || protocol.IsTimeout(err)
}
