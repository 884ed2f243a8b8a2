// Command chatcli is a terminal client for the chat relay. With -history it
// prints the recent message history as a table; otherwise it joins the live
// chat, sending each stdin line as a message and printing every broadcast.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/olekukonko/tablewriter"
	"github.com/tidwall/gjson"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

type options struct {
	server  string
	origin  string
	user    string
	history bool
	colours bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatcli: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:5000", "relay base URL")
	flag.StringVar(&opts.origin, "origin", "http://localhost:3000", "Origin header to present")
	flag.StringVar(&opts.user, "user", defaultUser(), "display name for sent messages")
	flag.BoolVar(&opts.history, "history", false, "print recent history and exit")
	flag.BoolVar(&opts.colours, "colour", true, "colourise output")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.history {
		msgs, err := fetchHistory(ctx, opts)
		if err != nil {
			return err
		}
		renderHistory(os.Stdout, msgs)
		return nil
	}
	return chatLoop(ctx, opts, os.Stdin, os.Stdout)
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "guest"
}

func fetchHistory(ctx context.Context, opts options) ([]chat.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(opts.server, "/")+"/api/messages", http.NoBody)
	if err != nil {
		return nil, err
	}
	if opts.origin != "" {
		req.Header.Set("Origin", opts.origin)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch history: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var msgs []chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}

func renderHistory(w io.Writer, msgs []chat.Message) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Time", "User", "Text"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, m := range msgs {
		table.Append([]string{m.ID, m.Timestamp.Local().Format(time.DateTime), m.User, m.Text})
	}
	table.Render()
}

func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func chatLoop(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	wsURL, err := websocketURL(opts.server)
	if err != nil {
		return err
	}

	header := http.Header{}
	if opts.origin != "" {
		header.Set("Origin", opts.origin)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer func() { _ = conn.Close() }()

	p := printer{out: out, colours: opts.colours}
	p.status(fmt.Sprintf("connected to %s as %s", wsURL, opts.user))

	readErr := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			p.frame(raw)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return closeGracefully(conn)
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.status("server closed the connection")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		case line, ok := <-lines:
			if !ok {
				return closeGracefully(conn)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			frame, err := chat.EncodeSend(opts.user, line)
			if err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

func closeGracefully(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

type printer struct {
	out     io.Writer
	colours bool
}

func (p printer) paint(style color.Style, s string) string {
	if !p.colours {
		return s
	}
	return style.Render(s)
}

func (p printer) status(s string) {
	_, _ = fmt.Fprintln(p.out, p.paint(color.New(color.FgGray), "* "+s))
}

// frame prints one server frame. Unknown events are shown raw.
func (p printer) frame(raw []byte) {
	switch gjson.GetBytes(raw, "event").String() {
	case chat.EventReceiveMessage:
		var m chat.Message
		if err := json.Unmarshal([]byte(gjson.GetBytes(raw, "data").Raw), &m); err != nil {
			p.status("unreadable message: " + err.Error())
			return
		}
		_, _ = fmt.Fprintln(p.out, p.formatMessage(m))
	case chat.EventError:
		reason := gjson.GetBytes(raw, "data.error").String()
		_, _ = fmt.Fprintln(p.out, p.paint(color.New(color.FgRed), "! "+reason))
	default:
		p.status(string(raw))
	}
}

func (p printer) formatMessage(m chat.Message) string {
	when := p.paint(color.New(color.FgGray), m.Timestamp.Local().Format(time.TimeOnly))
	user := p.paint(color.New(color.FgCyan, color.OpBold), m.User)
	return fmt.Sprintf("[%s] %s: %s", when, user, m.Text)
}
