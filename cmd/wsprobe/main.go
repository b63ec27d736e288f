// Command wsprobe connects to a hackmudchat relay and prints what arrives.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/hpwn/hackmudchat/internal/logging"
	"github.com/hpwn/hackmudchat/internal/poller"
	"github.com/hpwn/hackmudchat/internal/ws"
)

type options struct {
	wsURL    string
	users    []string
	limit    int
	timeout  time.Duration
	pongWait time.Duration
	maxBytes int64
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "wsprobe:", err)
		os.Exit(2)
	}

	logger := logging.InitWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")
	if err := run(opts, os.Stdout, logger); err != nil {
		logger.Error("wsprobe: failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("wsprobe", pflag.ContinueOnError)
	fs.StringVar(&opts.wsURL, "ws-url", "", "relay endpoint (default ws://localhost:8080/ws/chat)")
	fs.StringSliceVar(&opts.users, "users", nil, "only receive chats for these users")
	fs.IntVar(&opts.limit, "limit", 0, "stop after N messages (0 = unlimited)")
	fs.DurationVar(&opts.timeout, "timeout", 90*time.Second, "maximum inactivity before exit")
	fs.DurationVar(&opts.pongWait, "pong-wait", 30*time.Second, "read deadline extended by each server ping")
	fs.Int64Var(&opts.maxBytes, "max-bytes", 131072, "largest frame accepted")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.wsURL == "" {
		opts.wsURL = strings.TrimSpace(os.Getenv("HACKMUD_WS_URL"))
	}
	if opts.wsURL == "" {
		opts.wsURL = "ws://localhost:8080/ws/chat"
	}
	if opts.timeout <= 0 {
		opts.timeout = 90 * time.Second
	}
	return opts, nil
}

// dialURL appends the users filter to base.
func dialURL(base string, users []string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid ws url: %w", err)
	}
	if len(users) > 0 {
		q := u.Query()
		q.Set("users", strings.Join(users, ","))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func run(opts options, out io.Writer, logger *slog.Logger) error {
	target, err := dialURL(opts.wsURL, opts.users)
	if err != nil {
		return err
	}
	logger.Info("wsprobe: dialing", slog.String("url", target))

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
	}
	conn, resp, err := dialer.Dial(target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (status: %s)", err, resp.Status)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(opts.maxBytes)
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait(opts)))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)
	go func() {
		if _, ok := <-interrupt; !ok {
			return
		}
		logger.Info("wsprobe: interrupt received, closing connection")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = conn.Close()
	}()

	seen := 0
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readWait(opts))); err != nil {
			return err
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.Info("wsprobe: inactivity threshold reached", slog.Duration("after", readWait(opts)))
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("read: %w", err)
			}
			logger.Info("wsprobe: connection closed", slog.Any("error", err))
			return nil
		}
		if msgType != websocket.TextMessage {
			continue
		}

		frame, err := decodeFrame(data)
		if err != nil {
			logger.Warn("wsprobe: decode error", slog.Any("error", err))
			continue
		}
		for _, m := range oldestFirst(frame.Messages) {
			fmt.Fprintln(out, formatMessage(frame.Type, m))
			seen++
			if opts.limit > 0 && seen >= opts.limit {
				return nil
			}
		}
	}
}

func readWait(opts options) time.Duration {
	if opts.pongWait > 0 && opts.pongWait < opts.timeout {
		return opts.pongWait
	}
	return opts.timeout
}

func decodeFrame(data []byte) (ws.Frame, error) {
	var frame ws.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ws.Frame{}, err
	}
	if frame.Type != ws.FrameHistory && frame.Type != ws.FrameBatch {
		return ws.Frame{}, fmt.Errorf("unknown frame type %q", frame.Type)
	}
	return frame, nil
}

func oldestFirst(msgs []poller.Message) []poller.Message {
	out := make([]poller.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

func formatMessage(frameType string, m poller.Message) string {
	where := m.Channel
	if where == "" {
		where = "tell"
	}
	ts := time.UnixMilli(m.Timestamp).UTC().Format("15:04:05")
	return fmt.Sprintf("%s [%s] %s %s -> %s: %s", frameType, where, ts, m.Sender, m.Recipient, m.Body)
}
