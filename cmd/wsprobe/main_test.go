package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/hpwn/hackmudchat/internal/poller"
	"github.com/hpwn/hackmudchat/internal/ws"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("HACKMUD_WS_URL", "")

	opts, err := parseFlags([]string{"--users", "alice,bob", "--limit", "3"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.wsURL != "ws://localhost:8080/ws/chat" {
		t.Fatalf("unexpected default url %q", opts.wsURL)
	}
	if len(opts.users) != 2 || opts.limit != 3 {
		t.Fatalf("unexpected options %+v", opts)
	}

	if _, err := parseFlags([]string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
	if _, err := parseFlags([]string{"--bogus"}); err == nil {
		t.Fatalf("expected error for unknown flag")
	}
}

func TestDialURL(t *testing.T) {
	got, err := dialURL("ws://host:1/ws/chat", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("dialURL: %v", err)
	}
	if got != "ws://host:1/ws/chat?users=alice%2Cbob" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestDecodeFrameRejectsUnknownType(t *testing.T) {
	if _, err := decodeFrame([]byte(`{"type":"nope","messages":[]}`)); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := decodeFrame([]byte(`not json`)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFormatMessage(t *testing.T) {
	line := formatMessage(ws.FrameBatch, poller.Message{Timestamp: 0, Sender: "bob", Recipient: "alice", Body: "hi"})
	if line != "batch [tell] 00:00:00 bob -> alice: hi" {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestRunPrintsFramesUntilLimit(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("users") != "alice" {
			http.Error(w, "missing users", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		history, _ := ws.Encode(ws.FrameHistory, []poller.Message{
			{ID: "2", Timestamp: 2000, Sender: "bob", Recipient: "alice", Channel: "0000", Body: "second"},
			{ID: "1", Timestamp: 1000, Sender: "bob", Recipient: "alice", Channel: "0000", Body: "first"},
		})
		batch, _ := ws.Encode(ws.FrameBatch, []poller.Message{
			{ID: "3", Timestamp: 3000, Sender: "carol", Recipient: "alice", Body: "third"},
		})
		_ = conn.WriteMessage(websocket.TextMessage, history)
		_ = conn.WriteMessage(websocket.TextMessage, batch)
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	var out bytes.Buffer
	opts := options{
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		users:    []string{"alice"},
		limit:    3,
		timeout:  5 * time.Second,
		maxBytes: 1 << 16,
	}
	if err := run(opts, &out, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("run: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", out.String())
	}
	if !strings.HasSuffix(lines[0], "first") || !strings.HasSuffix(lines[1], "second") || !strings.HasSuffix(lines[2], "third") {
		t.Fatalf("unexpected output order %q", lines)
	}
	if !strings.HasPrefix(lines[2], "batch [tell]") {
		t.Fatalf("expected tell formatting, got %q", lines[2])
	}
}
