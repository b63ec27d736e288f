package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/hpwn/hackmudchat/internal/ingest"
	"github.com/hpwn/hackmudchat/internal/logging"
	"github.com/hpwn/hackmudchat/internal/metrics"
	"github.com/hpwn/hackmudchat/internal/poller"
	"github.com/hpwn/hackmudchat/internal/storage"
	"github.com/hpwn/hackmudchat/internal/ws"
)

// Relay registers per-connection subscriptions with the poller.
type Relay interface {
	Subscribe(h poller.Handler, users ...string) int
	Unsubscribe(pos int) bool
}

// Sender posts outbound chats.
type Sender interface {
	Send(ctx context.Context, username, channel, msg string) error
	Tell(ctx context.Context, username, recipient, msg string) error
}

// WebsocketLimits holds the relay connection tuning knobs.
type WebsocketLimits struct {
	PingInterval  time.Duration
	PongWait      time.Duration
	WriteDeadline time.Duration
	MaxMessage    int64
	// History is how many archived messages are replayed on connect.
	History int
}

// Deps are the collaborators shared by every route.
type Deps struct {
	Store          storage.Store
	Relay          Relay
	Sender         Sender
	AllowedOrigins []string
	Websocket      WebsocketLimits
	Logger         *slog.Logger
}

var (
	chatStore   storage.Store
	chatRelay   Relay
	chatSender  Sender
	wsLimits    WebsocketLimits
	routeLogger = logging.Logger

	originsMu      sync.RWMutex
	allowedOrigins map[string]struct{}
)

var errSlowConsumer = errors.New("relay: client too slow, batch dropped")

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// InitRoutes installs the shared collaborators. Store may be nil when
// archiving is disabled; history and message endpoints then report 503.
func InitRoutes(d Deps) {
	chatStore = d.Store
	chatRelay = d.Relay
	chatSender = d.Sender
	wsLimits = withLimitDefaults(d.Websocket)
	routeLogger = logging.OrDefault(d.Logger).With(slog.String("component", "routes"))
	SetAllowedOrigins(d.AllowedOrigins)
}

func withLimitDefaults(l WebsocketLimits) WebsocketLimits {
	if l.PingInterval <= 0 {
		l.PingInterval = 25 * time.Second
	}
	if l.PongWait <= 0 {
		l.PongWait = 30 * time.Second
	}
	if l.WriteDeadline <= 0 {
		l.WriteDeadline = 5 * time.Second
	}
	if l.MaxMessage <= 0 {
		l.MaxMessage = 131072
	}
	if l.History < 0 {
		l.History = 0
	}
	return l
}

// SetAllowedOrigins restricts websocket upgrades to the given origins.
// An empty list allows any origin.
func SetAllowedOrigins(origins []string) {
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	originsMu.Lock()
	allowedOrigins = set
	originsMu.Unlock()
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originsMu.RLock()
	defer originsMu.RUnlock()
	if len(allowedOrigins) == 0 {
		return true
	}
	_, ok := allowedOrigins[strings.ToLower(origin)]
	return ok
}

// StreamChat upgrades to a websocket, replays recent history and then
// relays every polled batch scoped to the ?users= recipients.
func StreamChat(w http.ResponseWriter, r *http.Request) {
	if chatRelay == nil {
		http.Error(w, "relay not initialized", http.StatusServiceUnavailable)
		return
	}
	users := parseCSV(r.URL.Query().Get("users"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		routeLogger.Warn("ws: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	logger := routeLogger.With(slog.String("conn_id", uuid.NewString()))
	metrics.RelayConnections.Inc()
	defer metrics.RelayConnections.Dec()
	logger.Info("ws: client connected", slog.Any("users", users), slog.String("remote", r.RemoteAddr))

	done := make(chan struct{})
	out := make(chan []poller.Message, 64)

	// Subscribing before reading history leaves no gap; batches queued in
	// between are deduplicated against the history frame by writeLoop.
	pos := chatRelay.Subscribe(func(_ context.Context, batch []poller.Message) error {
		if len(batch) == 0 {
			return nil
		}
		select {
		case out <- batch:
			return nil
		case <-done:
			return nil
		default:
			return errSlowConsumer
		}
	}, users...)
	defer chatRelay.Unsubscribe(pos)

	conn.SetReadLimit(wsLimits.MaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsLimits.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsLimits.PongWait))
	})

	sent, err := writeHistory(r.Context(), conn, users)
	if err != nil {
		logger.Warn("ws: history write failed", slog.Any("error", err))
		return
	}

	go writeLoop(conn, out, done, sent, logger)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Info("ws: read error, closing connection", slog.Any("error", err))
			}
			close(done)
			break
		}
	}
	logger.Info("ws: client disconnected")
}

// writeLoop drains queued batches, dropping messages already sent in the
// history frame, and keeps the connection alive with pings.
func writeLoop(conn *websocket.Conn, out <-chan []poller.Message, done <-chan struct{}, sent map[string]struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(wsLimits.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case batch := <-out:
			batch = withoutSent(batch, sent)
			if len(batch) == 0 {
				continue
			}
			payload, err := ws.Encode(ws.FrameBatch, batch)
			if err != nil {
				logger.Warn("ws: encode failed", slog.Any("error", err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsLimits.WriteDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Warn("ws: write failed", slog.Any("error", err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsLimits.WriteDeadline)); err != nil {
				logger.Warn("ws: ping failed", slog.Any("error", err))
				_ = conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func withoutSent(batch []poller.Message, sent map[string]struct{}) []poller.Message {
	if len(sent) == 0 {
		return batch
	}
	out := batch[:0:0]
	for _, m := range batch {
		if _, dup := sent[m.ID]; !dup {
			out = append(out, m)
		}
	}
	return out
}

// writeHistory sends the archived tail as one history frame and returns
// the IDs it contained. Nothing is written when archiving is disabled or
// History is zero.
func writeHistory(ctx context.Context, conn *websocket.Conn, users []string) (map[string]struct{}, error) {
	if chatStore == nil || wsLimits.History == 0 {
		return nil, nil
	}
	history, err := recentFor(ctx, users, wsLimits.History)
	if err != nil {
		routeLogger.Warn("storage: failed to read history", slog.Any("error", err))
		return nil, nil
	}
	payload, err := ws.Encode(ws.FrameHistory, history)
	if err != nil {
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsLimits.WriteDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, err
	}

	sent := make(map[string]struct{}, len(history))
	for _, m := range history {
		sent[m.ID] = struct{}{}
	}
	return sent, nil
}

// recentFor returns the newest limit archived messages addressed to any
// of users, or to anyone when users is empty.
func recentFor(ctx context.Context, users []string, limit int) ([]poller.Message, error) {
	var stored []storage.Message
	if len(users) == 0 {
		msgs, err := chatStore.GetRecent(ctx, storage.QueryOpts{Limit: limit})
		if err != nil {
			return nil, err
		}
		stored = msgs
	} else {
		for _, u := range users {
			recipient := u
			msgs, err := chatStore.GetRecent(ctx, storage.QueryOpts{Limit: limit, Recipient: &recipient})
			if err != nil {
				return nil, err
			}
			stored = append(stored, msgs...)
		}
	}

	out := make([]poller.Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, ingest.FromStorage(m))
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func parseCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// SetupChatRoutes sets up WebSocket routes
func SetupChatRoutes(router *mux.Router) {
	router.HandleFunc("/ws/chat", StreamChat).Methods(http.MethodGet)
}
