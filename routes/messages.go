package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/hpwn/hackmudchat/internal/ingest"
	"github.com/hpwn/hackmudchat/internal/poller"
	"github.com/hpwn/hackmudchat/internal/storage"
)

const (
	defaultMessagesLimit = 50
	maxMessagesLimit     = 100
)

type messagesEnvelope struct {
	Items        []poller.Message `json:"items"`
	NextBeforeTS *int64           `json:"next_before_ts,omitempty"`
}

func SetupMessageRoutes(r *mux.Router) {
	r.HandleFunc("/api/messages", handleGetRecentMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/export", handleExportMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/purge", handlePurgeMessages).Methods(http.MethodPost)
}

func handleGetRecentMessages(w http.ResponseWriter, r *http.Request) {
	if chatStore == nil {
		http.Error(w, "storage not initialized", http.StatusServiceUnavailable)
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts, err := parseFilters(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// One extra row tells us whether another page exists.
	opts.Limit = limit + 1

	messages, err := chatStore.GetRecent(r.Context(), opts)
	if err != nil {
		routeLogger.Error("storage: get recent failed", "error", err)
		http.Error(w, "failed to fetch messages", http.StatusInternalServerError)
		return
	}

	var nextBefore *int64
	if len(messages) > limit {
		messages = messages[:limit]
		oldest := messages[len(messages)-1].Timestamp.UTC().UnixMilli()
		nextBefore = &oldest
	}

	items := make([]poller.Message, 0, len(messages))
	for _, msg := range messages {
		items = append(items, ingest.FromStorage(msg))
	}

	writeJSON(w, http.StatusOK, messagesEnvelope{Items: items, NextBeforeTS: nextBefore})
}

// parseFilters reads since_ts, before_ts, user and channel into query
// options. Timestamps are unix milliseconds.
func parseFilters(r *http.Request) (storage.QueryOpts, error) {
	q := r.URL.Query()

	since, err := parseCursor(q.Get("since_ts"), "since_ts")
	if err != nil {
		return storage.QueryOpts{}, err
	}
	before, err := parseCursor(q.Get("before_ts"), "before_ts")
	if err != nil {
		return storage.QueryOpts{}, err
	}
	if since != nil && before != nil {
		return storage.QueryOpts{}, errors.New("since_ts and before_ts are mutually exclusive")
	}

	opts := storage.QueryOpts{SinceTS: since, BeforeTS: before}
	if user := strings.TrimSpace(q.Get("user")); user != "" {
		opts.Recipient = &user
	}
	if channel := strings.TrimSpace(q.Get("channel")); channel != "" {
		opts.Channel = &channel
	}
	return opts, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultMessagesLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid limit")
	}
	if limit <= 0 {
		return 0, errors.New("limit must be positive")
	}
	if limit > maxMessagesLimit {
		limit = maxMessagesLimit
	}
	return limit, nil
}

func parseCursor(raw, param string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return nil, fmt.Errorf("invalid %s", param)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

func sortNewestFirst(msgs []poller.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp > msgs[j].Timestamp
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		routeLogger.Warn("http: encode response failed", "error", err)
	}
}
