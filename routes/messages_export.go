package routes

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hpwn/hackmudchat/internal/storage"
)

const (
	defaultExportLimit = 1000
	maxExportLimit     = 100000
)

type exportRecord struct {
	ID        string `json:"id"`
	Timestamp string `json:"ts"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	Body      string `json:"body"`
	RawJSON   string `json:"raw_json"`
}

func toExportRecord(msg storage.Message) exportRecord {
	return exportRecord{
		ID:        msg.ID,
		Timestamp: msg.Timestamp.UTC().Format(time.RFC3339Nano),
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Channel:   msg.Channel,
		Body:      msg.Body,
		RawJSON:   msg.RawJSON,
	}
}

func parseExportLimit(raw string) (int, error) {
	if raw == "" {
		return defaultExportLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("invalid limit")
	}
	if limit > maxExportLimit {
		limit = maxExportLimit
	}
	return limit, nil
}

func handleExportMessages(w http.ResponseWriter, r *http.Request) {
	if chatStore == nil {
		http.Error(w, "storage not initialized", http.StatusServiceUnavailable)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "ndjson"
	}
	if format != "ndjson" && format != "csv" {
		http.Error(w, "unsupported format", http.StatusBadRequest)
		return
	}

	limit, err := parseExportLimit(r.URL.Query().Get("limit"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts, err := parseFilters(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts.Limit = limit

	messages, err := chatStore.GetRecent(r.Context(), opts)
	if err != nil {
		http.Error(w, "failed to fetch messages", http.StatusInternalServerError)
		return
	}

	switch format {
	case "ndjson":
		w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		for _, msg := range messages {
			if err := enc.Encode(toExportRecord(msg)); err != nil {
				return
			}
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		writer := csv.NewWriter(w)
		if err := writer.Write([]string{"id", "ts", "sender", "recipient", "channel", "body", "raw_json"}); err != nil {
			return
		}
		for _, msg := range messages {
			rec := toExportRecord(msg)
			row := []string{rec.ID, rec.Timestamp, rec.Sender, rec.Recipient, rec.Channel, rec.Body, rec.RawJSON}
			if err := writer.Write(row); err != nil {
				return
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			routeLogger.Warn("export: csv flush failed", "error", err)
		}
	}
}

func handlePurgeMessages(w http.ResponseWriter, r *http.Request) {
	if chatStore == nil {
		http.Error(w, "storage not initialized", http.StatusServiceUnavailable)
		return
	}

	var payload struct {
		BeforeTS int64 `json:"before_ts"`
		All      bool  `json:"all"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if payload.All {
		if err := chatStore.PurgeAll(r.Context()); err != nil {
			http.Error(w, "failed to purge", http.StatusInternalServerError)
			return
		}
		routeLogger.Info("storage: purged all messages")
		writeJSON(w, http.StatusOK, map[string]bool{"purged": true})
		return
	}

	if payload.BeforeTS <= 0 {
		http.Error(w, "before_ts required", http.StatusBadRequest)
		return
	}

	cutoff := time.UnixMilli(payload.BeforeTS).UTC()
	deleted, err := chatStore.PurgeBefore(r.Context(), cutoff)
	if err != nil {
		http.Error(w, "failed to purge", http.StatusInternalServerError)
		return
	}
	routeLogger.Info("storage: purged messages", "before", cutoff, "deleted", deleted)

	writeJSON(w, http.StatusOK, struct {
		Deleted int64 `json:"deleted"`
	}{Deleted: deleted})
}
