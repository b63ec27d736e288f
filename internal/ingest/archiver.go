// Package ingest writes delivered chat batches into an archive store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hpwn/hackmudchat/internal/logging"
	"github.com/hpwn/hackmudchat/internal/metrics"
	"github.com/hpwn/hackmudchat/internal/poller"
	"github.com/hpwn/hackmudchat/internal/storage"
)

// Config tunes retrying of failed writes.
type Config struct {
	Attempts    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

// Archiver stores every batch it is handed. Its Handle method is meant to
// be registered as a poller subscription.
type Archiver struct {
	store storage.Store
	cfg   Config
}

// NewArchiver returns an Archiver writing to store.
func NewArchiver(store storage.Store, cfg Config) *Archiver {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}
	if cfg.BackoffBase > cfg.BackoffMax {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Archiver{store: store, cfg: cfg}
}

// Handle converts batch and inserts it, retrying with exponential backoff.
// The returned error is the last insert failure.
func (a *Archiver) Handle(ctx context.Context, batch []poller.Message) error {
	if len(batch) == 0 {
		return nil
	}
	logger := a.cfg.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}

	msgs := make([]storage.Message, 0, len(batch))
	for _, m := range batch {
		msgs = append(msgs, ToStorage(m))
	}

	backoff := a.cfg.BackoffBase
	var err error
	for attempt := 1; attempt <= a.cfg.Attempts; attempt++ {
		if err = a.store.InsertMessages(ctx, msgs); err == nil {
			return nil
		}
		logger.Warn("ingest: archive insert failed",
			slog.Int("attempt", attempt),
			slog.Int("messages", len(msgs)),
			slog.Any("error", err))
		if attempt == a.cfg.Attempts || !a.sleep(ctx, backoff) {
			break
		}
		backoff = nextBackoff(backoff, a.cfg.BackoffBase, a.cfg.BackoffMax)
	}
	metrics.ArchiveErrors.Inc()
	return fmt.Errorf("ingest: archive %d messages: %w", len(msgs), err)
}

// ToStorage converts a delivered message to its archived form.
func ToStorage(m poller.Message) storage.Message {
	raw, _ := json.Marshal(m)
	return storage.Message{
		ID:        m.ID,
		Timestamp: time.UnixMilli(m.Timestamp).UTC(),
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Channel:   m.Channel,
		Body:      m.Body,
		RawJSON:   string(raw),
	}
}

// FromStorage converts an archived message back to the delivered form.
func FromStorage(m storage.Message) poller.Message {
	return poller.Message{
		ID:        m.ID,
		Timestamp: m.Timestamp.UnixMilli(),
		Sender:    m.Sender,
		Body:      m.Body,
		Recipient: m.Recipient,
		Channel:   m.Channel,
	}
}

func nextBackoff(cur, base, max time.Duration) time.Duration {
	if cur < base {
		return base
	}
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (a *Archiver) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-a.cfg.Clock.After(d):
		return true
	}
}
