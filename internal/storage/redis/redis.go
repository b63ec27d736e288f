// Package redisstore archives chat messages in a capped Redis stream.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hpwn/hackmudchat/internal/logging"
	"github.com/hpwn/hackmudchat/internal/storage"
)

const (
	DefaultStream = "hackmudChats"
	DefaultMaxLen = 10000
)

// Config configures the Redis-backed store.
type Config struct {
	Client *redis.Client
	Stream string
	MaxLen int64
	Logger *slog.Logger
}

// Store implements storage.Store using a Redis stream for messages and a
// companion set of seen message IDs.
type Store struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new Redis-backed store.
func New(cfg Config) *Store {
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &Store{
		client: cfg.Client,
		stream: stream,
		maxLen: maxLen,
		logger: logging.OrDefault(cfg.Logger).With(slog.String("component", "redis")),
	}
}

func (s *Store) idsKey() string { return s.stream + ":ids" }

// Init ensures the Redis connection is available.
func (s *Store) Init(ctx context.Context) error {
	if s.client == nil {
		return storage.ErrNotInitialized
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// InsertMessages appends messages whose IDs have not been seen before.
func (s *Store) InsertMessages(ctx context.Context, msgs []storage.Message) error {
	if s.client == nil {
		return storage.ErrNotInitialized
	}
	if len(msgs) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	added := make([]*redis.IntCmd, len(msgs))
	for i, m := range msgs {
		added[i] = pipe.SAdd(ctx, s.idsKey(), m.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: sadd ids: %w", err)
	}

	pipe = s.client.Pipeline()
	queued := 0
	for i, m := range msgs {
		if added[i].Val() == 0 {
			continue
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{
				"id":        m.ID,
				"ts":        strconv.FormatInt(m.Timestamp.UTC().UnixMilli(), 10),
				"sender":    m.Sender,
				"recipient": m.Recipient,
				"channel":   m.Channel,
				"body":      m.Body,
				"raw_json":  m.RawJSON,
			},
		})
		queued++
	}
	if queued == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: xadd: %w", err)
	}
	return nil
}

// GetRecent scans the stream newest entry first and applies the filters.
// Results are ordered by message timestamp, newest first.
func (s *Store) GetRecent(ctx context.Context, q storage.QueryOpts) ([]storage.Message, error) {
	if s.client == nil {
		return nil, storage.ErrNotInitialized
	}

	entries, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", s.maxLen).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: xrevrange: %w", err)
	}

	var results []storage.Message
	for _, entry := range entries {
		msg, err := entryToMessage(entry)
		if err != nil {
			s.logger.Warn("redis: skipping malformed entry", slog.String("entry", entry.ID), slog.Any("error", err))
			continue
		}
		if matches(msg, q) {
			results = append(results, msg)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func matches(m storage.Message, q storage.QueryOpts) bool {
	if q.SinceTS != nil && m.Timestamp.Before(*q.SinceTS) {
		return false
	}
	if q.BeforeTS != nil && !m.Timestamp.Before(*q.BeforeTS) {
		return false
	}
	if q.Recipient != nil && m.Recipient != *q.Recipient {
		return false
	}
	if q.Channel != nil && m.Channel != *q.Channel {
		return false
	}
	return true
}

// PurgeAll removes the stream and its ID set.
func (s *Store) PurgeAll(ctx context.Context) error {
	if s.client == nil {
		return storage.ErrNotInitialized
	}
	if err := s.client.Del(ctx, s.stream, s.idsKey()).Err(); err != nil {
		return fmt.Errorf("redis: del stream: %w", err)
	}
	return nil
}

// PurgeBefore deletes stream entries for messages older than cutoff.
// Their IDs stay in the seen set so a late re-delivery is still ignored.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.client == nil {
		return 0, storage.ErrNotInitialized
	}
	entries, err := s.client.XRange(ctx, s.stream, "-", "+").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis: xrange: %w", err)
	}

	var stale []string
	for _, entry := range entries {
		msg, err := entryToMessage(entry)
		if err != nil {
			continue
		}
		if msg.Timestamp.Before(cutoff) {
			stale = append(stale, entry.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := s.client.XDel(ctx, s.stream, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: xdel: %w", err)
	}
	return n, nil
}

// Close is a no-op for the Redis store since the client is managed externally.
func (s *Store) Close(ctx context.Context) error {
	return nil
}

func entryToMessage(entry redis.XMessage) (storage.Message, error) {
	str := func(key string) string {
		v, _ := entry.Values[key].(string)
		return v
	}

	tsStr := str("ts")
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return storage.Message{}, fmt.Errorf("invalid timestamp %q: %w", tsStr, err)
	}
	msg := storage.Message{
		ID:        str("id"),
		Timestamp: time.UnixMilli(ts).UTC(),
		Sender:    str("sender"),
		Recipient: str("recipient"),
		Channel:   str("channel"),
		Body:      str("body"),
		RawJSON:   str("raw_json"),
	}
	if msg.ID == "" {
		msg.ID = entry.ID
	}
	return msg, nil
}
