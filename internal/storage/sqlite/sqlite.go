// Package sqlite archives chat messages in a SQLite database using the
// pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpwn/hackmudchat/internal/logging"
	"github.com/hpwn/hackmudchat/internal/storage"

	_ "modernc.org/sqlite"
)

// Config controls how the SQLite store is configured.
type Config struct {
	// Mode is "persistent" or "ephemeral". Anything else is ephemeral.
	Mode            string
	Path            string
	MaxConns        int
	BusyTimeoutMS   int
	PragmasExtraCSV string
	Logger          *slog.Logger
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	cfg       Config
	logger    *slog.Logger
	db        *sql.DB
	path      string
	ephemeral bool
	initOnce  sync.Once
	initErr   error
}

var _ storage.Store = (*Store)(nil)

// New creates a new SQLite store with the provided configuration.
func New(cfg Config) *Store {
	return &Store{
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger).With(slog.String("component", "sqlite")),
	}
}

// Init opens the database connection, applies pragmas, and runs migrations.
func (s *Store) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.open(ctx)
	})
	return s.initErr
}

func (s *Store) open(ctx context.Context) error {
	path, ephemeral, err := s.resolvePath()
	if err != nil {
		return err
	}
	s.path = path
	s.ephemeral = ephemeral

	db, err := sql.Open("sqlite", s.buildDSN(path))
	if err != nil {
		return fmt.Errorf("sqlite: open: %w", err)
	}
	if s.cfg.MaxConns > 0 {
		db.SetMaxOpenConns(s.cfg.MaxConns)
		db.SetMaxIdleConns(s.cfg.MaxConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	journalMode, err := s.applyPragmas(ctx, db)
	if err != nil {
		_ = db.Close()
		return err
	}
	if err := migrate(ctx, db, s.logger); err != nil {
		_ = db.Close()
		return err
	}

	s.logger.Info("sqlite: opened database",
		slog.String("mode", s.storageMode()),
		slog.String("path", path),
		slog.String("journal_mode", journalMode))
	s.db = db
	return nil
}

// InsertMessages writes msgs in one transaction. Messages whose ID is
// already archived are skipped.
func (s *Store) InsertMessages(ctx context.Context, msgs []storage.Message) error {
	if s.db == nil {
		return storage.ErrNotInitialized
	}
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin insert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO messages (id, ts, sender, recipient, channel, body, raw_json) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx,
			m.ID,
			m.Timestamp.UTC().UnixMilli(),
			m.Sender,
			m.Recipient,
			m.Channel,
			m.Body,
			m.RawJSON,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: insert message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit insert: %w", err)
	}
	return nil
}

// GetRecent returns the most recent chat messages subject to the provided filters.
func (s *Store) GetRecent(ctx context.Context, q storage.QueryOpts) ([]storage.Message, error) {
	if s.db == nil {
		return nil, storage.ErrNotInitialized
	}

	query := `SELECT id, ts, sender, recipient, channel, body, COALESCE(raw_json, '') FROM messages`
	var conditions []string
	var args []any

	if q.SinceTS != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, q.SinceTS.UTC().UnixMilli())
	}
	if q.BeforeTS != nil {
		conditions = append(conditions, "ts < ?")
		args = append(args, q.BeforeTS.UTC().UnixMilli())
	}
	if q.Recipient != nil {
		conditions = append(conditions, "recipient = ?")
		args = append(args, *q.Recipient)
	}
	if q.Channel != nil {
		conditions = append(conditions, "channel = ?")
		args = append(args, *q.Channel)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY ts DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query recent messages: %w", err)
	}
	defer rows.Close()

	var results []storage.Message
	for rows.Next() {
		var (
			msg storage.Message
			ts  int64
		)
		if err := rows.Scan(&msg.ID, &ts, &msg.Sender, &msg.Recipient, &msg.Channel, &msg.Body, &msg.RawJSON); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		msg.Timestamp = time.UnixMilli(ts).UTC()
		results = append(results, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate messages: %w", err)
	}
	return results, nil
}

// PurgeAll removes all stored chat messages and compacts the database.
func (s *Store) PurgeAll(ctx context.Context) error {
	if s.db == nil {
		return storage.ErrNotInitialized
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("sqlite: purge messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("sqlite: vacuum: %w", err)
	}
	return nil
}

// PurgeBefore deletes messages with a timestamp before cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrNotInitialized
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge before: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge before rows: %w", err)
	}
	return n, nil
}

// Close terminates the database connection and cleans up any ephemeral files.
func (s *Store) Close(ctx context.Context) error {
	var errs []error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
		s.db = nil
	}
	if s.ephemeral && s.path != "" {
		for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("remove temp file: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Store) resolvePath() (path string, ephemeral bool, err error) {
	ephemeral = !strings.EqualFold(strings.TrimSpace(s.cfg.Mode), "persistent")

	path = strings.TrimSpace(s.cfg.Path)
	if path == "" {
		if !ephemeral {
			return "", false, errors.New("sqlite: persistent mode requires HACKMUD_DB_PATH to be set")
		}
		path = filepath.Join(os.TempDir(), fmt.Sprintf("hackmudchat-%d.db", os.Getpid()))
	}
	if abs, absErr := filepath.Abs(path); absErr == nil {
		path = abs
	}

	parent := filepath.Dir(path)
	info, statErr := os.Stat(parent)
	switch {
	case statErr == nil && !info.IsDir():
		return "", ephemeral, fmt.Errorf("sqlite: path %s is not a directory", parent)
	case statErr == nil:
	case errors.Is(statErr, os.ErrNotExist):
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return "", ephemeral, fmt.Errorf("sqlite: create directory: %w", err)
		}
		if !ephemeral {
			s.logger.Info("sqlite: persistent directory created", slog.String("dir", parent))
		}
	default:
		return "", ephemeral, fmt.Errorf("sqlite: stat directory: %w", statErr)
	}
	return path, ephemeral, nil
}

func (s *Store) storageMode() string {
	if s.ephemeral {
		return "ephemeral"
	}
	return "persistent"
}
