package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
)

const defaultBusyTimeoutMS = 5000

func (s *Store) busyTimeout() int {
	if s.cfg.BusyTimeoutMS > 0 {
		return s.cfg.BusyTimeoutMS
	}
	return defaultBusyTimeoutMS
}

func (s *Store) buildDSN(path string) string {
	pragmas := []string{
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.busyTimeout()),
	}
	pragmas = append(pragmas, parseExtraPragmas(s.cfg.PragmasExtraCSV)...)
	return fmt.Sprintf("file:%s?mode=rwc&%s", url.PathEscape(path), strings.Join(pragmas, "&"))
}

// parseExtraPragmas accepts "name(value)" or "name=value" entries.
func parseExtraPragmas(csv string) []string {
	var pragmas []string
	for _, part := range strings.Split(csv, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if key, value, ok := strings.Cut(p, "="); ok && !strings.Contains(p, "(") {
			key, value = strings.TrimSpace(key), strings.TrimSpace(value)
			if key != "" && value != "" {
				p = fmt.Sprintf("%s(%s)", key, value)
			}
		}
		pragmas = append(pragmas, "_pragma="+p)
	}
	return pragmas
}

// applyPragmas reasserts the connection settings and returns the journal mode.
func (s *Store) applyPragmas(ctx context.Context, db *sql.DB) (string, error) {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", s.busyTimeout())); err != nil {
		return "", fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return "", fmt.Errorf("sqlite: set journal mode: %w", err)
	}
	return journalMode, nil
}
