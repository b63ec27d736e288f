// Package tokenfile stores the chat token resolved from a pass so later
// runs can skip the exchange.
package tokenfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hpwn/hackmudchat/internal/authutil"
)

var (
	mu      sync.Mutex
	written = map[string]string{}
)

// ErrEmptyToken indicates that the provided token was blank after trimming.
var ErrEmptyToken = errors.New("tokenfile: empty token")

// Resolve joins file onto dir unless file is empty or absolute. An empty
// result means exporting is disabled.
func Resolve(file, dir string) string {
	file = strings.TrimSpace(file)
	if file == "" {
		return ""
	}
	dir = strings.TrimSpace(dir)
	if dir != "" && !filepath.IsAbs(file) {
		file = filepath.Join(dir, file)
	}
	return filepath.Clean(file)
}

// Load reads a token previously written by Save. A missing file yields
// an empty token and no error.
func Load(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("tokenfile: read %s: %w", path, err)
	}
	return authutil.ExtractChatToken(raw), nil
}

// Save writes token to path atomically, readable only by the owner.
// An empty path disables exporting and Save returns nil.
func Save(path, token string) error {
	if path == "" {
		return nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}

	mu.Lock()
	defer mu.Unlock()

	if written[path] == token {
		return nil
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("tokenfile: mkdir %s: %w", dir, err)
		}
	}

	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp")
	if err := writeSynced(tmp, token+"\n"); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("tokenfile: rename: %w", err)
	}
	syncDir(dir)

	written[path] = token
	return nil
}

func writeSynced(path, content string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("tokenfile: open tmp: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("tokenfile: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("tokenfile: fsync file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("tokenfile: close: %w", err)
	}
	return nil
}

func syncDir(dir string) {
	if dir == "" {
		return
	}
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
