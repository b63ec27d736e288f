// Package config loads runtime settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/hpwn/hackmudchat/internal/chatapi"
	"github.com/hpwn/hackmudchat/internal/poller"
	"github.com/hpwn/hackmudchat/internal/storage/sqlite"
	"github.com/hpwn/hackmudchat/internal/tokenfile"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverNone   = "none"
)

type Config struct {
	APIBase     string        `env:"HACKMUD_API_BASE" default:"https://www.hackmud.com"`
	Credential  string        `env:"HACKMUD_CREDENTIAL"`
	TokenFile   string        `env:"HACKMUD_TOKEN_FILE"`
	TokenDir    string        `env:"HACKMUD_TOKEN_DIR"`
	HTTPTimeout time.Duration `env:"HACKMUD_HTTP_TIMEOUT" default:"10s"`

	PollInterval  time.Duration `env:"HACKMUD_POLL_INTERVAL" default:"1500ms"`
	PollMinGap    time.Duration `env:"HACKMUD_POLL_MIN_GAP" default:"1s"`
	WatermarkPath string        `env:"HACKMUD_WATERMARK_PATH"`

	SendRate  float64 `env:"HACKMUD_SEND_RATE" default:"0"`
	SendBurst int     `env:"HACKMUD_SEND_BURST" default:"1"`

	StoreDriver     string `env:"HACKMUD_STORE_DRIVER" default:"sqlite"`
	DBMode          string `env:"HACKMUD_DB_MODE" default:"ephemeral"`
	DBPath          string `env:"HACKMUD_DB_PATH"`
	DBMaxConns      int    `env:"HACKMUD_DB_MAX_CONNS" default:"4"`
	DBBusyTimeoutMS int    `env:"HACKMUD_DB_BUSY_TIMEOUT_MS" default:"5000"`
	DBPragmasExtra  string `env:"HACKMUD_DB_PRAGMAS_EXTRA"`
	RedisURL        string `env:"HACKMUD_REDIS_URL"`
	RedisStream     string `env:"HACKMUD_REDIS_STREAM" default:"hackmudChats"`
	RedisMaxLen     int64  `env:"HACKMUD_REDIS_MAXLEN" default:"10000"`
	ArchiveAttempts int    `env:"HACKMUD_ARCHIVE_ATTEMPTS" default:"3"`

	HTTPAddr       string   `env:"HACKMUD_HTTP_ADDR" default:"0.0.0.0:8080"`
	AllowedOrigins []string `env:"HACKMUD_ALLOWED_ORIGINS"`

	WSPingInterval  time.Duration `env:"HACKMUD_WS_PING_INTERVAL" default:"25s"`
	WSPongWait      time.Duration `env:"HACKMUD_WS_PONG_WAIT" default:"30s"`
	WSWriteDeadline time.Duration `env:"HACKMUD_WS_WRITE_DEADLINE" default:"5s"`
	WSMaxMessage    int64         `env:"HACKMUD_WS_MAX_MESSAGE_BYTES" default:"131072"`
	WSHistory       int           `env:"HACKMUD_WS_HISTORY" default:"100"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Credential = strings.TrimSpace(c.Credential)
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.APIBase = strings.TrimRight(strings.TrimSpace(c.APIBase), "/")
	if c.WatermarkPath != "" {
		c.WatermarkPath = filepath.Clean(c.WatermarkPath)
	}

	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverSQLite, DriverNone:
	case DriverRedis:
		if c.RedisURL == "" {
			return errors.New("HACKMUD_REDIS_URL is required when HACKMUD_STORE_DRIVER=redis")
		}
	default:
		return fmt.Errorf("HACKMUD_STORE_DRIVER must be one of sqlite, redis, none; got %q", c.StoreDriver)
	}
	if c.PollInterval <= 0 {
		return errors.New("HACKMUD_POLL_INTERVAL must be positive")
	}
	if c.SendRate < 0 {
		return errors.New("HACKMUD_SEND_RATE must not be negative")
	}
	return nil
}

// TokenPath is where a token obtained from a pass is exported, or "".
func (c *Config) TokenPath() string {
	return tokenfile.Resolve(c.TokenFile, c.TokenDir)
}

func (c *Config) API() chatapi.Config {
	return chatapi.Config{BaseURL: c.APIBase, Timeout: c.HTTPTimeout}
}

func (c *Config) Poll() poller.Config {
	return poller.Config{
		Interval:   c.PollInterval,
		MinGap:     c.PollMinGap,
		OffsetPath: c.WatermarkPath,
	}
}

func (c *Config) SQLite() sqlite.Config {
	return sqlite.Config{
		Mode:            c.DBMode,
		Path:            c.DBPath,
		MaxConns:        c.DBMaxConns,
		BusyTimeoutMS:   c.DBBusyTimeoutMS,
		PragmasExtraCSV: c.DBPragmasExtra,
	}
}
