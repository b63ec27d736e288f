// Package configreporter renders the effective configuration with secrets
// removed, for /configz and the startup log line.
package configreporter

import (
	"encoding/json"
	"net/url"
	"sort"
	"time"

	"github.com/hpwn/hackmudchat/internal/authutil"
	"github.com/hpwn/hackmudchat/internal/config"
)

// Reporter produces redacted runtime configuration snapshots for diagnostics.
type Reporter struct {
	cfg     config.Config
	origins []string
}

// NewReporter constructs a Reporter from the effective runtime configuration.
func NewReporter(cfg config.Config) Reporter {
	origins := append([]string(nil), cfg.AllowedOrigins...)
	sort.Strings(origins)
	return Reporter{cfg: cfg, origins: origins}
}

// Snapshot represents the redacted configuration payload returned by /configz.
type Snapshot struct {
	API       APISnapshot       `json:"api"`
	Poller    PollerSnapshot    `json:"poller"`
	Send      SendSnapshot      `json:"send"`
	Store     StoreSnapshot     `json:"store"`
	Websocket WebsocketSnapshot `json:"websocket"`
}

// APISnapshot never carries the credential itself, only whether one is set.
type APISnapshot struct {
	BaseURL        string `json:"base_url"`
	TimeoutMS      int    `json:"timeout_ms"`
	CredentialSet  bool   `json:"credential_set"`
	CredentialKind string `json:"credential_kind,omitempty"`
	TokenPath      string `json:"token_path,omitempty"`
}

type PollerSnapshot struct {
	IntervalMS    int    `json:"interval_ms"`
	MinGapMS      int    `json:"min_gap_ms"`
	WatermarkPath string `json:"watermark_path,omitempty"`
}

type SendSnapshot struct {
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`
}

// StoreSnapshot describes the archive backend. The Redis URL is reduced
// to its host so passwords never leave the process.
type StoreSnapshot struct {
	Driver       string `json:"driver"`
	Mode         string `json:"mode,omitempty"`
	Path         string `json:"path,omitempty"`
	MaxConns     int    `json:"max_conns,omitempty"`
	BusyTimeout  int    `json:"busy_timeout_ms,omitempty"`
	PragmasExtra string `json:"pragmas_extra_csv,omitempty"`
	RedisHost    string `json:"redis_host,omitempty"`
	RedisStream  string `json:"redis_stream,omitempty"`
	RedisMaxLen  int64  `json:"redis_maxlen,omitempty"`
}

// WebsocketSnapshot reports websocket/CORS tuning knobs.
type WebsocketSnapshot struct {
	AllowAny        bool     `json:"allow_any_origin"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	PingIntervalMS  int      `json:"ping_interval_ms"`
	PongWaitMS      int      `json:"pong_wait_ms"`
	WriteDeadlineMS int      `json:"write_deadline_ms"`
	MaxMessageBytes int64    `json:"max_message_bytes"`
	History         int      `json:"history"`
}

// Summary is the compact subset logged on startup.
type Summary struct {
	APIBase      string `json:"api_base"`
	IntervalMS   int    `json:"poll_interval_ms"`
	StoreDriver  string `json:"store_driver"`
	StorePath    string `json:"store_path,omitempty"`
	HTTPAddr     string `json:"http_addr"`
	AllowAnyOrig bool   `json:"allow_any_origin"`
}

// Snapshot returns the current redacted configuration snapshot.
func (r Reporter) Snapshot() Snapshot {
	c := r.cfg
	snap := Snapshot{
		API: APISnapshot{
			BaseURL:       c.APIBase,
			TimeoutMS:     durationToMS(c.HTTPTimeout),
			CredentialSet: c.Credential != "",
			TokenPath:     c.TokenPath(),
		},
		Poller: PollerSnapshot{
			IntervalMS:    durationToMS(c.PollInterval),
			MinGapMS:      durationToMS(c.PollMinGap),
			WatermarkPath: c.WatermarkPath,
		},
		Send:  SendSnapshot{RatePerSecond: c.SendRate, Burst: c.SendBurst},
		Store: StoreSnapshot{Driver: c.StoreDriver},
		Websocket: WebsocketSnapshot{
			AllowAny:        len(r.origins) == 0,
			AllowedOrigins:  append([]string(nil), r.origins...),
			PingIntervalMS:  durationToMS(c.WSPingInterval),
			PongWaitMS:      durationToMS(c.WSPongWait),
			WriteDeadlineMS: durationToMS(c.WSWriteDeadline),
			MaxMessageBytes: c.WSMaxMessage,
			History:         c.WSHistory,
		},
	}
	if c.Credential != "" {
		snap.API.CredentialKind = credentialKind(c.Credential)
	}

	switch c.StoreDriver {
	case config.DriverSQLite:
		snap.Store.Mode = c.DBMode
		snap.Store.Path = c.DBPath
		snap.Store.MaxConns = c.DBMaxConns
		snap.Store.BusyTimeout = c.DBBusyTimeoutMS
		snap.Store.PragmasExtra = c.DBPragmasExtra
	case config.DriverRedis:
		snap.Store.RedisHost = redisHost(c.RedisURL)
		snap.Store.RedisStream = c.RedisStream
		snap.Store.RedisMaxLen = c.RedisMaxLen
	}
	return snap
}

// Summary returns the compact subset logged at startup.
func (r Reporter) Summary() Summary {
	s := Summary{
		APIBase:      r.cfg.APIBase,
		IntervalMS:   durationToMS(r.cfg.PollInterval),
		StoreDriver:  r.cfg.StoreDriver,
		HTTPAddr:     r.cfg.HTTPAddr,
		AllowAnyOrig: len(r.origins) == 0,
	}
	if r.cfg.StoreDriver == config.DriverSQLite {
		s.StorePath = r.cfg.DBPath
	}
	return s
}

// SummaryJSON returns the summary encoded as JSON.
func (r Reporter) SummaryJSON() ([]byte, error) {
	return json.Marshal(r.Summary())
}

func credentialKind(credential string) string {
	if authutil.IsPassword(credential) {
		return "pass"
	}
	return "token"
}

func redisHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func durationToMS(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Millisecond)
}
