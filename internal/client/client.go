// Package client is the entry point for programs talking to hackmud chat.
// A Client owns one session: its token, the users it controls, the
// poller that feeds subscribers, and the outbound send path.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/hpwn/hackmudchat/internal/authutil"
	"github.com/hpwn/hackmudchat/internal/chatapi"
	"github.com/hpwn/hackmudchat/internal/logging"
	"github.com/hpwn/hackmudchat/internal/metrics"
	"github.com/hpwn/hackmudchat/internal/poller"
	"github.com/hpwn/hackmudchat/internal/tokenfile"
)

// ErrEmptyCredential is returned by New for a blank credential.
var ErrEmptyCredential = errors.New("client: empty credential")

// Gateway is the remote chat API.
type Gateway interface {
	GetToken(ctx context.Context, pass string) (string, error)
	AccountData(ctx context.Context, token string) (chatapi.AccountData, error)
	ChatsSince(ctx context.Context, token string, after float64, usernames []string) (chatapi.Chats, error)
	CreateChat(ctx context.Context, req chatapi.CreateChatRequest) error
}

// Config configures a Client. The zero value talks to the public API
// with default polling and no send limit.
type Config struct {
	// Gateway overrides the HTTP client built from API.
	Gateway Gateway
	API     chatapi.Config
	Poll    poller.Config
	Clock   clockwork.Clock
	Logger  *slog.Logger

	// SendRate is the sustained number of outbound chats per second.
	// Zero disables limiting.
	SendRate  float64
	SendBurst int

	// TokenPath, when set, receives the token obtained from a pass.
	TokenPath string
}

// Client is a bootstrapped chat session.
type Client struct {
	gw       Gateway
	token    string
	users    []string
	channels map[string][]string
	registry *poller.Registry
	runner   *poller.Runner
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New resolves credential to a token, loads the controlled users and
// their channels, and prepares the poller. A credential of exactly five
// characters is a pass and is exchanged for a token; anything else is
// used as the token. Any failure is returned and no Client is produced.
func New(ctx context.Context, credential string, cfg Config) (*Client, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrEmptyCredential
	}

	logger := logging.OrDefault(cfg.Logger).With(slog.String("component", "client"))
	gw := cfg.Gateway
	if gw == nil {
		gw = chatapi.New(cfg.API)
	}

	token := credential
	if authutil.IsPassword(credential) {
		var err error
		token, err = gw.GetToken(ctx, credential)
		if err != nil {
			return nil, fmt.Errorf("client: exchange pass: %w", err)
		}
		logger.Info("client: exchanged pass for chat token")
		if err := tokenfile.Save(cfg.TokenPath, token); err != nil {
			logger.Warn("client: export token", slog.String("path", cfg.TokenPath), slog.Any("error", err))
		}
	}

	account, err := gw.AccountData(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("client: account data: %w", err)
	}
	users, channels := splitAccount(account)
	logger.Info("client: session ready", slog.Any("users", users))

	registry := poller.NewRegistry()
	runner := poller.New(cfg.Poll, gw, poller.Session{Token: token, Users: users}, registry, cfg.Clock, cfg.Logger)

	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}

	return &Client{
		gw:       gw,
		token:    token,
		users:    users,
		channels: channels,
		registry: registry,
		runner:   runner,
		limiter:  limiter,
		logger:   logger,
	}, nil
}

func splitAccount(account chatapi.AccountData) ([]string, map[string][]string) {
	users := make([]string, 0, len(account))
	channels := make(map[string][]string, len(account))
	for user, memberships := range account {
		users = append(users, user)
		names := make([]string, 0, len(memberships))
		for name := range memberships {
			names = append(names, name)
		}
		sort.Strings(names)
		channels[user] = names
	}
	sort.Strings(users)
	return users, channels
}

// Start begins polling. Batches are only fetched while at least one
// subscription is live.
func (c *Client) Start(ctx context.Context) error { return c.runner.Start(ctx) }

// Stop halts polling and waits for the loop to exit.
func (c *Client) Stop() { c.runner.Stop() }

// Done is closed once polling has stopped.
func (c *Client) Done() <-chan struct{} { return c.runner.Done() }

// Err reports why polling stopped on its own, typically a
// *chatapi.RemoteError from a rejected fetch.
func (c *Client) Err() error { return c.runner.Err() }

// Subscribe registers h for future batches, optionally scoped to the
// given recipients, and returns a position for Unsubscribe.
func (c *Client) Subscribe(h poller.Handler, users ...string) int {
	return c.registry.Subscribe(h, users...)
}

// Unsubscribe removes the subscription at pos.
func (c *Client) Unsubscribe(pos int) bool { return c.registry.Unsubscribe(pos) }

// GetToken exchanges a pass for a chat token without touching the session.
func (c *Client) GetToken(ctx context.Context, pass string) (string, error) {
	return c.gw.GetToken(ctx, pass)
}

// GetUsers fetches the current account data for the session token.
func (c *Client) GetUsers(ctx context.Context) (chatapi.AccountData, error) {
	return c.gw.AccountData(ctx, c.token)
}

// Send posts msg to channel as username.
func (c *Client) Send(ctx context.Context, username, channel, msg string) error {
	return c.createChat(ctx, "channel", chatapi.CreateChatRequest{
		Username: username,
		Channel:  channel,
		Msg:      msg,
	})
}

// Tell sends msg from username directly to recipient.
func (c *Client) Tell(ctx context.Context, username, recipient, msg string) error {
	return c.createChat(ctx, "tell", chatapi.CreateChatRequest{
		Username: username,
		Tell:     recipient,
		Msg:      msg,
	})
}

func (c *Client) createChat(ctx context.Context, kind string, req chatapi.CreateChatRequest) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			metrics.ChatsSent.WithLabelValues(kind, "error").Inc()
			return fmt.Errorf("client: send rate: %w", err)
		}
	}
	req.ChatToken = c.token
	if err := c.gw.CreateChat(ctx, req); err != nil {
		metrics.ChatsSent.WithLabelValues(kind, "error").Inc()
		c.logger.Warn("client: create chat failed",
			slog.String("kind", kind),
			slog.String("username", req.Username),
			slog.Any("error", err))
		return err
	}
	metrics.ChatsSent.WithLabelValues(kind, "ok").Inc()
	return nil
}

// Token returns the session's chat token.
func (c *Client) Token() string { return c.token }

// Users returns the controlled usernames in sorted order.
func (c *Client) Users() []string { return append([]string(nil), c.users...) }

// Channels returns the channels username has joined, sorted.
func (c *Client) Channels(username string) []string {
	return append([]string(nil), c.channels[username]...)
}

// Watermark returns the timestamp, in unix seconds, below which messages
// are no longer fetched.
func (c *Client) Watermark() float64 { return c.runner.Watermark() }

// LastPollAt reports when the last successful poll completed.
func (c *Client) LastPollAt() time.Time { return c.runner.LastPollAt() }
