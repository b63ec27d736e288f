// Package chatapi talks to the hackmud mobile chat API.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://www.hackmud.com"
	DefaultTimeout = 10 * time.Second

	pathGetToken    = "/mobile/get_token.json"
	pathAccountData = "/mobile/account_data.json"
	pathChats       = "/mobile/chats.json"
	pathCreateChat  = "/mobile/create_chat.json"

	maxResponseBytes = 8 << 20
)

// Config controls how the API client reaches the service.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client performs the four chat API operations. It is safe for concurrent use.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// New creates a Client, filling in defaults for zero config values.
func New(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: base, timeout: timeout, http: httpClient}
}

// GetToken exchanges a chat_pass for a chat token.
func (c *Client) GetToken(ctx context.Context, pass string) (string, error) {
	var env envelope
	if err := c.post(ctx, "get_token", pathGetToken, tokenRequest{Pass: pass}, &env); err != nil {
		return "", err
	}
	if env.ChatToken == "" {
		return "", &TransportError{Op: "get_token", Err: errors.New("response missing chat_token")}
	}
	return env.ChatToken, nil
}

// AccountData returns the users controlled by token and their channels.
func (c *Client) AccountData(ctx context.Context, token string) (AccountData, error) {
	var env envelope
	if err := c.post(ctx, "account_data", pathAccountData, accountRequest{ChatToken: token}, &env); err != nil {
		return nil, err
	}
	if env.Users == nil {
		return AccountData{}, nil
	}
	return env.Users, nil
}

// ChatsSince fetches records newer than after (unix seconds) for each username.
func (c *Client) ChatsSince(ctx context.Context, token string, after float64, usernames []string) (Chats, error) {
	if usernames == nil {
		usernames = []string{}
	}
	var env envelope
	req := chatsRequest{ChatToken: token, After: after, Usernames: usernames}
	if err := c.post(ctx, "chats", pathChats, req, &env); err != nil {
		return nil, err
	}
	if env.Chats == nil {
		return Chats{}, nil
	}
	return env.Chats, nil
}

// CreateChat posts a message to a channel or, when Tell is set, to a user.
func (c *Client) CreateChat(ctx context.Context, req CreateChatRequest) error {
	if (req.Channel == "") == (req.Tell == "") {
		return errors.New("chatapi: create_chat needs exactly one of channel or tell")
	}
	var env envelope
	return c.post(ctx, "create_chat", pathCreateChat, req, &env)
}

func (c *Client) post(ctx context.Context, op, path string, body any, out *envelope) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &TransportError{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
		}
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	switch {
	case out.OK == nil && (resp.StatusCode < 200 || resp.StatusCode > 299):
		return &TransportError{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	case out.OK == nil:
		return &TransportError{Op: op, Err: errors.New("response has no ok field")}
	case !*out.OK:
		return &RemoteError{Op: op, Msg: out.Msg, StatusCode: resp.StatusCode}
	}
	return nil
}
