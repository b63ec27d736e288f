package chatapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Path string
	Body map[string]any
}

func newTestServer(t *testing.T, responses map[string]string) (*Client, *[]recordedRequest) {
	t.Helper()

	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var body map[string]any
		assert.NoError(t, json.Unmarshal(raw, &body))
		seen = append(seen, recordedRequest{Path: r.URL.Path, Body: body})

		resp, ok := responses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, resp)
	}))
	t.Cleanup(srv.Close)

	return New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}), &seen
}

func TestGetTokenSendsPass(t *testing.T) {
	c, seen := newTestServer(t, map[string]string{
		pathGetToken: `{"ok":true,"chat_token":"tok-123"}`,
	})

	token, err := c.GetToken(context.Background(), "abcde")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)

	require.Len(t, *seen, 1)
	assert.Equal(t, map[string]any{"pass": "abcde"}, (*seen)[0].Body)
}

func TestGetTokenRejected(t *testing.T) {
	c, _ := newTestServer(t, map[string]string{
		pathGetToken: `{"ok":false,"msg":"invalid pass"}`,
	})

	_, err := c.GetToken(context.Background(), "zzzzz")
	require.Error(t, err)
	assert.True(t, IsRemote(err))
	assert.False(t, IsTransport(err))

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "invalid pass", re.Msg)
	assert.Equal(t, "get_token", re.Op)
}

func TestAccountData(t *testing.T) {
	c, seen := newTestServer(t, map[string]string{
		pathAccountData: `{"ok":true,"users":{"alice":{"0000":["alice","bob"],"town":[]},"carol":{}}}`,
	})

	users, err := c.AccountData(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Contains(t, users["alice"], "0000")
	assert.Contains(t, users["alice"], "town")
	assert.Empty(t, users["carol"])
	assert.Equal(t, map[string]any{"chat_token": "tok"}, (*seen)[0].Body)
}

func TestChatsSinceWireFormat(t *testing.T) {
	c, seen := newTestServer(t, map[string]string{
		pathChats: `{"ok":true,"chats":{"alice":[{"id":"m1","t":1000.5,"from_user":"bob","msg":"hi","channel":"0000"}]}}`,
	})

	chats, err := c.ChatsSince(context.Background(), "tok", 999.1, []string{"alice"})
	require.NoError(t, err)
	require.Len(t, chats["alice"], 1)
	got := chats["alice"][0]
	assert.Equal(t, RawChat{ID: "m1", T: 1000.5, FromUser: "bob", Msg: "hi", Channel: "0000"}, got)

	body := (*seen)[0].Body
	assert.Equal(t, "tok", body["chat_token"])
	assert.InDelta(t, 999.1, body["after"], 1e-9)
	assert.Equal(t, []any{"alice"}, body["usernames"])
}

func TestChatsSinceNilUsernamesEncodesEmptyList(t *testing.T) {
	c, seen := newTestServer(t, map[string]string{
		pathChats: `{"ok":true,"chats":{}}`,
	})

	chats, err := c.ChatsSince(context.Background(), "tok", 1, nil)
	require.NoError(t, err)
	assert.Empty(t, chats)
	assert.Equal(t, []any{}, (*seen)[0].Body["usernames"])
}

func TestCreateChatChannelAndTell(t *testing.T) {
	c, seen := newTestServer(t, map[string]string{
		pathCreateChat: `{"ok":true}`,
	})
	ctx := context.Background()

	require.NoError(t, c.CreateChat(ctx, CreateChatRequest{ChatToken: "tok", Username: "alice", Channel: "0000", Msg: "hello"}))
	require.NoError(t, c.CreateChat(ctx, CreateChatRequest{ChatToken: "tok", Username: "alice", Tell: "bob", Msg: "psst"}))

	require.Len(t, *seen, 2)
	assert.Equal(t, map[string]any{"chat_token": "tok", "username": "alice", "channel": "0000", "msg": "hello"}, (*seen)[0].Body)
	assert.Equal(t, map[string]any{"chat_token": "tok", "username": "alice", "tell": "bob", "msg": "psst"}, (*seen)[1].Body)
}

func TestCreateChatRequiresOneTarget(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:0"})

	err := c.CreateChat(context.Background(), CreateChatRequest{ChatToken: "tok", Username: "alice", Msg: "x"})
	require.Error(t, err)
	assert.False(t, IsRemote(err))
	assert.False(t, IsTransport(err))

	err = c.CreateChat(context.Background(), CreateChatRequest{ChatToken: "tok", Username: "alice", Channel: "0000", Tell: "bob", Msg: "x"})
	require.Error(t, err)
}

func TestNonJSONErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{BaseURL: srv.URL})
	_, err := c.ChatsSince(context.Background(), "tok", 1, []string{"alice"})
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Contains(t, err.Error(), "unexpected status 502")
}

func TestRejectedWithErrorStatusIsRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"ok":false,"msg":"invalid token"}`)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{BaseURL: srv.URL})
	_, err := c.AccountData(context.Background(), "tok")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusUnauthorized, re.StatusCode)
}

func TestErrorStatusWithoutOKFieldIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"upstream overloaded"}`)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{BaseURL: srv.URL})
	_, err := c.ChatsSince(context.Background(), "tok", 1, []string{"alice"})
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.False(t, IsRemote(err))
	assert.Contains(t, err.Error(), "unexpected status 503")
}

func TestSuccessStatusWithoutOKFieldIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"chats":{}}`)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{BaseURL: srv.URL})
	_, err := c.ChatsSince(context.Background(), "tok", 1, []string{"alice"})
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.False(t, IsRemote(err))
}

func TestTimeoutIsTransport(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.GetToken(context.Background(), "abcde")
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMissingTokenIsTransport(t *testing.T) {
	c, _ := newTestServer(t, map[string]string{
		pathGetToken: `{"ok":true}`,
	})
	_, err := c.GetToken(context.Background(), "abcde")
	assert.True(t, IsTransport(err))
}
