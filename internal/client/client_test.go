package client

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpwn/hackmudchat/internal/chatapi"
	"github.com/hpwn/hackmudchat/internal/poller"
	"github.com/hpwn/hackmudchat/internal/tokenfile"
)

type fakeGateway struct {
	mu sync.Mutex

	token      string
	tokenErr   error
	account    chatapi.AccountData
	accountErr error
	chats      []chatapi.Chats
	createErr  error

	passes  []string
	created []chatapi.CreateChatRequest
}

func (f *fakeGateway) GetToken(_ context.Context, pass string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes = append(f.passes, pass)
	return f.token, f.tokenErr
}

func (f *fakeGateway) AccountData(context.Context, string) (chatapi.AccountData, error) {
	return f.account, f.accountErr
}

func (f *fakeGateway) ChatsSince(context.Context, string, float64, []string) (chatapi.Chats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chats) == 0 {
		return chatapi.Chats{}, nil
	}
	next := f.chats[0]
	f.chats = f.chats[1:]
	return next, nil
}

func (f *fakeGateway) CreateChat(_ context.Context, req chatapi.CreateChatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return f.createErr
}

func account() chatapi.AccountData {
	return chatapi.AccountData{
		"bob": {"town": json.RawMessage(`{}`)},
		"alice": {
			"0000": json.RawMessage(`{"users":["alice"]}`),
			"a_chan": json.RawMessage(`{}`),
		},
	}
}

func TestNewWithPassExchangesAndExports(t *testing.T) {
	gw := &fakeGateway{token: "chat-token-abc", account: account()}
	path := filepath.Join(t.TempDir(), "token")

	c, err := New(context.Background(), "abcde", Config{Gateway: gw, TokenPath: path})
	require.NoError(t, err)

	assert.Equal(t, []string{"abcde"}, gw.passes)
	assert.Equal(t, "chat-token-abc", c.Token())
	assert.Equal(t, []string{"alice", "bob"}, c.Users())
	assert.Equal(t, []string{"0000", "a_chan"}, c.Channels("alice"))
	assert.Empty(t, c.Channels("nobody"))

	saved, err := tokenfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "chat-token-abc", saved)
}

func TestNewWithTokenSkipsExchange(t *testing.T) {
	gw := &fakeGateway{account: account()}

	c, err := New(context.Background(), "a-long-chat-token", Config{Gateway: gw})
	require.NoError(t, err)
	assert.Empty(t, gw.passes)
	assert.Equal(t, "a-long-chat-token", c.Token())
}

func TestNewWatermarkStartsAtNow(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_250))
	c, err := New(context.Background(), "a-long-chat-token", Config{Gateway: &fakeGateway{account: account()}, Clock: fc})
	require.NoError(t, err)
	assert.Equal(t, 1_700_000_000.25, c.Watermark())
}

func TestNewFailures(t *testing.T) {
	_, err := New(context.Background(), "  ", Config{Gateway: &fakeGateway{}})
	assert.ErrorIs(t, err, ErrEmptyCredential)

	rejected := &chatapi.RemoteError{Op: "get_token", Msg: "invalid pass"}
	_, err = New(context.Background(), "abcde", Config{Gateway: &fakeGateway{tokenErr: rejected}})
	assert.ErrorIs(t, err, rejected)

	down := &chatapi.TransportError{Op: "account_data", Err: errors.New("dial tcp: refused")}
	_, err = New(context.Background(), "a-long-chat-token", Config{Gateway: &fakeGateway{accountErr: down}})
	assert.True(t, chatapi.IsTransport(err))
}

func TestSendAndTell(t *testing.T) {
	gw := &fakeGateway{account: account()}
	c, err := New(context.Background(), "a-long-chat-token", Config{Gateway: gw})
	require.NoError(t, err)

	require.NoError(t, c.Send(context.Background(), "alice", "0000", "hello"))
	require.NoError(t, c.Tell(context.Background(), "alice", "carol", "psst"))

	assert.Equal(t, []chatapi.CreateChatRequest{
		{ChatToken: "a-long-chat-token", Username: "alice", Channel: "0000", Msg: "hello"},
		{ChatToken: "a-long-chat-token", Username: "alice", Tell: "carol", Msg: "psst"},
	}, gw.created)
}

func TestSendSurfacesRemoteError(t *testing.T) {
	gw := &fakeGateway{account: account(), createErr: &chatapi.RemoteError{Op: "create_chat", Msg: "not in channel"}}
	c, err := New(context.Background(), "a-long-chat-token", Config{Gateway: gw})
	require.NoError(t, err)
	before := c.Watermark()

	err = c.Send(context.Background(), "alice", "nowhere", "hi")
	var remote *chatapi.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "not in channel", remote.Msg)
	assert.Equal(t, before, c.Watermark())
}

func TestSendRateLimitHonoursContext(t *testing.T) {
	gw := &fakeGateway{account: account()}
	c, err := New(context.Background(), "a-long-chat-token", Config{Gateway: gw, SendRate: 0.001, SendBurst: 1})
	require.NoError(t, err)

	require.NoError(t, c.Send(context.Background(), "alice", "0000", "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Send(ctx, "alice", "0000", "second")
	require.Error(t, err)
	assert.Len(t, gw.created, 1)
}

func TestGetTokenAndGetUsers(t *testing.T) {
	gw := &fakeGateway{token: "other", account: account()}
	c, err := New(context.Background(), "a-long-chat-token", Config{Gateway: gw})
	require.NoError(t, err)

	tok, err := c.GetToken(context.Background(), "zzzzz")
	require.NoError(t, err)
	assert.Equal(t, "other", tok)
	assert.Equal(t, "a-long-chat-token", c.Token(), "session token is unchanged")

	users, err := c.GetUsers(context.Background())
	require.NoError(t, err)
	assert.Contains(t, users, "alice")
}

func TestEndToEndDelivery(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Unix(999, 0))
	gw := &fakeGateway{
		token:   "tok",
		account: chatapi.AccountData{"alice": {"0000": json.RawMessage(`{}`)}},
		chats: []chatapi.Chats{{
			"alice": {{ID: "m1", T: 1000, FromUser: "bob", Msg: "hi", Channel: "0000"}},
		}},
	}
	c, err := New(context.Background(), "abcde", Config{Gateway: gw, Clock: fc})
	require.NoError(t, err)

	got := make(chan []poller.Message, 1)
	pos := c.Subscribe(func(_ context.Context, b []poller.Message) error {
		got <- b
		return nil
	})
	assert.Equal(t, 0, pos)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(poller.DefaultInterval)

	select {
	case batch := <-got:
		require.Len(t, batch, 1)
		assert.Equal(t, int64(1_000_000), batch[0].Timestamp)
		assert.Equal(t, "alice", batch[0].Recipient)
		assert.Equal(t, "bob", batch[0].Sender)
	case <-ctx.Done():
		t.Fatal("no batch delivered")
	}

	assert.Eventually(t, func() bool { return c.Watermark() == 1000 }, time.Second, 10*time.Millisecond)
	assert.True(t, c.Unsubscribe(pos))
	assert.False(t, c.Unsubscribe(pos))
}
