package chatapi

import "encoding/json"

// AccountData maps every username controlled by a token to its channel
// memberships. Channel metadata is passed through untouched.
type AccountData map[string]map[string]json.RawMessage

// RawChat is a chat record exactly as the chats endpoint returns it.
// T is a unix timestamp in seconds with a fractional part.
type RawChat struct {
	ID       string  `json:"id"`
	T        float64 `json:"t"`
	FromUser string  `json:"from_user"`
	Msg      string  `json:"msg"`
	ToUser   string  `json:"to_user,omitempty"`
	Channel  string  `json:"channel,omitempty"`
}

// Chats maps the querying username to the records visible to it.
type Chats map[string][]RawChat

// CreateChatRequest is the body of a create_chat call. Exactly one of
// Channel and Tell is set.
type CreateChatRequest struct {
	ChatToken string `json:"chat_token"`
	Username  string `json:"username"`
	Channel   string `json:"channel,omitempty"`
	Tell      string `json:"tell,omitempty"`
	Msg       string `json:"msg"`
}

type tokenRequest struct {
	Pass string `json:"pass"`
}

type accountRequest struct {
	ChatToken string `json:"chat_token"`
}

type chatsRequest struct {
	ChatToken string   `json:"chat_token"`
	After     float64  `json:"after"`
	Usernames []string `json:"usernames"`
}

// envelope is the union of every response shape; ok is always present.
type envelope struct {
	// OK is nil when the body carried no ok field at all.
	OK        *bool       `json:"ok"`
	Msg       string      `json:"msg,omitempty"`
	ChatToken string      `json:"chat_token,omitempty"`
	Users     AccountData `json:"users,omitempty"`
	Chats     Chats       `json:"chats,omitempty"`
}
