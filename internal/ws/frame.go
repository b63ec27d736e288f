// Package ws defines the frames written to relay websocket clients.
package ws

import (
	"encoding/json"

	"github.com/hpwn/hackmudchat/internal/poller"
)

// Frame types.
const (
	// FrameHistory carries archived messages replayed when a client connects.
	FrameHistory = "history"
	// FrameBatch carries one freshly polled batch.
	FrameBatch = "batch"
)

// Frame is the JSON payload of every text message on /ws/chat. Messages
// are newest first, matching poller batches.
type Frame struct {
	Type     string           `json:"type"`
	Messages []poller.Message `json:"messages"`
}

// Encode marshals a frame. A nil slice is sent as an empty array.
func Encode(typ string, msgs []poller.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []poller.Message{}
	}
	return json.Marshal(Frame{Type: typ, Messages: msgs})
}
