package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpwn/hackmudchat/internal/poller"
)

func TestEncode(t *testing.T) {
	data, err := Encode(FrameBatch, []poller.Message{{ID: "m1", Timestamp: 1000, Sender: "bob", Body: "hi", Recipient: "alice"}})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"batch","messages":[{"id":"m1","timestamp":1000,"sender":"bob","body":"hi","recipient":"alice"}]}`,
		string(data))
}

func TestEncodeEmpty(t *testing.T) {
	data, err := Encode(FrameHistory, nil)
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, FrameHistory, f.Type)
	assert.NotNil(t, f.Messages)
	assert.Empty(t, f.Messages)
}
