package poller

import (
	"math"
	"sort"

	"github.com/hpwn/hackmudchat/internal/chatapi"
)

// Message is a normalized chat message. Timestamp is unix milliseconds.
// Channel is empty for tells.
type Message struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Recipient string `json:"recipient"`
	Channel   string `json:"channel,omitempty"`
}

// Normalize converts a raw record seen by user. Channel records carry no
// recipient on the wire, so the querying user is filled in.
func Normalize(user string, raw chatapi.RawChat) Message {
	recipient := raw.ToUser
	if recipient == "" {
		recipient = user
	}
	return Message{
		ID:        raw.ID,
		Timestamp: int64(math.Round(raw.T * 1000)),
		Sender:    raw.FromUser,
		Body:      raw.Msg,
		Recipient: recipient,
		Channel:   raw.Channel,
	}
}

// Merge flattens the per-user feeds into one batch: normalized, first
// occurrence of each ID kept, newest first. Users are visited in sorted
// order so the surviving copy of a duplicate is deterministic.
func Merge(chats chatapi.Chats) []Message {
	users := make([]string, 0, len(chats))
	total := 0
	for user, raws := range chats {
		users = append(users, user)
		total += len(raws)
	}
	sort.Strings(users)

	seen := make(map[string]struct{}, total)
	batch := make([]Message, 0, total)
	for _, user := range users {
		for _, raw := range chats[user] {
			if _, ok := seen[raw.ID]; ok {
				continue
			}
			seen[raw.ID] = struct{}{}
			batch = append(batch, Normalize(user, raw))
		}
	}

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp > batch[j].Timestamp
	})
	return batch
}
