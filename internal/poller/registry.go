package poller

import (
	"context"
	"sync"

	"github.com/hpwn/hackmudchat/internal/metrics"
)

// Handler receives a delivered batch. The slice is owned by the handler.
type Handler func(ctx context.Context, batch []Message) error

type subscription struct {
	pos     int
	handler Handler
	users   map[string]struct{}
}

// filter returns a copy of batch scoped to the subscription's users.
func (s *subscription) filter(batch []Message) []Message {
	out := make([]Message, 0, len(batch))
	for _, msg := range batch {
		if s.users != nil {
			if _, ok := s.users[msg.Recipient]; !ok {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

// Registry is an ordered set of subscriptions. Positions are handed out
// in increasing order and never reused; removing one leaves a tombstone
// so every other position keeps pointing at the same handler.
type Registry struct {
	mu      sync.RWMutex
	entries []*subscription
	live    int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe registers h and returns its position. With no users the
// handler sees every message; otherwise only messages whose recipient
// is one of users.
func (r *Registry) Subscribe(h Handler, users ...string) int {
	if h == nil {
		panic("poller: nil handler")
	}

	sub := &subscription{handler: h}
	if len(users) > 0 {
		sub.users = make(map[string]struct{}, len(users))
		for _, u := range users {
			sub.users[u] = struct{}{}
		}
	}

	r.mu.Lock()
	sub.pos = len(r.entries)
	r.entries = append(r.entries, sub)
	r.live++
	live := r.live
	r.mu.Unlock()

	metrics.Subscriptions.Set(float64(live))
	return sub.pos
}

// Unsubscribe removes the subscription at pos. It reports false when pos
// was never handed out or is already removed. A dispatch already running
// for that handler is not interrupted.
func (r *Registry) Unsubscribe(pos int) bool {
	r.mu.Lock()
	if pos < 0 || pos >= len(r.entries) || r.entries[pos] == nil {
		r.mu.Unlock()
		return false
	}
	r.entries[pos] = nil
	r.live--
	live := r.live
	r.mu.Unlock()

	metrics.Subscriptions.Set(float64(live))
	return true
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

func (r *Registry) snapshot() []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*subscription, 0, r.live)
	for _, sub := range r.entries {
		if sub != nil {
			out = append(out, sub)
		}
	}
	return out
}
