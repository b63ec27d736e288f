// Package storage defines the archive that delivered chat batches are
// written to, independent of the backing database.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotInitialized is returned by store operations called before Init
// or after Close.
var ErrNotInitialized = errors.New("storage: store not initialized")

// Message is an archived chat message. Channel is empty for tells.
type Message struct {
	ID        string
	Timestamp time.Time
	Sender    string
	Recipient string
	Channel   string
	Body      string
	RawJSON   string
}

// QueryOpts defines filters for retrieving stored messages. Nil pointers
// and a zero Limit mean "no filter".
type QueryOpts struct {
	Limit     int
	SinceTS   *time.Time
	BeforeTS  *time.Time
	Recipient *string
	Channel   *string
}

// Store describes a backend capable of archiving chat messages.
type Store interface {
	Init(ctx context.Context) error
	// InsertMessages stores msgs, ignoring IDs that are already present.
	InsertMessages(ctx context.Context, msgs []Message) error
	// GetRecent returns matching messages newest first.
	GetRecent(ctx context.Context, q QueryOpts) ([]Message, error)
	PurgeAll(ctx context.Context) error
	// PurgeBefore deletes messages older than cutoff and reports how many.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close(ctx context.Context) error
}
