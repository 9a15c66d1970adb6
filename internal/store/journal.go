package store

import (
	"context"
	"time"
)

// Entry kinds.
const (
	KindState   = "state"
	KindCommand = "command"
)

// Entry is one journal row: a connection transition or a command outcome.
type Entry struct {
	ID     int64     `json:"id"`
	Kind   string    `json:"kind"`
	Name   string    `json:"name"`
	Detail string    `json:"detail,omitempty"`
	Err    string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Journal records and lists entries. Both DB and MemoryJournal implement it.
type Journal interface {
	Append(ctx context.Context, e Entry) (int64, error)
	// Recent returns up to n entries, newest first.
	Recent(ctx context.Context, n int) ([]Entry, error)
	// Prune deletes all but the newest keep entries and returns how many
	// were removed.
	Prune(ctx context.Context, keep int) (int64, error)
}
