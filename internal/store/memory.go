package store

import (
	"context"
	"sync"
	"time"
)

// MemoryJournal is a slice-backed Journal. Entries are lost on exit.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{nextID: 1}
}

func (j *MemoryJournal) Append(ctx context.Context, e Entry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	e.ID = j.nextID
	j.nextID++
	j.entries = append(j.entries, e)
	return e.ID, nil
}

func (j *MemoryJournal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if n > len(j.entries) || n < 0 {
		n = len(j.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(j.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}

func (j *MemoryJournal) Prune(ctx context.Context, keep int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	drop := len(j.entries) - keep
	if drop <= 0 {
		return 0, nil
	}
	j.entries = append([]Entry(nil), j.entries[drop:]...)
	return int64(drop), nil
}
