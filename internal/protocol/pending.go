package protocol

import (
	"sync"
	"time"
)

// Reply is the command code and payload of a response packet.
type Reply struct {
	Command Command
	Payload []string
}

// Callback receives exactly one outcome for a registered request: a Reply
// with a nil error, or a zero Reply with the failure.
type Callback func(Reply, error)

type pendingEntry struct {
	cb       Callback
	timer    *time.Timer
	deadline time.Time
}

// PendingTable tracks outstanding requests by sequence id. Register, Resolve,
// Fail and the per-entry timers are serialized by one mutex so every
// registration gets exactly one outcome. Callbacks run outside the lock.
type PendingTable struct {
	mu      sync.Mutex
	entries map[uint8]*pendingEntry
}

// NewPendingTable returns an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[uint8]*pendingEntry)}
}

// Register adds seq with a deadline timeout from now. It returns
// ErrDuplicateID if seq is already pending.
func (t *PendingTable) Register(seq uint8, cb Callback, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[seq]; ok {
		return ErrDuplicateID
	}
	e := &pendingEntry{cb: cb, deadline: time.Now().Add(timeout)}
	e.timer = time.AfterFunc(timeout, func() { t.fail(seq, e, ErrTimeout) })
	t.entries[seq] = e
	return nil
}

// Resolve delivers the reply to seq. A missing id (late or duplicate
// response) is a no-op and reports false.
func (t *PendingTable) Resolve(seq uint8, cmd Command, payload []string) bool {
	e := t.take(seq, nil)
	if e == nil {
		return false
	}
	e.cb(Reply{Command: cmd, Payload: payload}, nil)
	return true
}

// Expire fails seq with ErrTimeout. Idempotent.
func (t *PendingTable) Expire(seq uint8) bool {
	return t.Fail(seq, ErrTimeout)
}

// Fail removes seq and delivers err to its callback.
func (t *PendingTable) Fail(seq uint8, err error) bool {
	return t.fail(seq, nil, err)
}

// Drain fails every pending entry with reason and returns how many there were.
func (t *PendingTable) Drain(reason error) int {
	t.mu.Lock()
	drained := make([]*pendingEntry, 0, len(t.entries))
	for seq, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, seq)
		drained = append(drained, e)
	}
	t.mu.Unlock()

	for _, e := range drained {
		e.cb(Reply{}, reason)
	}
	return len(drained)
}

// Pending reports whether seq has an outstanding entry.
func (t *PendingTable) Pending(seq uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[seq]
	return ok
}

// Deadline returns when seq will expire.
func (t *PendingTable) Deadline(seq uint8) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[seq]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Len returns the number of outstanding entries.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// ── internal ──────────────────────────────────────────────────────────────

func (t *PendingTable) fail(seq uint8, want *pendingEntry, err error) bool {
	e := t.take(seq, want)
	if e == nil {
		return false
	}
	e.cb(Reply{}, err)
	return true
}

// take removes seq under the lock. When want is set, the entry must be that
// exact registration; a timer left over from an earlier holder of the same
// id must not remove its successor.
func (t *PendingTable) take(seq uint8, want *pendingEntry) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[seq]
	if !ok || (want != nil && e != want) {
		return nil
	}
	e.timer.Stop()
	delete(t.entries, seq)
	return e
}
