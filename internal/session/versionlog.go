package session

import (
	"errors"

	"github.com/pixelotes/gamebook-studio-sub000/internal/state"
)

// DefaultLogCapacity is how many recent deltas a session retains for
// incremental catch-up.
const DefaultLogCapacity = 10

// ErrLogTruncated is returned by Since when the log no longer covers the
// requested range and the caller must fall back to a full-state transfer.
var ErrLogTruncated = errors.New("version log truncated")

// VersionedDelta pairs a delta with the version it produced.
type VersionedDelta struct {
	Version uint64      `json:"version"`
	Delta   state.Delta `json:"delta"`
}

// VersionLog is a bounded buffer of the most recent applied deltas, in
// version order. Entries are appended and evicted oldest-first, never
// mutated in place, so a slice returned by Since stays consistent.
type VersionLog struct {
	entries  []VersionedDelta
	capacity int
}

// NewVersionLog returns a log that retains at most capacity entries.
// A capacity below one falls back to DefaultLogCapacity.
func NewVersionLog(capacity int) *VersionLog {
	if capacity < 1 {
		capacity = DefaultLogCapacity
	}
	return &VersionLog{
		entries:  make([]VersionedDelta, 0, capacity),
		capacity: capacity,
	}
}

// Append records a versioned delta, evicting the oldest entry once the log
// is full.
func (l *VersionLog) Append(vd VersionedDelta) {
	if len(l.entries) == l.capacity {
		l.entries = append(l.entries[:0], l.entries[1:]...)
		l.entries = l.entries[:l.capacity-1]
	}
	l.entries = append(l.entries, vd)
}

// Len reports how many entries the log currently holds.
func (l *VersionLog) Len() int {
	return len(l.entries)
}

// Oldest returns the lowest version currently retained. ok is false when
// the log is empty.
func (l *VersionLog) Oldest() (version uint64, ok bool) {
	if len(l.entries) == 0 {
		return 0, false
	}
	return l.entries[0].Version, true
}

// Since returns the contiguous run of deltas with version > fromVersion.
// It returns ErrLogTruncated when the oldest retained entry is too new to
// guarantee a gap-free sequence, i.e. oldest > fromVersion+1.
func (l *VersionLog) Since(fromVersion uint64) ([]VersionedDelta, error) {
	oldest, ok := l.Oldest()
	if !ok {
		return nil, nil
	}
	if oldest > fromVersion+1 {
		return nil, ErrLogTruncated
	}
	start := len(l.entries)
	for i, e := range l.entries {
		if e.Version > fromVersion {
			start = i
			break
		}
	}
	out := make([]VersionedDelta, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out, nil
}
