package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Ephemeral is a short-lived table event (pointer ping, dice roll) shown to
// the user and then forgotten. Ephemerals are never part of the game state,
// never versioned, and never retransmitted on resync.
type Ephemeral struct {
	Kind       string          `json:"kind"`
	MemberID   string          `json:"member_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`

	expiresAt time.Time
}

// EphemeralArena holds live ephemerals with a time-to-live and a periodic
// sweep, so the UI reads a ready-filtered list instead of re-filtering an
// ever-growing slice on every render.
type EphemeralArena struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu    sync.Mutex
	items []Ephemeral
}

// NewEphemeralArena returns an arena whose entries expire after ttl.
func NewEphemeralArena(clock clockwork.Clock, ttl time.Duration) *EphemeralArena {
	return &EphemeralArena{
		clock: clock,
		ttl:   ttl,
	}
}

// Add records an ephemeral, stamping arrival and expiry times.
func (a *EphemeralArena) Add(e Ephemeral) {
	now := a.clock.Now()
	e.ReceivedAt = now
	e.expiresAt = now.Add(a.ttl)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, e)
}

// Active returns the ephemerals that have not yet expired, oldest first.
func (a *EphemeralArena) Active() []Ephemeral {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Ephemeral, 0, len(a.items))
	for _, e := range a.items {
		if e.expiresAt.After(now) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries, expired or not.
func (a *EphemeralArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// Sweep drops expired entries. Returns how many were removed.
func (a *EphemeralArena) Sweep() int {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.items[:0]
	for _, e := range a.items {
		if e.expiresAt.After(now) {
			kept = append(kept, e)
		}
	}
	removed := len(a.items) - len(kept)
	a.items = kept
	return removed
}

// Run sweeps periodically until ctx is cancelled.
func (a *EphemeralArena) Run(ctx context.Context, interval time.Duration) {
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			a.Sweep()
		}
	}
}
