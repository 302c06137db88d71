package session

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pixelotes/gamebook-studio-sub000/internal/state"
)

// Session owns the authoritative GameState for one shared table, the
// monotonic version counter, the catch-up log, and the joined-order member
// list. All mutations go through the session mutex, which is the single
// sequence point that makes version increment, log append, and state merge
// atomic relative to other updates on the same session.
type Session struct {
	id string

	mu      sync.Mutex
	members []string
	hostID  string
	state   state.GameState
	version uint64
	log     *VersionLog
}

// JoinResult is the handshake payload returned to a joining member.
type JoinResult struct {
	State       state.GameState
	Version     uint64
	IsHost      bool
	MemberCount int
}

// LeaveResult describes the membership change caused by a departure.
type LeaveResult struct {
	WasHost   bool
	NewHostID string
	Remaining int
}

// NewSession returns an empty session with no members and version zero.
// Host is assigned to the first joiner.
func NewSession(id string) *Session {
	return &Session{
		id:    id,
		state: state.New(),
		log:   NewVersionLog(DefaultLogCapacity),
	}
}

// ID returns the session code.
func (s *Session) ID() string {
	return s.id
}

// Join adds a member. The first joiner, or the first joiner after the host
// left, becomes host. Joining twice with the same id is idempotent.
func (s *Session) Join(memberID string) JoinResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := false
	for _, m := range s.members {
		if m == memberID {
			present = true
			break
		}
	}
	if !present {
		s.members = append(s.members, memberID)
	}
	if s.hostID == "" {
		s.hostID = memberID
	}

	log.Debug().
		Str("session_id", s.id).
		Str("member_id", memberID).
		Int("members", len(s.members)).
		Bool("is_host", s.hostID == memberID).
		Msg("member joined session")

	return JoinResult{
		State:       s.state.Clone(),
		Version:     s.version,
		IsHost:      s.hostID == memberID,
		MemberCount: len(s.members),
	}
}

// Leave removes a member. When the departing member was host and members
// remain, the earliest-joined remaining member becomes host. When Remaining
// is zero the caller must remove the session from the registry.
func (s *Session) Leave(memberID string) LeaveResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.members {
		if m == memberID {
			s.members = append(s.members[:i], s.members[i+1:]...)
			break
		}
	}

	res := LeaveResult{
		WasHost:   s.hostID == memberID,
		Remaining: len(s.members),
	}
	if res.WasHost {
		s.hostID = ""
		if len(s.members) > 0 {
			s.hostID = s.members[0]
			res.NewHostID = s.hostID
		}
	}

	log.Debug().
		Str("session_id", s.id).
		Str("member_id", memberID).
		Bool("was_host", res.WasHost).
		Str("new_host", res.NewHostID).
		Int("members", res.Remaining).
		Msg("member left session")

	return res
}

// HostID returns the current host member id, or empty when the session has
// no members.
func (s *Session) HostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostID
}

// Members returns the member ids in joined order.
func (s *Session) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.members))
	copy(out, s.members)
	return out
}

// MemberCount returns the number of joined members.
func (s *Session) MemberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// ApplyUpdate merges a delta into the game state by shallow key
// replacement, increments the version, and appends the result to the
// catch-up log. It never fails: unexpected keys are merged in as-is.
func (s *Session) ApplyUpdate(d state.Delta) VersionedDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(d)
}

// ApplyLayerUpdate replaces the layer list for one page. The nested layers
// map is read-modify-written here, under the session lock, so the resulting
// delta is still a plain top-level key replacement and replays correctly
// from the log.
func (s *Session) ApplyLayerUpdate(pageKey string, layers json.RawMessage) (VersionedDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := make(map[string]json.RawMessage)
	if raw, ok := s.state[state.KeyLayers]; ok {
		if err := json.Unmarshal(raw, &pages); err != nil {
			return VersionedDelta{}, err
		}
	}
	pages[pageKey] = layers

	buf, err := json.Marshal(pages)
	if err != nil {
		return VersionedDelta{}, err
	}
	return s.applyLocked(state.Delta{state.KeyLayers: buf}), nil
}

func (s *Session) applyLocked(d state.Delta) VersionedDelta {
	s.state.Apply(d)
	s.version++
	vd := VersionedDelta{Version: s.version, Delta: d.Clone()}
	s.log.Append(vd)
	return vd
}

// UpdatesSince returns the contiguous deltas with version > fromVersion, or
// ErrLogTruncated when the log no longer covers the gap and the caller must
// send a full snapshot instead.
func (s *Session) UpdatesSince(fromVersion uint64) ([]VersionedDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fromVersion >= s.version {
		return nil, nil
	}
	return s.log.Since(fromVersion)
}

// Snapshot returns a copy of the full game state and its version, for the
// full-state resync fallback.
func (s *Session) Snapshot() (state.GameState, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), s.version
}
