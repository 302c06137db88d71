package session

import (
	"crypto/rand"
	"math/big"
	"sync"

	"github.com/rs/zerolog/log"
)

// Session codes avoid ambiguous characters (0/O, 1/I/L) so they survive
// being read out loud at a table.
const (
	codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	codeLength   = 6
)

// Registry is the process-wide map from session code to Session. Sessions
// are created on demand and removed the instant their member set becomes
// empty; there is no grace period.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create allocates a fresh session under a new random code, collision
// checked against live sessions, and returns both.
func (r *Registry) Create() (string, *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		id = newCode()
		if _, exists := r.sessions[id]; !exists {
			break
		}
	}
	s := NewSession(id)
	r.sessions[id] = s

	log.Info().Str("session_id", id).Msg("session created")
	return id, s
}

// Join adds memberID to the session for id, creating the session when the
// code is unknown. Lookup and membership change happen under the registry
// lock, so a concurrent disconnect cannot remove the session between the
// two; a joiner always ends up in a registered session.
func (r *Registry) Join(id, memberID string) (*Session, JoinResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		s = NewSession(id)
		r.sessions[id] = s
		log.Info().Str("session_id", id).Msg("session created on join")
	}
	return s, s.Join(memberID)
}

// Leave removes memberID from the session for id, deleting the session the
// moment it empties. The removal happens under the registry lock for the
// same reason Join does. ok is false when the code is unknown.
func (r *Registry) Leave(id, memberID string) (res LeaveResult, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return LeaveResult{}, false
	}
	res = s.Leave(memberID)
	if res.Remaining == 0 {
		delete(r.sessions, id)
		log.Info().Str("session_id", id).Msg("empty session removed")
	}
	return res, true
}

// Get returns the session for id when it exists.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the session for id. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		log.Info().Str("session_id", id).Msg("session removed")
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func newCode() string {
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			// crypto/rand only fails when the platform source is broken.
			panic(err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf)
}
