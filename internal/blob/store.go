// Package blob is the opaque document store behind page uploads. The core
// only ever stores a blob under a (session, document) key and fetches it
// back; contents are never inspected. Blobs live in memory and share the
// session's lifetime.
package blob

import (
	"sync"
	"time"
)

type key struct {
	SessionID  string
	DocumentID string
}

// Blob is one stored document.
type Blob struct {
	Data        []byte
	ContentType string
	Filename    string
	UploadedAt  time.Time
}

// Store maps (sessionID, documentID) to uploaded documents.
type Store struct {
	mu    sync.RWMutex
	blobs map[key]Blob
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{blobs: make(map[key]Blob)}
}

// Put stores a blob, replacing any previous document under the same key.
func (s *Store) Put(sessionID, documentID string, b Blob) {
	if b.UploadedAt.IsZero() {
		b.UploadedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key{sessionID, documentID}] = b
}

// Get fetches a blob by key.
func (s *Store) Get(sessionID, documentID string) (Blob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key{sessionID, documentID}]
	return b, ok
}

// DeleteSession drops every blob belonging to a session.
func (s *Store) DeleteSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.blobs {
		if k.SessionID == sessionID {
			delete(s.blobs, k)
		}
	}
}

// Len returns the number of stored blobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
