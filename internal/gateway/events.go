package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pixelotes/gamebook-studio-sub000/internal/session"
	"github.com/pixelotes/gamebook-studio-sub000/internal/state"
)

// EventType names a message on the session socket.
type EventType string

// Client to server events.
const (
	EventCreateSession         EventType = "create-session"
	EventJoinSession           EventType = "join-session"
	EventUpdateGameState       EventType = "update-game-state"
	EventNavigatePage          EventType = "navigate-page"
	EventUpdateLayers          EventType = "update-layers"
	EventRealTimeUpdate        EventType = "real-time-update"
	EventAckUpdate             EventType = "ack-update"
	EventRequestMissingUpdates EventType = "request-missing-updates"
)

// Server to client events.
const (
	EventGameStateUpdated EventType = "game-state-updated"
	EventPageNavigated    EventType = "page-navigated"
	EventLayersUpdated    EventType = "layers-updated"
	EventPlayerJoined     EventType = "player-joined"
	EventPlayerLeft       EventType = "player-left"
	EventHostChanged      EventType = "host-changed"
	EventResponse         EventType = "response"
)

// Envelope is the wire frame for every socket message. Requests carry a
// fresh ID; responses echo it in ReplyTo so the caller can correlate them.
// Timestamp is server time on outbound frames, used by clients for latency
// display.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id and the given payload.
func NewEnvelope(t EventType, data any) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Data = raw
	}
	return env, nil
}

// NewResponse builds a response envelope correlated to a request.
func NewResponse(replyTo string, data any) (*Envelope, error) {
	env, err := NewEnvelope(EventResponse, data)
	if err != nil {
		return nil, err
	}
	env.ReplyTo = replyTo
	return env, nil
}

// JoinSessionRequest asks to join an existing session. An unknown code
// creates the session rather than failing.
type JoinSessionRequest struct {
	SessionID string `json:"session_id"`
}

// SessionResponse answers both create-session and join-session.
type SessionResponse struct {
	Success     bool            `json:"success"`
	SessionID   string          `json:"session_id"`
	MemberID    string          `json:"member_id"`
	IsHost      bool            `json:"is_host"`
	MemberCount int             `json:"member_count"`
	Version     uint64          `json:"version"`
	GameState   state.GameState `json:"game_state"`
}

// NavigatePagePayload mirrors the active page across the table. It is
// last-write-wins and never versioned.
type NavigatePagePayload struct {
	MemberID         string  `json:"member_id,omitempty"`
	PageCollectionID string  `json:"page_collection_id"`
	CurrentPage      int     `json:"current_page"`
	Scale            float64 `json:"scale"`
}

// UpdateLayersPayload carries a deflate+base64 compressed layer list for
// one page. The same shape is broadcast back out as layers-updated with
// Version filled in.
type UpdateLayersPayload struct {
	PageCollectionID string `json:"page_collection_id"`
	PageNum          int    `json:"page_num"`
	Compressed       string `json:"compressed"`
	Version          uint64 `json:"version,omitempty"`
}

// RealTimeUpdatePayload is an ephemeral broadcast (pointer ping, dice
// roll). It bypasses versioning and the update log and is dropped silently
// for disconnected members.
type RealTimeUpdatePayload struct {
	Kind     string          `json:"kind"`
	MemberID string          `json:"member_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// AckUpdatePayload reports the latest version a client has applied.
// Informational only, recorded for future retransmission bookkeeping.
type AckUpdatePayload struct {
	Version uint64 `json:"version"`
}

// RequestMissingUpdatesPayload asks for the deltas after FromVersion.
type RequestMissingUpdatesPayload struct {
	FromVersion uint64 `json:"from_version"`
}

// MissingUpdatesResponse answers request-missing-updates: either the
// contiguous deltas, or a full snapshot when the log no longer covers the
// gap.
type MissingUpdatesResponse struct {
	Deltas    []session.VersionedDelta `json:"deltas,omitempty"`
	FullState state.GameState          `json:"full_state,omitempty"`
	Version   uint64                   `json:"version"`
}

// MembershipPayload announces player-joined and player-left.
type MembershipPayload struct {
	MemberID    string `json:"member_id"`
	MemberCount int    `json:"member_count"`
}

// HostChangedPayload announces a host reassignment.
type HostChangedPayload struct {
	HostID string `json:"host_id"`
}
