package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pixelotes/gamebook-studio-sub000/internal/codec"
	"github.com/pixelotes/gamebook-studio-sub000/internal/session"
	"github.com/pixelotes/gamebook-studio-sub000/internal/state"
)

// Service is the authoritative relay: it owns the session registry, decodes
// incoming frames, applies updates through each session's sequence point,
// and broadcasts the versioned results to the rest of the table.
type Service struct {
	registry *session.Registry
	conns    *ConnectionManager
}

// NewService wires a registry to a connection manager.
func NewService(config ConnectionConfig, registry *session.Registry) *Service {
	s := &Service{registry: registry}
	s.conns = NewConnectionManager(config, s)
	return s
}

// RegisterRoutes registers the WebSocket endpoint and operational routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.HandleConnection)
	mux.HandleFunc("/ws/stats", s.handleStats)
}

// HandleConnection upgrades a client socket. The member id comes from the
// query string when the client reconnects under an existing identity,
// otherwise a fresh one is assigned.
func (s *Service) HandleConnection(w http.ResponseWriter, r *http.Request) {
	memberID := r.URL.Query().Get("member_id")
	if memberID == "" {
		memberID = uuid.New().String()
	}

	if _, err := s.conns.UpgradeConnection(w, r, memberID); err != nil {
		log.Error().Err(err).Str("member_id", memberID).Msg("failed to upgrade connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
	}
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	total, sessions := s.conns.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"total_connections": total,
		"active_sessions":   len(sessions),
		"session_counts":    sessions,
	})
}

// HandleMessage dispatches one decoded frame. Implements MessageHandler.
func (s *Service) HandleMessage(conn *Connection, env *Envelope) {
	var err error
	switch env.Type {
	case EventCreateSession:
		err = s.handleCreateSession(conn, env)
	case EventJoinSession:
		err = s.handleJoinSession(conn, env)
	case EventUpdateGameState:
		err = s.handleUpdateGameState(conn, env)
	case EventNavigatePage:
		err = s.handleNavigatePage(conn, env)
	case EventUpdateLayers:
		err = s.handleUpdateLayers(conn, env)
	case EventRealTimeUpdate:
		err = s.handleRealTimeUpdate(conn, env)
	case EventAckUpdate:
		err = s.handleAckUpdate(conn, env)
	case EventRequestMissingUpdates:
		err = s.handleRequestMissingUpdates(conn, env)
	default:
		log.Warn().
			Str("event", string(env.Type)).
			Str("connection_id", conn.ID).
			Msg("unknown event type")
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("event", string(env.Type)).
			Str("connection_id", conn.ID).
			Msg("failed to handle event")
	}
}

// HandleDisconnect runs membership teardown after the gateway has stopped
// delivering to the member: Session.Leave, then the membership and host
// broadcasts, then registry cleanup when the session emptied. Implements
// MessageHandler.
func (s *Service) HandleDisconnect(conn *Connection) {
	sessionID := conn.SessionID()
	if sessionID == "" {
		return
	}

	res, ok := s.registry.Leave(sessionID, conn.MemberID)
	if !ok || res.Remaining == 0 {
		return
	}

	if env, err := NewEnvelope(EventPlayerLeft, MembershipPayload{
		MemberID:    conn.MemberID,
		MemberCount: res.Remaining,
	}); err == nil {
		s.conns.Broadcast(sessionID, env, conn.ID)
	}

	if res.WasHost {
		if env, err := NewEnvelope(EventHostChanged, HostChangedPayload{HostID: res.NewHostID}); err == nil {
			s.conns.Broadcast(sessionID, env, conn.ID)
		}
	}
}

func (s *Service) handleCreateSession(conn *Connection, env *Envelope) error {
	id, sess := s.registry.Create()
	res := sess.Join(conn.MemberID)
	s.conns.BindSession(conn, id)

	return s.respond(conn, env, SessionResponse{
		Success:     true,
		SessionID:   id,
		MemberID:    conn.MemberID,
		IsHost:      res.IsHost,
		MemberCount: res.MemberCount,
		Version:     res.Version,
		GameState:   res.State,
	})
}

func (s *Service) handleJoinSession(conn *Connection, env *Envelope) error {
	var req JoinSessionRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return fmt.Errorf("decode join-session: %w", err)
	}

	// An unknown code creates the session rather than failing, so a group
	// can share a code before anyone has opened the table. Join runs under
	// the registry lock so a concurrent last-member disconnect cannot
	// remove the session out from under the joiner.
	_, res := s.registry.Join(req.SessionID, conn.MemberID)
	s.conns.BindSession(conn, req.SessionID)

	if joined, err := NewEnvelope(EventPlayerJoined, MembershipPayload{
		MemberID:    conn.MemberID,
		MemberCount: res.MemberCount,
	}); err == nil {
		s.conns.Broadcast(req.SessionID, joined, conn.ID)
	}

	return s.respond(conn, env, SessionResponse{
		Success:     true,
		SessionID:   req.SessionID,
		MemberID:    conn.MemberID,
		IsHost:      res.IsHost,
		MemberCount: res.MemberCount,
		Version:     res.Version,
		GameState:   res.State,
	})
}

func (s *Service) handleUpdateGameState(conn *Connection, env *Envelope) error {
	sess, err := s.sessionFor(conn)
	if err != nil {
		return err
	}

	var delta state.Delta
	if err := json.Unmarshal(env.Data, &delta); err != nil {
		return fmt.Errorf("decode update-game-state: %w", err)
	}

	vd := sess.ApplyUpdate(delta)
	out, err := NewEnvelope(EventGameStateUpdated, vd)
	if err != nil {
		return err
	}
	s.conns.Broadcast(conn.SessionID(), out, conn.ID)
	return nil
}

func (s *Service) handleNavigatePage(conn *Connection, env *Envelope) error {
	if _, err := s.sessionFor(conn); err != nil {
		return err
	}

	var nav NavigatePagePayload
	if err := json.Unmarshal(env.Data, &nav); err != nil {
		return fmt.Errorf("decode navigate-page: %w", err)
	}
	nav.MemberID = conn.MemberID

	// Not versioned: page position is last-write-wins with no history.
	out, err := NewEnvelope(EventPageNavigated, nav)
	if err != nil {
		return err
	}
	s.conns.Broadcast(conn.SessionID(), out, conn.ID)
	return nil
}

func (s *Service) handleUpdateLayers(conn *Connection, env *Envelope) error {
	sess, err := s.sessionFor(conn)
	if err != nil {
		return err
	}

	var upd UpdateLayersPayload
	if err := json.Unmarshal(env.Data, &upd); err != nil {
		return fmt.Errorf("decode update-layers: %w", err)
	}

	layers, err := codec.Decompress(upd.Compressed)
	if err != nil {
		return fmt.Errorf("decompress layers: %w", err)
	}

	vd, err := sess.ApplyLayerUpdate(state.PageKey(upd.PageCollectionID, upd.PageNum), layers)
	if err != nil {
		return fmt.Errorf("apply layer update: %w", err)
	}

	// Relay the compressed payload as received; the versioned delta is in
	// the log for catch-up.
	upd.Version = vd.Version
	out, err := NewEnvelope(EventLayersUpdated, upd)
	if err != nil {
		return err
	}
	s.conns.Broadcast(conn.SessionID(), out, conn.ID)
	return nil
}

func (s *Service) handleRealTimeUpdate(conn *Connection, env *Envelope) error {
	if _, err := s.sessionFor(conn); err != nil {
		return err
	}

	var rt RealTimeUpdatePayload
	if err := json.Unmarshal(env.Data, &rt); err != nil {
		return fmt.Errorf("decode real-time-update: %w", err)
	}
	rt.MemberID = conn.MemberID

	// Ephemeral: broadcast immediately, never versioned, never logged.
	out, err := NewEnvelope(EventRealTimeUpdate, rt)
	if err != nil {
		return err
	}
	s.conns.Broadcast(conn.SessionID(), out, conn.ID)
	return nil
}

func (s *Service) handleAckUpdate(conn *Connection, env *Envelope) error {
	var ack AckUpdatePayload
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		return fmt.Errorf("decode ack-update: %w", err)
	}
	conn.StoreAck(ack.Version)
	return nil
}

func (s *Service) handleRequestMissingUpdates(conn *Connection, env *Envelope) error {
	sess, err := s.sessionFor(conn)
	if err != nil {
		return err
	}

	var req RequestMissingUpdatesPayload
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return fmt.Errorf("decode request-missing-updates: %w", err)
	}

	deltas, err := sess.UpdatesSince(req.FromVersion)
	if err != nil {
		// The log no longer covers the gap: fall back to a full snapshot.
		snap, version := sess.Snapshot()
		return s.respond(conn, env, MissingUpdatesResponse{
			FullState: snap,
			Version:   version,
		})
	}

	version := req.FromVersion
	if n := len(deltas); n > 0 {
		version = deltas[n-1].Version
	}
	return s.respond(conn, env, MissingUpdatesResponse{
		Deltas:  deltas,
		Version: version,
	})
}

func (s *Service) sessionFor(conn *Connection) (*session.Session, error) {
	id := conn.SessionID()
	if id == "" {
		return nil, fmt.Errorf("connection %s has not joined a session", conn.ID)
	}
	sess, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return sess, nil
}

func (s *Service) respond(conn *Connection, req *Envelope, payload any) error {
	res, err := NewResponse(req.ID, payload)
	if err != nil {
		return err
	}
	s.conns.SendEnvelope(conn, res)
	return nil
}
