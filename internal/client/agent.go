package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pixelotes/gamebook-studio-sub000/internal/codec"
	"github.com/pixelotes/gamebook-studio-sub000/internal/gateway"
	"github.com/pixelotes/gamebook-studio-sub000/internal/session"
	"github.com/pixelotes/gamebook-studio-sub000/internal/state"
)

// Category names a class of local edits sharing one debounce policy.
type Category string

const (
	CategoryDrawing    Category = "drawing"
	CategoryTokens     Category = "tokens"
	CategoryText       Category = "text"
	CategoryCharacters Category = "characters"
	CategoryNotes      Category = "notes"
)

// layerSlot is the scheduler key for the single-slot layer timer.
const layerSlot = "__layers"

// DefaultDebounce maps each category to its coalescing window. Short
// windows keep drawing responsive; long ones keep chatty text edits off
// the wire.
func DefaultDebounce() map[Category]time.Duration {
	return map[Category]time.Duration{
		CategoryDrawing:    50 * time.Millisecond,
		CategoryTokens:     100 * time.Millisecond,
		CategoryText:       500 * time.Millisecond,
		CategoryCharacters: 300 * time.Millisecond,
		CategoryNotes:      time.Second,
	}
}

// Phase is the agent's connection state.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseJoined
	PhaseSynced
	PhaseResyncing
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseJoined:
		return "joined"
	case PhaseSynced:
		return "synced"
	case PhaseResyncing:
		return "resyncing"
	default:
		return "unknown"
	}
}

// ErrJoinFailed is returned when the join handshake is rejected.
var ErrJoinFailed = errors.New("join failed")

// ErrNotConnected is returned for operations that need a joined session.
var ErrNotConnected = errors.New("not connected to a session")

// Transport is the agent's view of the socket. Send is fire-and-forget;
// Request correlates a single structured response. The in-memory fake in
// tests and the WebSocket implementation both satisfy it.
type Transport interface {
	Send(event gateway.EventType, payload any) error
	Request(ctx context.Context, event gateway.EventType, payload any) (json.RawMessage, error)
	Close() error
}

// Callbacks let UI code observe the agent. All fields are optional and
// invoked from the agent's receive path.
type Callbacks struct {
	OnStateChanged  func()
	OnPageNavigated func(gateway.NavigatePagePayload)
	OnEphemeral     func(Ephemeral)
	OnMembership    func(memberCount int, hostID string)
}

// Config tunes the agent.
type Config struct {
	Debounce       map[Category]time.Duration
	LayerDebounce  time.Duration
	RequestTimeout time.Duration
	EphemeralTTL   time.Duration
	Clock          clockwork.Clock
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Debounce:       DefaultDebounce(),
		LayerDebounce:  100 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
		EphemeralTTL:   3 * time.Second,
		Clock:          clockwork.NewRealClock(),
	}
}

// SyncAgent mirrors one session's GameState locally. Local edits apply to
// the mirror immediately and reach the server through per-category debounce
// queues; remote deltas advance the mirror and the last-seen version; a
// version gap triggers an incremental resync with a full-snapshot fallback.
// Construct one agent per application session and pass it by reference; it
// holds no process-wide state.
type SyncAgent struct {
	transport  Transport
	cfg        Config
	sched      *Scheduler
	ephemerals *EphemeralArena
	sweepStop  context.CancelFunc
	callbacks  Callbacks

	mu          sync.Mutex
	phase       Phase
	sessionID   string
	memberID    string
	isHost      bool
	hostID      string
	memberCount int
	mirror      state.GameState
	lastSeen    uint64

	pending      map[Category]state.Delta
	pendingLayer *layerEdit
}

type layerEdit struct {
	pageCollectionID string
	pageNum          int
	layers           json.RawMessage
}

// NewSyncAgent builds an agent over an established transport.
func NewSyncAgent(transport Transport, cfg Config, callbacks Callbacks) *SyncAgent {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Debounce == nil {
		cfg.Debounce = DefaultDebounce()
	}
	if cfg.LayerDebounce <= 0 {
		cfg.LayerDebounce = 100 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.EphemeralTTL <= 0 {
		cfg.EphemeralTTL = 3 * time.Second
	}
	a := &SyncAgent{
		transport:  transport,
		cfg:        cfg,
		sched:      NewScheduler(cfg.Clock),
		ephemerals: NewEphemeralArena(cfg.Clock, cfg.EphemeralTTL),
		callbacks:  callbacks,
		mirror:     state.New(),
		pending:    make(map[Category]state.Delta),
	}

	// Background sweep keeps the arena bounded even when nothing reads
	// Active(); stopped by Close.
	sweepCtx, cancel := context.WithCancel(context.Background())
	a.sweepStop = cancel
	go a.ephemerals.Run(sweepCtx, cfg.EphemeralTTL)

	return a
}

// CreateSession opens a fresh session and seats this agent as host.
func (a *SyncAgent) CreateSession(ctx context.Context) (string, error) {
	res, err := a.handshake(ctx, gateway.EventCreateSession, nil)
	if err != nil {
		return "", err
	}
	return res.SessionID, nil
}

// JoinSession joins the session with the given code. An unknown code is
// created server-side, so the only failures are transport-level.
func (a *SyncAgent) JoinSession(ctx context.Context, sessionID string) error {
	_, err := a.handshake(ctx, gateway.EventJoinSession, gateway.JoinSessionRequest{SessionID: sessionID})
	return err
}

func (a *SyncAgent) handshake(ctx context.Context, event gateway.EventType, payload any) (*gateway.SessionResponse, error) {
	a.setPhase(PhaseConnecting)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	raw, err := a.transport.Request(ctx, event, payload)
	if err != nil {
		a.setPhase(PhaseDisconnected)
		return nil, fmt.Errorf("%s: %w", event, err)
	}

	var res gateway.SessionResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		a.setPhase(PhaseDisconnected)
		return nil, fmt.Errorf("decode %s response: %w", event, err)
	}
	if !res.Success {
		a.setPhase(PhaseDisconnected)
		return nil, ErrJoinFailed
	}

	a.mu.Lock()
	a.phase = PhaseJoined
	a.sessionID = res.SessionID
	a.memberID = res.MemberID
	a.isHost = res.IsHost
	a.memberCount = res.MemberCount
	a.mirror = res.GameState.Clone()
	if a.mirror == nil {
		a.mirror = state.New()
	}
	a.lastSeen = res.Version
	a.phase = PhaseSynced
	a.mu.Unlock()

	log.Info().
		Str("session_id", res.SessionID).
		Str("member_id", res.MemberID).
		Bool("is_host", res.IsHost).
		Uint64("version", res.Version).
		Msg("joined session")

	a.notifyStateChanged()
	return &res, nil
}

// ApplyLocalEdit merges a partial state into the local mirror immediately
// and schedules an outbound delta under the category's debounce window.
// Rapid edits to the same category coalesce into one message carrying the
// latest merged value.
func (a *SyncAgent) ApplyLocalEdit(delta state.Delta, category Category) {
	interval, ok := a.cfg.Debounce[category]
	if !ok {
		interval = 100 * time.Millisecond
	}

	a.mu.Lock()
	a.mirror.Apply(delta)
	merged := a.pending[category]
	if merged == nil {
		merged = make(state.Delta, len(delta))
	}
	for k, v := range delta {
		merged[k] = v
	}
	a.pending[category] = merged
	a.mu.Unlock()

	a.notifyStateChanged()
	a.sched.Schedule(string(category), interval, func() {
		a.flushCategory(category)
	})
}

func (a *SyncAgent) flushCategory(category Category) {
	a.mu.Lock()
	delta := a.pending[category]
	delete(a.pending, category)
	a.mu.Unlock()

	if len(delta) == 0 {
		return
	}
	if err := a.transport.Send(gateway.EventUpdateGameState, delta); err != nil {
		log.Warn().Err(err).Str("category", string(category)).Msg("failed to send update")
	}
}

// ApplyLocalLayerEdit replaces the layer list for one page in the mirror
// and schedules the outbound update on the dedicated single-slot layer
// timer. The payload is compressed before transmission; only the most
// recent pending layer edit survives.
func (a *SyncAgent) ApplyLocalLayerEdit(pageCollectionID string, pageNum int, layers []state.Layer) error {
	raw, err := json.Marshal(layers)
	if err != nil {
		return fmt.Errorf("marshal layers: %w", err)
	}
	pageKey := state.PageKey(pageCollectionID, pageNum)

	a.mu.Lock()
	if err := a.applyLayerLocked(pageKey, raw); err != nil {
		a.mu.Unlock()
		return err
	}
	a.pendingLayer = &layerEdit{pageCollectionID: pageCollectionID, pageNum: pageNum, layers: raw}
	a.mu.Unlock()

	a.notifyStateChanged()
	a.sched.Schedule(layerSlot, a.cfg.LayerDebounce, a.flushLayer)
	return nil
}

// flushLayer sends whatever edit currently occupies the slot. The page label
// comes from the edit itself, never from the timer that fired: a timer for
// one page may race with a replacement edit for another, and the frame must
// describe the layers it actually carries.
func (a *SyncAgent) flushLayer() {
	a.mu.Lock()
	edit := a.pendingLayer
	a.pendingLayer = nil
	a.mu.Unlock()

	if edit == nil {
		return
	}

	compressed, err := codec.Compress(edit.layers)
	if err != nil {
		log.Warn().Err(err).Msg("failed to compress layer payload")
		return
	}
	err = a.transport.Send(gateway.EventUpdateLayers, gateway.UpdateLayersPayload{
		PageCollectionID: edit.pageCollectionID,
		PageNum:          edit.pageNum,
		Compressed:       compressed,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to send layer update")
	}
}

// applyLayerLocked read-modify-writes the nested layers map in the mirror.
func (a *SyncAgent) applyLayerLocked(pageKey string, layers json.RawMessage) error {
	pages := make(map[string]json.RawMessage)
	if raw, ok := a.mirror[state.KeyLayers]; ok {
		if err := json.Unmarshal(raw, &pages); err != nil {
			return fmt.Errorf("decode layers: %w", err)
		}
	}
	pages[pageKey] = layers

	buf, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("encode layers: %w", err)
	}
	a.mirror.Apply(state.Delta{state.KeyLayers: buf})
	return nil
}

// NavigatePage mirrors this client's page position to the table. Page
// position is last-write-wins and never versioned, so it goes straight out
// with no debounce queue.
func (a *SyncAgent) NavigatePage(pageCollectionID string, currentPage int, scale float64) error {
	a.mu.Lock()
	connected := a.phase == PhaseSynced || a.phase == PhaseResyncing
	a.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return a.transport.Send(gateway.EventNavigatePage, gateway.NavigatePagePayload{
		PageCollectionID: pageCollectionID,
		CurrentPage:      currentPage,
		Scale:            scale,
	})
}

// SendEphemeral broadcasts a pointer ping or dice roll. Ephemerals bypass
// versioning and the update log; a momentarily disconnected recipient just
// misses them.
func (a *SyncAgent) SendEphemeral(kind string, data any) error {
	a.mu.Lock()
	connected := a.phase == PhaseSynced || a.phase == PhaseResyncing
	a.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal ephemeral: %w", err)
	}
	return a.transport.Send(gateway.EventRealTimeUpdate, gateway.RealTimeUpdatePayload{
		Kind: kind,
		Data: raw,
	})
}

// HandleEnvelope feeds a server-pushed frame into the agent. The transport
// receive loop calls this for every non-response envelope.
func (a *SyncAgent) HandleEnvelope(env *gateway.Envelope) {
	switch env.Type {
	case gateway.EventGameStateUpdated:
		var vd session.VersionedDelta
		if err := json.Unmarshal(env.Data, &vd); err != nil {
			log.Warn().Err(err).Msg("malformed game-state-updated")
			return
		}
		a.OnRemoteDelta(vd)

	case gateway.EventLayersUpdated:
		a.onRemoteLayers(env)

	case gateway.EventPageNavigated:
		var nav gateway.NavigatePagePayload
		if err := json.Unmarshal(env.Data, &nav); err != nil {
			return
		}
		if a.callbacks.OnPageNavigated != nil {
			a.callbacks.OnPageNavigated(nav)
		}

	case gateway.EventRealTimeUpdate:
		var rt gateway.RealTimeUpdatePayload
		if err := json.Unmarshal(env.Data, &rt); err != nil {
			return
		}
		e := Ephemeral{Kind: rt.Kind, MemberID: rt.MemberID, Data: rt.Data}
		a.ephemerals.Add(e)
		if a.callbacks.OnEphemeral != nil {
			a.callbacks.OnEphemeral(e)
		}

	case gateway.EventPlayerJoined, gateway.EventPlayerLeft:
		var m gateway.MembershipPayload
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return
		}
		a.mu.Lock()
		a.memberCount = m.MemberCount
		hostID := a.hostID
		a.mu.Unlock()
		if a.callbacks.OnMembership != nil {
			a.callbacks.OnMembership(m.MemberCount, hostID)
		}

	case gateway.EventHostChanged:
		var h gateway.HostChangedPayload
		if err := json.Unmarshal(env.Data, &h); err != nil {
			return
		}
		a.mu.Lock()
		a.hostID = h.HostID
		a.isHost = h.HostID == a.memberID
		count := a.memberCount
		a.mu.Unlock()
		if a.callbacks.OnMembership != nil {
			a.callbacks.OnMembership(count, h.HostID)
		}

	default:
		log.Debug().Str("event", string(env.Type)).Msg("unhandled server event")
	}
}

// OnRemoteDelta merges an authoritative delta into the mirror. Stale
// versions are ignored; a version gap triggers a resync.
func (a *SyncAgent) OnRemoteDelta(vd session.VersionedDelta) {
	a.mu.Lock()
	if vd.Version <= a.lastSeen {
		a.mu.Unlock()
		return
	}
	if vd.Version > a.lastSeen+1 {
		a.mu.Unlock()
		log.Info().
			Uint64("got", vd.Version).
			Uint64("last_seen", a.lastSeen).
			Msg("version gap detected, resyncing")
		a.resyncAsync()
		return
	}
	a.mirror.Apply(vd.Delta)
	a.lastSeen = vd.Version
	a.mu.Unlock()

	a.ackVersion(vd.Version)
	a.notifyStateChanged()
}

// onRemoteLayers applies a compressed layers-updated broadcast. It carries
// the same version stream as game-state deltas, so the same stale/gap rules
// apply; gaps are healed from the log, where the layer change is recorded
// as a plain delta.
func (a *SyncAgent) onRemoteLayers(env *gateway.Envelope) {
	var upd gateway.UpdateLayersPayload
	if err := json.Unmarshal(env.Data, &upd); err != nil {
		log.Warn().Err(err).Msg("malformed layers-updated")
		return
	}

	layers, err := codec.Decompress(upd.Compressed)
	if err != nil {
		log.Warn().Err(err).Msg("failed to decompress layers-updated")
		return
	}

	a.mu.Lock()
	if upd.Version <= a.lastSeen {
		a.mu.Unlock()
		return
	}
	if upd.Version > a.lastSeen+1 {
		a.mu.Unlock()
		a.resyncAsync()
		return
	}
	if err := a.applyLayerLocked(state.PageKey(upd.PageCollectionID, upd.PageNum), layers); err != nil {
		a.mu.Unlock()
		log.Warn().Err(err).Msg("failed to apply layers-updated")
		return
	}
	a.lastSeen = upd.Version
	a.mu.Unlock()

	a.ackVersion(upd.Version)
	a.notifyStateChanged()
}

// Resync requests the deltas missed since the last seen version and applies
// them in order, falling back to installing a full snapshot when the server
// log no longer covers the gap. The request carries a bounded timeout; on
// failure the agent drops to Disconnected and the caller rejoins from
// scratch.
func (a *SyncAgent) Resync(ctx context.Context) error {
	a.mu.Lock()
	if a.phase == PhaseResyncing {
		a.mu.Unlock()
		return nil
	}
	if a.phase != PhaseSynced && a.phase != PhaseJoined {
		a.mu.Unlock()
		return ErrNotConnected
	}
	a.phase = PhaseResyncing
	from := a.lastSeen
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	raw, err := a.transport.Request(ctx, gateway.EventRequestMissingUpdates, gateway.RequestMissingUpdatesPayload{FromVersion: from})
	if err != nil {
		a.setPhase(PhaseDisconnected)
		return fmt.Errorf("request missing updates: %w", err)
	}

	var res gateway.MissingUpdatesResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		a.setPhase(PhaseDisconnected)
		return fmt.Errorf("decode missing updates: %w", err)
	}

	a.mu.Lock()
	if res.FullState != nil {
		a.mirror = res.FullState.Clone()
		a.lastSeen = res.Version
	} else {
		for _, vd := range res.Deltas {
			if vd.Version <= a.lastSeen {
				continue
			}
			a.mirror.Apply(vd.Delta)
			a.lastSeen = vd.Version
		}
	}
	version := a.lastSeen
	a.phase = PhaseSynced
	a.mu.Unlock()

	log.Info().Uint64("version", version).Msg("resync complete")

	a.ackVersion(version)
	a.notifyStateChanged()
	return nil
}

func (a *SyncAgent) resyncAsync() {
	go func() {
		if err := a.Resync(context.Background()); err != nil && !errors.Is(err, ErrNotConnected) {
			log.Error().Err(err).Msg("resync failed")
		}
	}()
}

// OnTransportLoss drops the agent to Disconnected, cancelling every pending
// debounce timer and discarding coalesced edits; the mirror survives for
// display until the caller reconnects and rejoins.
func (a *SyncAgent) OnTransportLoss(err error) {
	a.sched.CancelAll()

	a.mu.Lock()
	a.phase = PhaseDisconnected
	a.pending = make(map[Category]state.Delta)
	a.pendingLayer = nil
	a.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("transport lost")
	}
	a.notifyStateChanged()
}

func (a *SyncAgent) ackVersion(version uint64) {
	if err := a.transport.Send(gateway.EventAckUpdate, gateway.AckUpdatePayload{Version: version}); err != nil {
		log.Debug().Err(err).Msg("failed to send ack")
	}
}

func (a *SyncAgent) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}

func (a *SyncAgent) notifyStateChanged() {
	if a.callbacks.OnStateChanged != nil {
		a.callbacks.OnStateChanged()
	}
}

// Phase returns the agent's connection state.
func (a *SyncAgent) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// SessionID returns the joined session code, or empty.
func (a *SyncAgent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// MemberID returns the identity assigned by the server on join.
func (a *SyncAgent) MemberID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.memberID
}

// IsHost reports whether this agent currently holds the host role.
func (a *SyncAgent) IsHost() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isHost
}

// MemberCount returns the last known member count.
func (a *SyncAgent) MemberCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.memberCount
}

// Version returns the last version observed from the server.
func (a *SyncAgent) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeen
}

// Mirror returns a copy of the local game state mirror.
func (a *SyncAgent) Mirror() state.GameState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mirror.Clone()
}

// Ephemerals returns the live pointer pings and dice rolls.
func (a *SyncAgent) Ephemerals() *EphemeralArena {
	return a.ephemerals
}

// Close stops the background sweep and shuts the transport down.
func (a *SyncAgent) Close() error {
	a.sweepStop()
	a.sched.CancelAll()
	return a.transport.Close()
}
