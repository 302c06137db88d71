package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// MessageHandler receives decoded frames and disconnects from the
// connection manager. The manager guarantees HandleDisconnect fires exactly
// once per connection, after which no further sends reach the member.
type MessageHandler interface {
	HandleMessage(conn *Connection, env *Envelope)
	HandleDisconnect(conn *Connection)
}

// ConnectionManager owns the WebSocket connections, grouped per session
// once a connection has joined one. It is transport only: session semantics
// live in the Service handed in as MessageHandler.
type ConnectionManager struct {
	sessionConns map[string]map[*Connection]bool
	mu           sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	handler  MessageHandler
}

// Connection is one client socket. SessionID is empty until the connection
// joins or creates a session.
type Connection struct {
	ID       string
	MemberID string
	Conn     *websocket.Conn
	Send     chan []byte
	manager  *ConnectionManager

	ConnectedAt time.Time

	sessionMu sync.Mutex
	sessionID string

	// Latest version acknowledged by the client, kept for future
	// retransmission bookkeeping.
	lastAck atomic.Uint64

	// done is closed on disconnect; closed gates late sends so a frame is
	// never queued after the disconnect handler has fired.
	done           chan struct{}
	closed         atomic.Bool
	disconnectOnce sync.Once
}

// ConnectionConfig holds the socket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the default socket tuning. Layer payloads
// are compressed but still sizeable, hence the generous message limit.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1 << 20, // 1MB
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Trusted small-group deployments; restrict when exposed.
			return true
		},
	}
}

// NewConnectionManager creates a manager dispatching to handler.
func NewConnectionManager(config ConnectionConfig, handler MessageHandler) *ConnectionManager {
	return &ConnectionManager{
		sessionConns: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:  config,
		handler: handler,
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket and starts its
// pumps. The connection is unbound until it joins a session.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, memberID string) (*Connection, error) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade connection: %w", err)
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		MemberID:    memberID,
		Conn:        ws,
		Send:        make(chan []byte, 256),
		manager:     cm,
		ConnectedAt: time.Now(),
		done:        make(chan struct{}),
	}

	go conn.writePump()
	go conn.readPump()

	log.Info().
		Str("connection_id", conn.ID).
		Str("member_id", memberID).
		Msg("websocket connection established")

	return conn, nil
}

// BindSession registers the connection under a session pool.
func (cm *ConnectionManager) BindSession(conn *Connection, sessionID string) {
	conn.sessionMu.Lock()
	conn.sessionID = sessionID
	conn.sessionMu.Unlock()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.sessionConns[sessionID] == nil {
		cm.sessionConns[sessionID] = make(map[*Connection]bool)
	}
	cm.sessionConns[sessionID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID).
		Int("connections", len(cm.sessionConns[sessionID])).
		Msg("connection bound to session")
}

// unbind removes the connection from its session pool, if any.
func (cm *ConnectionManager) unbind(conn *Connection) {
	sessionID := conn.SessionID()
	if sessionID == "" {
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conns, ok := cm.sessionConns[sessionID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(cm.sessionConns, sessionID)
		}
	}
}

// SessionID returns the session this connection has joined, or empty.
func (c *Connection) SessionID() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// LastAck returns the latest version the client has acknowledged.
func (c *Connection) LastAck() uint64 {
	return c.lastAck.Load()
}

// StoreAck records the latest version the client has acknowledged.
func (c *Connection) StoreAck(version uint64) {
	c.lastAck.Store(version)
}

// SendEnvelope marshals env onto the connection's outbound queue. A full
// queue means the client is too slow to keep up; the frame is dropped and
// the connection closed so the client reconnects and resyncs.
func (cm *ConnectionManager) SendEnvelope(conn *Connection, env *Envelope) {
	if conn.closed.Load() {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("event", string(env.Type)).Msg("failed to marshal envelope")
		return
	}
	select {
	case conn.Send <- data:
	default:
		log.Warn().
			Str("connection_id", conn.ID).
			Str("member_id", conn.MemberID).
			Msg("send buffer full, closing connection")
		conn.Conn.Close()
	}
}

// Broadcast sends env to every connection bound to sessionID except
// excludeConnID (empty means no exclusion).
func (cm *ConnectionManager) Broadcast(sessionID string, env *Envelope, excludeConnID string) {
	cm.mu.RLock()
	conns, ok := cm.sessionConns[sessionID]
	if !ok {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(conns))
	for conn := range conns {
		if conn.ID == excludeConnID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		cm.SendEnvelope(conn, env)
	}

	log.Debug().
		Str("event", string(env.Type)).
		Str("session_id", sessionID).
		Int("connections", len(targets)).
		Msg("event broadcast")
}

// Stats returns counts of live connections per session.
func (cm *ConnectionManager) Stats() (total int, sessions map[string]int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	sessions = make(map[string]int, len(cm.sessionConns))
	for id, conns := range cm.sessionConns {
		sessions[id] = len(conns)
		total += len(conns)
	}
	return total, sessions
}

// handleDisconnect runs the teardown sequence exactly once: unbind so no
// further sends reach the member, then let the handler run Session.Leave
// and the membership broadcasts.
func (cm *ConnectionManager) handleDisconnect(conn *Connection) {
	conn.disconnectOnce.Do(func() {
		conn.closed.Store(true)
		cm.unbind(conn)
		close(conn.done)
		cm.handler.HandleDisconnect(conn)

		log.Info().
			Str("connection_id", conn.ID).
			Str("member_id", conn.MemberID).
			Msg("connection closed")
	})
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("write failed")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.manager.handleDisconnect(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", c.ID).
				Msg("dropping malformed frame")
			continue
		}
		c.manager.handler.HandleMessage(c, &env)
	}
}
