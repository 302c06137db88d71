package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pixelotes/gamebook-studio-sub000/internal/gateway"
)

// WSTransport is the gorilla/websocket Transport used against a live relay.
// Responses are correlated to requests by envelope id; every other inbound
// frame goes to the onEvent callback.
type WSTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *gateway.Envelope

	handlersMu   sync.RWMutex
	onEvent      func(*gateway.Envelope)
	onDisconnect func(error)

	closeOnce sync.Once
}

const wsWriteTimeout = 10 * time.Second

// DialOptions configures Dial.
type DialOptions struct {
	// MemberID resumes an existing identity across reconnects; empty lets
	// the server assign one.
	MemberID string

	// OnEvent receives every server-pushed envelope.
	OnEvent func(*gateway.Envelope)

	// OnDisconnect fires exactly once when the socket dies.
	OnDisconnect func(error)
}

// Dial connects to the relay's /ws endpoint and starts the receive loop.
func Dial(ctx context.Context, url string, opts DialOptions) (*WSTransport, error) {
	if opts.MemberID != "" {
		url = url + "?member_id=" + opts.MemberID
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	t := &WSTransport{
		conn:         conn,
		pending:      make(map[string]chan *gateway.Envelope),
		onEvent:      opts.OnEvent,
		onDisconnect: opts.OnDisconnect,
	}
	go t.readLoop()
	return t, nil
}

// SetHandlers replaces the event and disconnect callbacks. Used when the
// consumer of the transport is constructed after the dial.
func (t *WSTransport) SetHandlers(onEvent func(*gateway.Envelope), onDisconnect func(error)) {
	t.handlersMu.Lock()
	t.onEvent = onEvent
	t.onDisconnect = onDisconnect
	t.handlersMu.Unlock()
}

// Send writes a fire-and-forget envelope.
func (t *WSTransport) Send(event gateway.EventType, payload any) error {
	env, err := gateway.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return t.write(env)
}

// Request writes an envelope and blocks until the correlated response
// arrives or ctx expires.
func (t *WSTransport) Request(ctx context.Context, event gateway.EventType, payload any) (json.RawMessage, error) {
	env, err := gateway.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *gateway.Envelope, 1)
	t.pendingMu.Lock()
	t.pending[env.ID] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, env.ID)
		t.pendingMu.Unlock()
	}()

	if err := t.write(env); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", event, ctx.Err())
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection closed", event)
		}
		return res.Data, nil
	}
}

// Close tears the socket down. OnDisconnect still fires via the read loop.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *WSTransport) write(env *gateway.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (t *WSTransport) readLoop() {
	var readErr error
	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		var env gateway.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn().Err(err).Msg("dropping malformed server frame")
			continue
		}

		if env.ReplyTo != "" {
			t.pendingMu.Lock()
			ch, ok := t.pending[env.ReplyTo]
			if ok {
				delete(t.pending, env.ReplyTo)
			}
			t.pendingMu.Unlock()
			if ok {
				ch <- &env
			}
			continue
		}

		t.handlersMu.RLock()
		onEvent := t.onEvent
		t.handlersMu.RUnlock()
		if onEvent != nil {
			onEvent(&env)
		}
	}

	// Fail any in-flight requests before reporting the disconnect.
	t.pendingMu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	t.handlersMu.RLock()
	onDisconnect := t.onDisconnect
	t.handlersMu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(readErr)
	}
}

// Connect dials the relay and returns a SyncAgent wired to the socket:
// server pushes flow into the agent and transport loss drops it to
// Disconnected. The caller still joins or creates a session afterwards.
func Connect(ctx context.Context, url string, cfg Config, callbacks Callbacks) (*SyncAgent, error) {
	transport, err := Dial(ctx, url, DialOptions{})
	if err != nil {
		return nil, err
	}
	agent := NewSyncAgent(transport, cfg, callbacks)
	transport.SetHandlers(agent.HandleEnvelope, agent.OnTransportLoss)
	return agent, nil
}
