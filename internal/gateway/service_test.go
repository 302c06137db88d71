package gateway_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelotes/gamebook-studio-sub000/internal/codec"
	"github.com/pixelotes/gamebook-studio-sub000/internal/gateway"
	"github.com/pixelotes/gamebook-studio-sub000/internal/session"
	"github.com/pixelotes/gamebook-studio-sub000/internal/state"
)

type relayFixture struct {
	registry *session.Registry
	server   *httptest.Server
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	registry := session.NewRegistry()
	service := gateway.NewService(gateway.DefaultConnectionConfig(), registry)

	mux := http.NewServeMux()
	service.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &relayFixture{registry: registry, server: server}
}

func (f *relayFixture) wsURL(memberID string) string {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	if memberID != "" {
		url += "?member_id=" + memberID
	}
	return url
}

// testClient is a raw envelope-level websocket client.
type testClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pushes  chan *gateway.Envelope
	replies chan *gateway.Envelope
}

func dialClient(t *testing.T, f *relayFixture, memberID string) *testClient {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(memberID), nil)
	require.NoError(t, err)

	c := &testClient{
		t:       t,
		conn:    conn,
		pushes:  make(chan *gateway.Envelope, 32),
		replies: make(chan *gateway.Envelope, 8),
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				close(c.pushes)
				return
			}
			var env gateway.Envelope
			if err := json.Unmarshal(message, &env); err != nil {
				continue
			}
			if env.ReplyTo != "" {
				c.replies <- &env
			} else {
				c.pushes <- &env
			}
		}
	}()
	return c
}

func (c *testClient) send(event gateway.EventType, payload any) {
	c.t.Helper()
	env, err := gateway.NewEnvelope(event, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(env))
}

func (c *testClient) request(event gateway.EventType, payload any, out any) {
	c.t.Helper()
	c.send(event, payload)
	select {
	case env := <-c.replies:
		require.NoError(c.t, json.Unmarshal(env.Data, out))
	case <-time.After(2 * time.Second):
		c.t.Fatalf("no response to %s", event)
	}
}

// expectPush scans pushed events until one of the wanted type arrives,
// discarding unrelated broadcasts along the way.
func (c *testClient) expectPush(event gateway.EventType, out any) {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-c.pushes:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", event)
			}
			if env.Type != event {
				continue
			}
			if out != nil {
				require.NoError(c.t, json.Unmarshal(env.Data, out))
			}
			return
		case <-deadline:
			c.t.Fatalf("no %s broadcast received", event)
		}
	}
}

func TestCreateUpdateScenario(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)

	// Client 1 creates a session.
	c1 := dialClient(t, f, "member-1")
	var created gateway.SessionResponse
	c1.request(gateway.EventCreateSession, nil, &created)
	require.True(t, created.Success)
	require.True(t, created.IsHost)
	require.Equal(t, uint64(0), created.Version)
	require.NotEmpty(t, created.SessionID)

	// Client 2 joins and sees version 0 and an empty state.
	c2 := dialClient(t, f, "member-2")
	var joined gateway.SessionResponse
	c2.request(gateway.EventJoinSession, gateway.JoinSessionRequest{SessionID: created.SessionID}, &joined)
	require.True(t, joined.Success)
	assert.False(t, joined.IsHost)
	assert.Equal(t, uint64(0), joined.Version)
	assert.Empty(t, joined.GameState)
	assert.Equal(t, 2, joined.MemberCount)

	// Client 1 is told about the newcomer.
	var membership gateway.MembershipPayload
	c1.expectPush(gateway.EventPlayerJoined, &membership)
	assert.Equal(t, "member-2", membership.MemberID)
	assert.Equal(t, 2, membership.MemberCount)

	// Client 1 updates the notes; client 2 receives version 1.
	c1.send(gateway.EventUpdateGameState, state.Delta{state.KeyNotes: json.RawMessage(`"hello"`)})

	var vd session.VersionedDelta
	c2.expectPush(gateway.EventGameStateUpdated, &vd)
	assert.Equal(t, uint64(1), vd.Version)
	assert.JSONEq(t, `"hello"`, string(vd.Delta[state.KeyNotes]))
}

func TestJoinUnknownSessionCreates(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)

	c := dialClient(t, f, "member-1")
	var joined gateway.SessionResponse
	c.request(gateway.EventJoinSession, gateway.JoinSessionRequest{SessionID: "NEVER1"}, &joined)

	require.True(t, joined.Success)
	assert.True(t, joined.IsHost)
	assert.Equal(t, uint64(0), joined.Version)

	_, ok := f.registry.Get("NEVER1")
	assert.True(t, ok)
}

func TestHostFailoverBroadcast(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)

	c1 := dialClient(t, f, "member-1")
	var created gateway.SessionResponse
	c1.request(gateway.EventCreateSession, nil, &created)

	c2 := dialClient(t, f, "member-2")
	var r2 gateway.SessionResponse
	c2.request(gateway.EventJoinSession, gateway.JoinSessionRequest{SessionID: created.SessionID}, &r2)

	c3 := dialClient(t, f, "member-3")
	var r3 gateway.SessionResponse
	c3.request(gateway.EventJoinSession, gateway.JoinSessionRequest{SessionID: created.SessionID}, &r3)

	// Host disconnects: earliest-joined remaining member takes over.
	c1.conn.Close()

	var left gateway.MembershipPayload
	c2.expectPush(gateway.EventPlayerLeft, &left)
	assert.Equal(t, "member-1", left.MemberID)
	assert.Equal(t, 2, left.MemberCount)

	var host gateway.HostChangedPayload
	c2.expectPush(gateway.EventHostChanged, &host)
	assert.Equal(t, "member-2", host.HostID)

	c3.expectPush(gateway.EventHostChanged, &host)
	assert.Equal(t, "member-2", host.HostID)

	// Next in joined order when the new host also drops.
	c2.conn.Close()
	c3.expectPush(gateway.EventHostChanged, &host)
	assert.Equal(t, "member-3", host.HostID)
}

func TestEmptySessionRemoved(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)

	c := dialClient(t, f, "member-1")
	var created gateway.SessionResponse
	c.request(gateway.EventCreateSession, nil, &created)
	require.Equal(t, 1, f.registry.Count())

	c.conn.Close()

	require.Eventually(t, func() bool {
		return f.registry.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLayersRoundTrip(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)

	c1 := dialClient(t, f, "member-1")
	var created gateway.SessionResponse
	c1.request(gateway.EventCreateSession, nil, &created)

	c2 := dialClient(t, f, "member-2")
	var joined gateway.SessionResponse
	c2.request(gateway.EventJoinSession, gateway.JoinSessionRequest{SessionID: created.SessionID}, &joined)

	compressed, err := codec.CompressJSON([]state.Layer{{ID: "l1", Visible: true}})
	require.NoError(t, err)
	c1.send(gateway.EventUpdateLayers, gateway.UpdateLayersPayload{
		PageCollectionID: "doc",
		PageNum:          3,
		Compressed:       compressed,
	})

	var upd gateway.UpdateLayersPayload
	c2.expectPush(gateway.EventLayersUpdated, &upd)
	assert.Equal(t, uint64(1), upd.Version)
	assert.Equal(t, "doc", upd.PageCollectionID)
	assert.Equal(t, 3, upd.PageNum)

	var layers []state.Layer
	require.NoError(t, codec.DecompressJSON(upd.Compressed, &layers))
	require.Len(t, layers, 1)
	assert.Equal(t, "l1", layers[0].ID)

	// The layer change is versioned: it replays from the log.
	sess, ok := f.registry.Get(created.SessionID)
	require.True(t, ok)
	deltas, err := sess.UpdatesSince(0)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Contains(t, deltas[0].Delta, state.KeyLayers)
}

func TestEphemeralBroadcastNotVersioned(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)

	c1 := dialClient(t, f, "member-1")
	var created gateway.SessionResponse
	c1.request(gateway.EventCreateSession, nil, &created)

	c2 := dialClient(t, f, "member-2")
	var joined gateway.SessionResponse
	c2.request(gateway.EventJoinSession, gateway.JoinSessionRequest{SessionID: created.SessionID}, &joined)

	c1.send(gateway.EventRealTimeUpdate, gateway.RealTimeUpdatePayload{
		Kind: "dice-roll",
		Data: json.RawMessage(`{"result":20}`),
	})

	var rt gateway.RealTimeUpdatePayload
	c2.expectPush(gateway.EventRealTimeUpdate, &rt)
	assert.Equal(t, "dice-roll", rt.Kind)
	assert.Equal(t, "member-1", rt.MemberID)

	// Ephemerals never touch the version counter or the log.
	sess, ok := f.registry.Get(created.SessionID)
	require.True(t, ok)
	_, version := sess.Snapshot()
	assert.Equal(t, uint64(0), version)
}

func TestRequestMissingUpdates(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)

	c1 := dialClient(t, f, "member-1")
	var created gateway.SessionResponse
	c1.request(gateway.EventCreateSession, nil, &created)

	sess, ok := f.registry.Get(created.SessionID)
	require.True(t, ok)

	t.Run("incremental catch-up", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			sess.ApplyUpdate(state.Delta{state.KeyNotes: json.RawMessage(`"x"`)})
		}

		var res gateway.MissingUpdatesResponse
		c1.request(gateway.EventRequestMissingUpdates, gateway.RequestMissingUpdatesPayload{FromVersion: 2}, &res)
		require.Nil(t, res.FullState)
		require.Len(t, res.Deltas, 3)
		assert.Equal(t, uint64(5), res.Version)
	})

	t.Run("full snapshot once the log is truncated", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			sess.ApplyUpdate(state.Delta{state.KeyNotes: json.RawMessage(`"y"`)})
		}

		// 15 updates total with a log of 10: version 2 is long gone.
		var res gateway.MissingUpdatesResponse
		c1.request(gateway.EventRequestMissingUpdates, gateway.RequestMissingUpdatesPayload{FromVersion: 2}, &res)
		require.NotNil(t, res.FullState)
		assert.Empty(t, res.Deltas)
		assert.Equal(t, uint64(15), res.Version)
		assert.JSONEq(t, `"y"`, string(res.FullState[state.KeyNotes]))
	})
}

func TestNavigatePageBroadcast(t *testing.T) {
	t.Parallel()

	f := newRelayFixture(t)

	c1 := dialClient(t, f, "member-1")
	var created gateway.SessionResponse
	c1.request(gateway.EventCreateSession, nil, &created)

	c2 := dialClient(t, f, "member-2")
	var joined gateway.SessionResponse
	c2.request(gateway.EventJoinSession, gateway.JoinSessionRequest{SessionID: created.SessionID}, &joined)

	c1.send(gateway.EventNavigatePage, gateway.NavigatePagePayload{
		PageCollectionID: "doc",
		CurrentPage:      7,
		Scale:            1.5,
	})

	var nav gateway.NavigatePagePayload
	c2.expectPush(gateway.EventPageNavigated, &nav)
	assert.Equal(t, 7, nav.CurrentPage)
	assert.Equal(t, 1.5, nav.Scale)
	assert.Equal(t, "member-1", nav.MemberID)

	// Navigation is last-write-wins with no history: nothing is versioned.
	sess, ok := f.registry.Get(created.SessionID)
	require.True(t, ok)
	_, version := sess.Snapshot()
	assert.Equal(t, uint64(0), version)
}
