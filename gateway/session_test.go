package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enricoaquilina/ss-automation/discord"
)

var upgrader = websocket.Upgrader{}

func contextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// fakeGateway runs a scripted gateway conversation for one connection.
type fakeGateway struct {
	server *httptest.Server

	identify chan discord.Identify
	conns    chan *websocket.Conn
}

// newFakeGateway serves hello, answers identify with READY and hands
// the connection to the test for further scripting.
func newFakeGateway(t *testing.T, sessionID string, closeCode int) *fakeGateway {
	return newFakeGatewayInterval(t, sessionID, closeCode, 45000)
}

// newFakeGatewayInterval additionally controls the advertised heartbeat
// interval, in milliseconds.
func newFakeGatewayInterval(t *testing.T, sessionID string, closeCode int, intervalMillis int) *fakeGateway {
	t.Helper()

	fg := &fakeGateway{
		identify: make(chan discord.Identify, 4),
		conns:    make(chan *websocket.Conn, 4),
	}

	fg.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		hello := map[string]interface{}{
			"op": discord.GatewayOpHello,
			"d":  map[string]interface{}{"heartbeat_interval": intervalMillis},
		}
		require.NoError(t, conn.WriteJSON(hello))

		var identify discord.Identify
		require.NoError(t, conn.ReadJSON(&identify))
		fg.identify <- identify

		if closeCode != 0 {
			deadline := time.Now().Add(time.Second)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode, "closed"), deadline)
			return
		}

		ready, _ := json.Marshal(map[string]interface{}{
			"op": discord.GatewayOpDispatch,
			"s":  1,
			"t":  discord.EventReady,
			"d": map[string]interface{}{
				"v":          10,
				"session_id": sessionID,
			},
		})
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, ready))

		fg.conns <- conn
	}))
	t.Cleanup(fg.server.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.server.URL, "http")
}

func newTestSession(t *testing.T, fg *fakeGateway, handler Handler) *Session {
	t.Helper()
	s := NewSession("user-token", false, handler, zerolog.Nop())
	s.Gateway = fg.url()
	s.ShouldReconnectOnError = false
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIdentifiesAndBecomesReady(t *testing.T) {
	fg := newFakeGateway(t, "sess-abc", 0)
	s := newTestSession(t, fg, nil)

	require.NoError(t, s.Open())

	identify := <-fg.identify
	assert.Equal(t, discord.GatewayOpIdentify, identify.Op)
	assert.Equal(t, "user-token", identify.Data.Token)
	assert.Equal(t, discord.IntentsGuildMessages, identify.Data.Intents)
	assert.False(t, identify.Data.Compress)
	assert.NotEmpty(t, identify.Data.Properties.OS)

	ctx, cancel := contextWithTimeout(t)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))
	assert.Equal(t, "sess-abc", s.SessionID())
}

func TestBotTokenGetsPrefix(t *testing.T) {
	fg := newFakeGateway(t, "sess-bot", 0)
	s := NewSession("bot-token", true, nil, zerolog.Nop())
	s.Gateway = fg.url()
	s.ShouldReconnectOnError = false
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Open())
	identify := <-fg.identify
	assert.Equal(t, "Bot bot-token", identify.Data.Token)
}

func TestAuthenticationFailureIsFatal(t *testing.T) {
	fg := newFakeGateway(t, "", discord.CloseAuthenticationFailed)
	s := newTestSession(t, fg, nil)

	err := s.Open()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	// Once fatal, reopening is refused outright.
	err = s.Open()
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestInvalidIntentsIsFatal(t *testing.T) {
	fg := newFakeGateway(t, "", discord.CloseDisallowedIntents)
	s := newTestSession(t, fg, nil)

	err := s.Open()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthenticationFailed)

	ctx, cancel := contextWithTimeout(t)
	defer cancel()
	assert.Error(t, s.WaitReady(ctx))
}

func TestDispatchReachesHandler(t *testing.T) {
	fg := newFakeGateway(t, "sess-1", 0)

	events := make(chan discord.Event, 4)
	s := newTestSession(t, fg, func(e discord.Event) { events <- e })
	require.NoError(t, s.Open())

	conn := <-fg.conns
	dispatch, _ := json.Marshal(map[string]interface{}{
		"op": discord.GatewayOpDispatch,
		"s":  2,
		"t":  discord.EventMessageCreate,
		"d":  map[string]interface{}{"id": "42", "channel_id": "7", "content": "hi"},
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, dispatch))

	// READY is dispatched to the handler too; skip past it.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != discord.EventMessageCreate {
				continue
			}
			var m discord.Message
			require.NoError(t, json.Unmarshal(e.RawData, &m))
			assert.Equal(t, "42", m.ID)
			return
		case <-deadline:
			t.Fatal("dispatch never reached the handler")
		}
	}
}

func TestHeartbeatRequestIsAnswered(t *testing.T) {
	fg := newFakeGateway(t, "sess-1", 0)
	s := newTestSession(t, fg, nil)
	require.NoError(t, s.Open())

	conn := <-fg.conns
	ping, _ := json.Marshal(map[string]interface{}{"op": discord.GatewayOpHeartbeat})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ping))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var got discord.Heartbeat
		require.NoError(t, conn.ReadJSON(&got))
		if got.Op == discord.GatewayOpHeartbeat {
			return
		}
	}
}

func TestMissedHeartbeatAcksForceClose(t *testing.T) {
	// 40ms interval: the session sends heartbeats but the server never
	// acks, so after twice the interval it must drop the connection.
	fg := newFakeGatewayInterval(t, "sess-hb", 0, 40)
	s := newTestSession(t, fg, nil)
	require.NoError(t, s.Open())

	conn := <-fg.conns
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("session kept the connection despite missing heartbeat acks")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fg := newFakeGateway(t, "sess-1", 0)
	s := newTestSession(t, fg, nil)
	require.NoError(t, s.Open())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Open()
	assert.ErrorIs(t, err, ErrSessionClosed)
}
