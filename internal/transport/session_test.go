package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalchat/shoal/internal/observ"
	"github.com/shoalchat/shoal/internal/wire"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsServer is a scripted backend: it performs the auth handshake and then
// hands the connection to script.
func wsServer(t *testing.T, wantToken string, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.DecodeEnvelope(raw)
		if err != nil || env.Event != wire.EventAuth {
			return
		}
		var auth wire.Auth
		if json.Unmarshal(env.Data, &auth) != nil || auth.Token != wantToken {
			conn.Close()
			return
		}
		ok, _ := wire.Encode(wire.EventAuthOK, map[string]string{"user_id": "u1"})
		if conn.WriteMessage(websocket.TextMessage, ok) != nil {
			return
		}
		if script != nil {
			script(conn)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastSettings() *Settings {
	s := DefaultSettings()
	s.ReconnectBaseDelay = 10 * time.Millisecond
	s.MaxReconnectAttempts = 2
	return s
}

func TestDialEmptyTokenFailsWithoutConnecting(t *testing.T) {
	_, err := Dial(context.Background(), "ws://unused", "", nil, observ.NewNop())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestDialRejectedCredential(t *testing.T) {
	srv := wsServer(t, "good-token", nil)
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), "bad-token", fastSettings(), observ.NewNop())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestDialHandshakeAndDispatch(t *testing.T) {
	events := make(chan string, 4)
	srv := wsServer(t, "tok", func(conn *websocket.Conn) {
		// Give the client a moment to register its handlers.
		time.Sleep(100 * time.Millisecond)
		frame, _ := wire.Encode("message_created", map[string]string{"id": "m1", "channel_id": "c1"})
		conn.WriteMessage(websocket.TextMessage, frame)
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	s, err := Dial(context.Background(), wsURL(srv), "tok", fastSettings(), observ.NewNop())
	require.NoError(t, err)
	defer s.Close()

	s.Subscribe("message_created", func(event string, data []byte) {
		events <- "specific:" + event
	})
	s.SubscribeAll(func(event string, data []byte) {
		events <- "all:" + event
	})

	select {
	case got := <-events:
		assert.Equal(t, "specific:message_created", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	select {
	case got := <-events:
		assert.Equal(t, "all:message_created", got)
	case <-time.After(2 * time.Second):
		t.Fatal("all-handler never ran")
	}
	assert.Equal(t, StateConnected, s.State())
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	srv := wsServer(t, "tok", func(conn *websocket.Conn) {
		time.Sleep(100 * time.Millisecond)
		frame, _ := wire.Encode("ping_event", nil)
		conn.WriteMessage(websocket.TextMessage, frame)
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	s, err := Dial(context.Background(), wsURL(srv), "tok", fastSettings(), observ.NewNop())
	require.NoError(t, err)
	defer s.Close()

	s.Subscribe("ping_event", func(string, []byte) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	s.Subscribe("ping_event", func(string, []byte) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})
	s.SubscribeAll(func(string, []byte) {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handlers never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestUndecodableFrameSkipped(t *testing.T) {
	got := make(chan string, 1)
	srv := wsServer(t, "tok", func(conn *websocket.Conn) {
		time.Sleep(100 * time.Millisecond)
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		frame, _ := wire.Encode("after_garbage", nil)
		conn.WriteMessage(websocket.TextMessage, frame)
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	s, err := Dial(context.Background(), wsURL(srv), "tok", fastSettings(), observ.NewNop())
	require.NoError(t, err)
	defer s.Close()

	s.SubscribeAll(func(event string, data []byte) {
		select {
		case got <- event:
		default:
		}
	})

	select {
	case event := <-got:
		assert.Equal(t, "after_garbage", event)
	case <-time.After(2 * time.Second):
		t.Fatal("good frame after garbage never arrived")
	}
}

func TestSendReachesServer(t *testing.T) {
	received := make(chan *wire.Envelope, 1)
	srv := wsServer(t, "tok", func(conn *websocket.Conn) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.DecodeEnvelope(raw)
		if err == nil {
			received <- env
		}
	})
	defer srv.Close()

	s, err := Dial(context.Background(), wsURL(srv), "tok", fastSettings(), observ.NewNop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send(wire.EventJoin, wire.JoinChannel{Channel: "c1"}))

	select {
	case env := <-received:
		assert.Equal(t, wire.EventJoin, env.Event)
		assert.JSONEq(t, `{"channel":"c1"}`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("signal never reached the server")
	}
}

func TestReconnectAfterLinkDrop(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	srv := wsServer(t, "tok", func(conn *websocket.Conn) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			// First connection dies shortly after the handshake, once
			// the client has had time to register its observer.
			time.Sleep(100 * time.Millisecond)
			return
		}
		time.Sleep(500 * time.Millisecond)
	})
	defer srv.Close()

	s, err := Dial(context.Background(), wsURL(srv), "tok", fastSettings(), observ.NewNop())
	require.NoError(t, err)
	defer s.Close()

	states := make(chan State, 8)
	s.OnLifecycle(func(state State) { states <- state })

	sawReconnecting := false
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-states:
			if st == StateReconnecting {
				sawReconnecting = true
			}
			if st == StateConnected && sawReconnecting {
				mu.Lock()
				defer mu.Unlock()
				assert.GreaterOrEqual(t, dials, 2)
				return
			}
		case <-deadline:
			t.Fatal("session never re-established the link")
		}
	}
}

func TestReconnectExhaustionGoesTerminal(t *testing.T) {
	srv := wsServer(t, "tok", nil)

	s, err := Dial(context.Background(), wsURL(srv), "tok", fastSettings(), observ.NewNop())
	require.NoError(t, err)
	defer s.Close()

	terminal := make(chan struct{})
	s.OnLifecycle(func(state State) {
		if state == StateDisconnected {
			close(terminal)
		}
	})

	// Kill the backend for good.
	srv.Close()

	select {
	case <-terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("session never went terminal")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestCloseMakesSendFail(t *testing.T) {
	srv := wsServer(t, "tok", func(conn *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	s, err := Dial(context.Background(), wsURL(srv), "tok", fastSettings(), observ.NewNop())
	require.NoError(t, err)

	s.Close()
	assert.ErrorIs(t, s.Send(wire.EventTyping, wire.Typing{ChannelID: "c1"}), ErrClosed)
	assert.Equal(t, StateClosed, s.State())
}

func TestCloseReleasesConnectionPromptly(t *testing.T) {
	released := make(chan struct{})
	srv := wsServer(t, "tok", func(conn *websocket.Conn) {
		// Blocks until the client side actually goes away.
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		conn.ReadMessage()
		close(released)
	})
	defer srv.Close()

	s, err := Dial(context.Background(), wsURL(srv), "tok", fastSettings(), observ.NewNop())
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	s.Close()

	// Close must tear the wire down immediately, not leave the read loop
	// parked until its deadline expires.
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("server still held the connection after Close")
	}
}

func TestPruneSendQueueKeepsFreshFramesInOrder(t *testing.T) {
	s := &Session{
		logger:   observ.NewNop(),
		settings: DefaultSettings(),
		sendCh:   make(chan queuedFrame, 8),
	}

	now := time.Now()
	s.sendCh <- queuedFrame{data: []byte("expired"), enqueued: now.Add(-time.Minute)}
	for _, payload := range []string{"a", "b", "c"} {
		s.sendCh <- queuedFrame{data: []byte(payload), enqueued: now}
	}

	s.pruneSendQueue()

	var got []string
drain:
	for {
		select {
		case frame := <-s.sendCh:
			got = append(got, string(frame.data))
		default:
			break drain
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
}
