// Package transport owns the one persistent connection to the chat backend.
// A Session authenticates on connect, delivers inbound push events to
// subscribed handlers in arrival order, and queues outbound signals as
// best-effort traffic. On link loss it reconnects with bounded backoff,
// re-running the auth handshake each time; it deliberately does not replay
// room subscriptions, because only the room manager knows which rooms are
// still active.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shoalchat/shoal/internal/wire"
)

var (
	// ErrAuth means the credential was missing or rejected at connect
	// time. Fatal: the session never retries an auth failure on the
	// initial dial.
	ErrAuth = errors.New("transport: authentication failed")

	// ErrClosed means the session was closed by its owner.
	ErrClosed = errors.New("transport: session closed")

	// ErrSendQueueFull means the outbound queue is saturated; the signal
	// was dropped. Outbound traffic is best-effort by contract.
	ErrSendQueueFull = errors.New("transport: send queue full")
)

// State is the session's externally visible lifecycle position.
type State int

const (
	StateConnected State = iota
	StateReconnecting
	// StateDisconnected is terminal: reconnect attempts are exhausted.
	// Recovery requires a fresh Dial.
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives one inbound event. Handlers run on the read loop, one
// event at a time, in registration order; a handler must not block.
type Handler func(event string, data []byte)

// LifecycleHandler observes state transitions.
type LifecycleHandler func(state State)

type Settings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingInterval       time.Duration

	// Reconnect pacing: base delay doubles per attempt, capped at
	// MaxReconnectAttempts before the session goes terminal.
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	// Outbound queue. Frames older than SendRetryWindow when they reach
	// the writer are dropped rather than delivered late.
	SendQueueLen    int
	SendRetryWindow time.Duration
}

func DefaultSettings() *Settings {
	return &Settings{
		WsHandshakeTimeout:   2 * time.Second,
		AuthTimeout:          2 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          60 * time.Second,
		PingInterval:         15 * time.Second,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectAttempts: 5,
		SendQueueLen:         64,
		SendRetryWindow:      30 * time.Second,
	}
}

type queuedFrame struct {
	data     []byte
	enqueued time.Time
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	logger   *zap.Logger
	url      string
	token    string
	settings *Settings

	sendCh chan queuedFrame

	mu          sync.Mutex
	state       State
	handlers    map[string][]Handler
	allHandlers []Handler
	lifecycle   []LifecycleHandler
}

// Dial opens the session: websocket connect, auth handshake, then the
// background run loop. A missing or rejected credential fails with ErrAuth
// and no session is returned. Every successful Dial must be paired with a
// Close on all exit paths, or the connection and its handlers leak.
func Dial(ctx context.Context, url, token string, settings *Settings, logger *zap.Logger) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing credential", ErrAuth)
	}
	if settings == nil {
		settings = DefaultSettings()
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctx:      sessionCtx,
		cancel:   cancel,
		logger:   logger,
		url:      url,
		token:    token,
		settings: settings,
		sendCh:   make(chan queuedFrame, settings.SendQueueLen),
		state:    StateConnected,
		handlers: make(map[string][]Handler),
	}

	conn, err := s.connectAndAuth(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	go s.run(conn)
	return s, nil
}

// connectAndAuth dials and performs the auth handshake: the auth frame is
// the first thing on the wire, and the server answers auth_ok before any
// other event.
func (s *Session) connectAndAuth(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.settings.WsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	authFrame, err := wire.Encode(wire.EventAuth, wire.Auth{Token: s.token})
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(s.settings.AuthTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, authFrame); err != nil {
		return nil, fmt.Errorf("write auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.settings.AuthTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	env, err := wire.DecodeEnvelope(raw)
	if err != nil || env.Event != wire.EventAuthOK {
		return nil, fmt.Errorf("%w: unexpected handshake reply", ErrAuth)
	}

	success = true
	return conn, nil
}

// run owns the connection across its whole life, reconnecting on link loss
// until attempts are exhausted or the session is closed.
func (s *Session) run(conn *websocket.Conn) {
	for {
		s.runConn(conn)
		conn.Close()

		select {
		case <-s.ctx.Done():
			s.setState(StateClosed)
			return
		default:
		}

		s.setState(StateReconnecting)
		next, ok := s.reconnect()
		if !ok {
			s.setState(StateDisconnected)
			return
		}
		conn = next
		s.pruneSendQueue()
		s.setState(StateConnected)
	}
}

// reconnect retries the connect-and-auth sequence with a doubling delay.
// Returns false once attempts are exhausted or the session closes.
func (s *Session) reconnect() (*websocket.Conn, bool) {
	delay := s.settings.ReconnectBaseDelay
	for attempt := 1; attempt <= s.settings.MaxReconnectAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
		delay *= 2

		conn, err := s.connectAndAuth(s.ctx)
		if err != nil {
			s.logger.Info("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("reconnected", zap.Int("attempt", attempt))
		return conn, true
	}
	s.logger.Warn("reconnect attempts exhausted",
		zap.Int("attempts", s.settings.MaxReconnectAttempts),
	)
	return nil, false
}

// runConn reads and writes one live connection until it drops or the
// session closes.
func (s *Session) runConn(conn *websocket.Conn) {
	connCtx, connCancel := context.WithCancel(s.ctx)
	defer connCancel()

	var wg sync.WaitGroup

	// Closing the conn is the only way to unblock a pending ReadMessage,
	// so Close must not wait out the read deadline.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-connCtx.Done()
		conn.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer connCancel()
		s.writeLoop(connCtx, conn)
	}()

	s.readLoop(connCtx, conn)
	connCancel()
	wg.Wait()
}

func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn) {
	ping := time.NewTicker(s.settings.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.sendCh:
			if time.Since(frame.enqueued) > s.settings.SendRetryWindow {
				s.logger.Debug("dropping stale outbound frame")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				s.logger.Info("write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				s.logger.Info("read failed", zap.Error(err))
			}
			return
		}

		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		s.dispatch(env.Event, env.Data)
	}
}

// dispatch runs handlers synchronously on the read loop: one event at a
// time, in registration order. This is what gives downstream mutation its
// run-to-completion atomicity.
func (s *Session) dispatch(event string, data []byte) {
	s.mu.Lock()
	specific := append([]Handler(nil), s.handlers[event]...)
	all := append([]Handler(nil), s.allHandlers...)
	s.mu.Unlock()

	for _, h := range specific {
		h(event, data)
	}
	for _, h := range all {
		h(event, data)
	}
}

// Subscribe registers a handler for one event name. Multiple handlers for
// the same name run in registration order.
func (s *Session) Subscribe(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

// SubscribeAll registers a handler for every inbound event. All-handlers
// run after event-specific ones.
func (s *Session) SubscribeAll(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allHandlers = append(s.allHandlers, h)
}

// OnLifecycle registers an observer for state transitions. Observers run on
// the session's run loop.
func (s *Session) OnLifecycle(h LifecycleHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = append(s.lifecycle, h)
}

// Send queues an outbound signal, fire-and-forget. Queued frames survive a
// momentary link drop; anything older than the retry window when the writer
// gets to it is discarded.
func (s *Session) Send(event string, payload any) error {
	select {
	case <-s.ctx.Done():
		return ErrClosed
	default:
	}

	data, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- queuedFrame{data: data, enqueued: time.Now()}:
		return nil
	default:
		s.logger.Warn("send queue full, dropping signal", zap.String("event", event))
		return ErrSendQueueFull
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	observers := append([]LifecycleHandler(nil), s.lifecycle...)
	s.mu.Unlock()

	for _, h := range observers {
		h(state)
	}
}

// pruneSendQueue drops queued frames that aged past the retry window while
// the link was down.
func (s *Session) pruneSendQueue() {
	var fresh []queuedFrame
	for {
		select {
		case frame := <-s.sendCh:
			if time.Since(frame.enqueued) > s.settings.SendRetryWindow {
				s.logger.Debug("discarding expired outbound frame")
				continue
			}
			fresh = append(fresh, frame)
		default:
			// Re-enqueue the survivors in their original order.
			for _, frame := range fresh {
				select {
				case s.sendCh <- frame:
				default:
					s.logger.Warn("send queue refilled during prune, dropping frame")
				}
			}
			return
		}
	}
}

// Close tears the session down: the connection is closed, the run loop
// exits, and pending handlers are released.
func (s *Session) Close() {
	s.cancel()
	s.setState(StateClosed)
}
