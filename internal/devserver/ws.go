package devserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shoalchat/shoal/internal/auth"
	"github.com/shoalchat/shoal/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dev server only; never exposed beyond localhost and tests.
		return true
	},
}

// conn is one websocket subscriber.
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	userID string
	name   string
	rooms  map[string]bool
}

// handleWS upgrades the connection and runs the session. The first frame
// must be the auth event; the server acks with auth_ok before delivering
// anything else.
func (s *Server) handleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	claims, ok := s.handshake(ws)
	if !ok {
		ws.Close()
		return
	}

	client := &conn{
		ws:     ws,
		send:   make(chan []byte, 64),
		userID: claims.UserID,
		name:   claims.Username,
		rooms:  make(map[string]bool),
	}

	go s.writePump(client)
	s.readPump(client)
}

func (s *Server) handshake(ws *websocket.Conn) (*auth.Claims, bool) {
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, false
	}
	env, err := wire.DecodeEnvelope(raw)
	if err != nil || env.Event != wire.EventAuth {
		return nil, false
	}
	var payload wire.Auth
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.Token == "" {
		return nil, false
	}
	claims, err := auth.ParseToken(payload.Token, s.secret)
	if err != nil {
		s.logger.Info("ws auth rejected", zap.Error(err))
		return nil, false
	}

	ack, err := wire.Encode(wire.EventAuthOK, map[string]string{"user_id": claims.UserID})
	if err != nil {
		return nil, false
	}
	ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, ack); err != nil {
		return nil, false
	}
	return claims, true
}

func (s *Server) writePump(c *conn) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(c *conn) {
	defer func() {
		s.hub.drop(c)
		close(c.send)
		c.ws.Close()
	}()

	for {
		c.ws.SetReadDeadline(time.Now().Add(120 * time.Second))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			s.logger.Warn("dropping undecodable ws frame", zap.Error(err))
			continue
		}
		s.handleSignal(c, env)
	}
}

// handleSignal processes one inbound room signal.
func (s *Server) handleSignal(c *conn, env *wire.Envelope) {
	switch env.Event {
	case wire.EventJoin:
		var p wire.JoinChannel
		if json.Unmarshal(env.Data, &p) == nil && p.Channel != "" {
			s.hub.join(p.Channel, c)
			s.hub.broadcast(p.Channel, wire.EventUserJoined, gin.H{
				"channel_id": p.Channel,
				"user":       gin.H{"id": c.userID, "username": c.name},
			})
		}
	case wire.EventLeave:
		var p wire.JoinChannel
		if json.Unmarshal(env.Data, &p) == nil && p.Channel != "" {
			s.hub.leave(p.Channel, c)
			s.hub.broadcast(p.Channel, wire.EventUserLeft, gin.H{
				"channel_id": p.Channel,
				"user":       gin.H{"id": c.userID, "username": c.name},
			})
		}
	case wire.EventJoinThread:
		var p wire.JoinThread
		if json.Unmarshal(env.Data, &p) == nil && p.ThreadID != "" {
			s.hub.join(p.ThreadID, c)
		}
	case wire.EventLeaveThread:
		var p wire.JoinThread
		if json.Unmarshal(env.Data, &p) == nil && p.ThreadID != "" {
			s.hub.leave(p.ThreadID, c)
		}
	case wire.EventJoinUserRoom:
		s.hub.join(c.userID, c)
		select {
		case c.send <- mustEncode(wire.EventUserRoomJoined, gin.H{"user_id": c.userID}):
		default:
		}
	case wire.EventTyping:
		var p wire.Typing
		if json.Unmarshal(env.Data, &p) == nil && p.ChannelID != "" {
			s.hub.broadcast(p.ChannelID, wire.EventUserTyping, gin.H{
				"channel_id": p.ChannelID,
				"user":       gin.H{"id": c.userID, "username": c.name},
			})
		}
	case wire.EventStopTyping:
		var p wire.Typing
		if json.Unmarshal(env.Data, &p) == nil && p.ChannelID != "" {
			s.hub.broadcast(p.ChannelID, wire.EventUserStopTyping, gin.H{
				"channel_id": p.ChannelID,
				"user":       gin.H{"id": c.userID, "username": c.name},
			})
		}
	default:
		s.logger.Debug("ignoring ws signal", zap.String("event", env.Event))
	}
}

func mustEncode(event string, payload any) []byte {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return frame
}
