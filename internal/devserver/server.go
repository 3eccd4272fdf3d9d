// Package devserver is an in-memory reference implementation of the chat
// backend boundary: the REST surface the bulk-fetch client calls and the
// websocket push side the transport session connects to. It exists so the
// sync core can be developed and integration-tested hermetically, without
// the real backend.
package devserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shoalchat/shoal/internal/auth"
	"github.com/shoalchat/shoal/internal/models"
)

type Server struct {
	logger *zap.Logger
	secret string
	state  *state
	hub    *hub
	router *gin.Engine
}

func New(secret string, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		logger: logger,
		secret: secret,
		state:  newState(),
		hub:    newHub(logger),
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/v1/token", s.handleToken)
	router.GET("/v1/ws", s.handleWS)

	v1 := router.Group("/v1")
	v1.Use(s.authRequired())
	{
		v1.GET("/channels", s.handleListChannels)
		v1.POST("/channels", s.handleCreateChannel)
		v1.GET("/channels/:id", s.handleGetChannel)
		v1.POST("/channels/dm/:userID", s.handleCreateDirect)
		v1.GET("/channels/:id/messages", s.handleListMessages)
		v1.POST("/channels/:id/messages", s.handleSendMessage)
		v1.POST("/channels/:id/pin/:messageID", s.handlePin)
		v1.POST("/channels/:id/unpin/:messageID", s.handleUnpin)
		v1.POST("/channels/:id/invite", s.handleInvite)
		v1.GET("/messages/:id/replies", s.handleListReplies)
		v1.POST("/messages/:id/replies", s.handleSendReply)
		v1.PUT("/messages/:id", s.handleEditMessage)
		v1.DELETE("/messages/:id", s.handleDeleteMessage)
		v1.POST("/invitations/:id/accept", s.handleAcceptInvitation)
	}

	s.router = router
	return s
}

// Router exposes the handler for http.Server and httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// EnsureUser creates (or returns) a user. Test and tooling convenience.
func (s *Server) EnsureUser(username string) *models.User {
	return s.state.ensureUser(username)
}

// MintToken issues a signed token for an existing-or-new user.
func (s *Server) MintToken(username string, ttl time.Duration) (string, *models.User, error) {
	user := s.state.ensureUser(username)
	token, err := auth.GenerateToken(user.ID, user.Username, s.secret, ttl)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}
