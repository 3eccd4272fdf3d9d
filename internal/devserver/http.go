package devserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shoalchat/shoal/internal/auth"
	"github.com/shoalchat/shoal/internal/models"
	"github.com/shoalchat/shoal/internal/wire"
)

const contextKeyUserID = "user_id"
const contextKeyUsername = "username"

// authRequired validates the Bearer token and stores the caller's identity
// in the request context.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := auth.ParseToken(parts[1], s.secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyUsername, claims.Username)
		c.Next()
	}
}

func callerID(c *gin.Context) string   { return c.GetString(contextKeyUserID) }
func callerName(c *gin.Context) string { return c.GetString(contextKeyUsername) }

type tokenRequest struct {
	Username string `json:"username" binding:"required"`
}

// handleToken mints a development token for a username, creating the user
// on first sight.
func (s *Server) handleToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user := s.state.ensureUser(req.Username)
	token, err := auth.GenerateToken(user.ID, user.Username, s.secret, 24*time.Hour)
	if err != nil {
		s.logger.Error("mint token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (s *Server) handleListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.channelsFor(callerID(c)))
}

func (s *Server) handleGetChannel(c *gin.Context) {
	ch, ok := s.state.channel(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	c.JSON(http.StatusOK, ch)
}

type createChannelRequest struct {
	Name    string   `json:"name" binding:"required"`
	Kind    string   `json:"kind"`
	Members []string `json:"members"`
}

func (s *Server) handleCreateChannel(c *gin.Context) {
	var req createChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind := models.ChannelKind(req.Kind)
	if kind != models.ChannelPrivate {
		kind = models.ChannelPublic
	}
	ch := s.state.createChannel(req.Name, kind, callerID(c), req.Members)
	for _, member := range ch.Members {
		s.hub.broadcast(member, wire.EventChannelCreated, ch)
	}
	c.JSON(http.StatusCreated, ch)
}

func (s *Server) handleCreateDirect(c *gin.Context) {
	ch, err := s.state.createDirect(callerID(c), c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, member := range ch.Members {
		s.hub.broadcast(member, wire.EventChannelCreated, ch)
	}
	c.JSON(http.StatusCreated, ch)
}

func (s *Server) handleListMessages(c *gin.Context) {
	channelID := c.Param("id")
	if _, ok := s.state.channel(channelID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	c.JSON(http.StatusOK, s.state.listMessages(channelID))
}

type sendMessageRequest struct {
	Content     string             `json:"content"`
	ClientMsgID string             `json:"client_msg_id"`
	Attachment  *models.Attachment `json:"attachment"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Content == "" && req.Attachment == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}

	msg, err := s.state.appendMessage(c.Param("id"), callerID(c), callerName(c), req.Content, req.ClientMsgID, req.Attachment)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	// The echo carries the correlation id so the sender's client can
	// collapse its provisional copy.
	s.hub.broadcast(msg.ChannelID, wire.EventMessageCreated, msg)
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleListReplies(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.listReplies(c.Param("id")))
}

func (s *Server) handleSendReply(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reply, parent, err := s.state.appendReply(c.Param("id"), callerID(c), callerName(c), req.Content, req.ClientMsgID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.hub.broadcast(parent.ID, wire.EventNewReply, reply)
	// Channel subscribers see the parent's authoritative reply count.
	s.hub.broadcast(parent.ChannelID, wire.EventMessageUpdated, parent)
	c.JSON(http.StatusCreated, reply)
}

type editMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) handleEditMessage(c *gin.Context) {
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := s.state.editMessage(c.Param("id"), callerID(c), req.Content)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.hub.broadcast(msg.ChannelID, wire.EventMessageUpdated, msg)
	if msg.ParentID != "" {
		s.hub.broadcast(msg.ParentID, wire.EventMessageUpdated, msg)
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(c *gin.Context) {
	msg, parent, err := s.state.deleteMessage(c.Param("id"), callerID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	payload := gin.H{
		"message_id": msg.ID,
		"channel_id": msg.ChannelID,
		"parent_id":  msg.ParentID,
	}
	s.hub.broadcast(msg.ChannelID, wire.EventMessageDeleted, payload)
	if parent != nil {
		s.hub.broadcast(parent.ID, wire.EventMessageDeleted, payload)
		s.hub.broadcast(parent.ChannelID, wire.EventMessageUpdated, parent)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": msg.ID})
}

func (s *Server) handlePin(c *gin.Context) {
	ch, err := s.state.pin(c.Param("id"), c.Param("messageID"), true)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.hub.broadcast(ch.ID, wire.EventChannelUpdated, ch)
	c.JSON(http.StatusOK, ch)
}

func (s *Server) handleUnpin(c *gin.Context) {
	ch, err := s.state.pin(c.Param("id"), c.Param("messageID"), false)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.hub.broadcast(ch.ID, wire.EventChannelUpdated, ch)
	c.JSON(http.StatusOK, ch)
}

type inviteRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (s *Server) handleInvite(c *gin.Context) {
	var req inviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inv, err := s.state.createInvitation(c.Param("id"), callerID(c), req.UserID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.hub.broadcast(inv.InviteeID, wire.EventNewInvitation, inv)
	c.JSON(http.StatusCreated, inv)
}

func (s *Server) handleAcceptInvitation(c *gin.Context) {
	inv, err := s.state.acceptInvitation(c.Param("id"), callerID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ch, err := s.state.addMember(inv.ChannelID, inv.InviteeID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	change := gin.H{"channel_id": ch.ID, "user_id": inv.InviteeID}
	s.hub.broadcast(ch.ID, wire.EventChannelMemberAdded, change)
	s.hub.broadcast(inv.InviteeID, wire.EventChannelMemberAdded, change)
	c.JSON(http.StatusOK, inv)
}
