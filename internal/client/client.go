// Package client is the surface the UI drives. It owns the lifecycle of the
// transport session and wires the fan-in: bulk fetches, push events and
// optimistic sends all converge on the reconciliation engine, and the UI
// reads the result back through store selectors. Nothing outside this
// package touches the store directly.
package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shoalchat/shoal/internal/api"
	"github.com/shoalchat/shoal/internal/auth"
	"github.com/shoalchat/shoal/internal/config"
	"github.com/shoalchat/shoal/internal/models"
	"github.com/shoalchat/shoal/internal/reconcile"
	"github.com/shoalchat/shoal/internal/rooms"
	"github.com/shoalchat/shoal/internal/store"
	"github.com/shoalchat/shoal/internal/transport"
	"github.com/shoalchat/shoal/internal/typing"
	"github.com/shoalchat/shoal/internal/wire"
)

// ErrNotStarted guards calls that need a live session.
var ErrNotStarted = errors.New("client: not started")

type Client struct {
	logger *zap.Logger
	cfg    *config.Config

	claims *auth.Claims
	api    *api.Client
	store  *store.Store
	engine *reconcile.Engine

	session  *transport.Session
	rooms    *rooms.Manager
	signaler *typing.Signaler
	cancel   context.CancelFunc
}

// New builds a client from config. The credential is inspected (not
// verified — the server does that on connect) for the local user identity
// that stamps optimistic sends and names the personal room.
func New(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	claims, err := auth.ExtractIdentity(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("inspect credential: %w", err)
	}

	st := store.New()
	return &Client{
		logger: logger,
		cfg:    cfg,
		claims: claims,
		api:    api.NewClient(cfg.ServerURL, cfg.Token, logger),
		store:  st,
		engine: reconcile.New(st, claims.UserID, claims.Username, logger),
	}, nil
}

// Start opens the transport session, joins the personal notification room,
// and seeds the channel list. The caller owns the matching Close on every
// exit path.
func (c *Client) Start(ctx context.Context) error {
	session, err := transport.Dial(ctx, c.cfg.WSURL, c.cfg.Token, transport.DefaultSettings(), c.logger)
	if err != nil {
		return err
	}
	c.session = session
	c.rooms = rooms.NewManager(session, c.claims.UserID, c.logger)
	c.signaler = typing.NewSignaler(session, c.logger)

	session.SubscribeAll(c.handleEvent)
	session.OnLifecycle(func(state transport.State) {
		switch state {
		case transport.StateConnected:
			// Fires on reconnect only; the initial connect happens
			// before this observer registers. The transport never
			// replays subscriptions itself.
			c.rooms.Rejoin()
		case transport.StateDisconnected:
			c.logger.Warn("session disconnected, reconnect attempts exhausted")
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.signaler.Run(runCtx)

	if err := c.rooms.JoinUserRoom(); err != nil {
		c.logger.Warn("join user room failed", zap.Error(err))
	}

	channels, err := c.api.ListChannels(ctx)
	if err != nil {
		c.logger.Warn("initial channel list failed", zap.Error(err))
	} else {
		for _, ch := range channels {
			c.store.UpsertChannel(ch)
		}
	}
	return nil
}

// OnPush registers an observer for raw push events, called after the event
// has been reconciled into the store. Only valid after Start.
func (c *Client) OnPush(h func(event string, data []byte)) {
	if c.session != nil {
		c.session.SubscribeAll(h)
	}
}

// handleEvent is the single fan-in for push events. Typing signals are
// ephemeral and go to the signaler; everything else is a persisted-entity
// event and goes through reconciliation.
func (c *Client) handleEvent(event string, data []byte) {
	switch event {
	case wire.EventUserTyping:
		sig, err := wire.DecodeTypingSignal(data)
		if err != nil {
			c.logger.Warn("dropping malformed typing signal", zap.Error(err))
			return
		}
		if sig.UserID != c.claims.UserID {
			c.signaler.HandleTyping(sig)
		}
	case wire.EventUserStopTyping:
		sig, err := wire.DecodeTypingSignal(data)
		if err != nil {
			return
		}
		c.signaler.HandleStopTyping(sig)
	default:
		c.engine.HandleEvent(event, data)
	}
}

// OpenChannel navigates to a channel: the previous channel room is left,
// the new one joined, and the message history bulk-loaded. Pushes that race
// the load are buffered by the engine and replayed after it applies; a
// response arriving after the user has already navigated away is discarded.
func (c *Client) OpenChannel(ctx context.Context, channelID string) error {
	if c.session == nil {
		return ErrNotStarted
	}

	// An open thread belongs to the previous channel; close it.
	if _, ok := c.rooms.ActiveThread(); ok {
		c.CloseThread()
	}

	gen := c.engine.BeginChannelLoad(channelID)
	if err := c.rooms.JoinChannel(channelID); err != nil {
		c.logger.Warn("join signal not delivered", zap.Error(err))
	}

	msgs, err := c.api.ListMessages(ctx, channelID)
	if err != nil {
		c.engine.FailChannelLoad(channelID, gen)
		return fmt.Errorf("load channel %s: %w", channelID, err)
	}
	c.engine.CompleteChannelLoad(channelID, gen, msgs)
	return nil
}

// OpenThread opens the reply panel for a parent message and bulk-loads its
// thread.
func (c *Client) OpenThread(ctx context.Context, parentID string) error {
	if c.session == nil {
		return ErrNotStarted
	}

	gen := c.engine.BeginThreadLoad(parentID)
	if err := c.rooms.JoinThread(parentID); err != nil {
		c.logger.Warn("join_thread signal not delivered", zap.Error(err))
	}

	replies, err := c.api.ListReplies(ctx, parentID)
	if err != nil {
		c.engine.FailThreadLoad(parentID, gen)
		return fmt.Errorf("load thread %s: %w", parentID, err)
	}
	c.engine.CompleteThreadLoad(parentID, gen, replies)
	return nil
}

// CloseThread leaves the active thread room, if any.
func (c *Client) CloseThread() {
	if c.rooms == nil {
		return
	}
	if threadID, ok := c.rooms.ActiveThread(); ok {
		if err := c.rooms.LeaveThread(threadID); err != nil {
			c.logger.Debug("leave_thread signal not delivered", zap.Error(err))
		}
		c.engine.CloseThread(threadID)
	}
}

// Send posts a message optimistically: it appears in the store immediately
// under a provisional id and is collapsed with the authoritative copy when
// the response (or the push echo) arrives. On failure the entry is marked
// failed and kept for manual retry; nothing auto-resends.
func (c *Client) Send(ctx context.Context, channelID, content string) error {
	if c.session == nil {
		return ErrNotStarted
	}

	prov := c.engine.AddProvisional(channelID, "", content)
	msg, err := c.api.SendMessage(ctx, channelID, content, prov.ClientMsgID, nil)
	if err != nil {
		c.engine.FailSend(prov.ID)
		return fmt.Errorf("send message: %w", err)
	}
	c.engine.Confirm(prov.ID, msg)
	return nil
}

// SendReply posts a threaded reply optimistically. The parent must already
// be known to the store.
func (c *Client) SendReply(ctx context.Context, parentID, content string) error {
	if c.session == nil {
		return ErrNotStarted
	}
	parent, ok := c.store.Message(parentID)
	if !ok {
		return fmt.Errorf("send reply: unknown parent %s", parentID)
	}

	prov := c.engine.AddProvisional(parent.ChannelID, parentID, content)
	msg, err := c.api.SendReply(ctx, parentID, content, prov.ClientMsgID)
	if err != nil {
		c.engine.FailSend(prov.ID)
		return fmt.Errorf("send reply: %w", err)
	}
	c.engine.Confirm(prov.ID, msg)
	return nil
}

// RetrySend re-submits a failed provisional entry.
func (c *Client) RetrySend(ctx context.Context, provisionalID string) error {
	m, ok := c.store.Message(provisionalID)
	if !ok || !m.Failed {
		return fmt.Errorf("retry: no failed message %s", provisionalID)
	}
	c.store.RemoveMessage(provisionalID)
	if m.ParentID != "" {
		return c.SendReply(ctx, m.ParentID, m.Content)
	}
	return c.Send(ctx, m.ChannelID, m.Content)
}

// EditMessage updates content in place; id, sender and channel never
// change. The push echo of the edit is absorbed as a duplicate update.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) error {
	msg, err := c.api.EditMessage(ctx, messageID, content)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	edited := true
	c.store.UpdateMessage(messageID, store.MessagePatch{
		Content:   &msg.Content,
		Edited:    &edited,
		UpdatedAt: &msg.UpdatedAt,
	})
	return nil
}

// DeleteMessage removes a message; the later message_deleted push is an
// idempotent no-op.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if err := c.api.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	c.store.RemoveMessage(messageID)
	return nil
}

// PinMessage pins a message in its channel.
func (c *Client) PinMessage(ctx context.Context, channelID, messageID string) error {
	ch, err := c.api.Pin(ctx, channelID, messageID)
	if err != nil {
		return fmt.Errorf("pin message: %w", err)
	}
	c.store.UpsertChannel(ch)
	return nil
}

// UnpinMessage unpins a message in its channel.
func (c *Client) UnpinMessage(ctx context.Context, channelID, messageID string) error {
	ch, err := c.api.Unpin(ctx, channelID, messageID)
	if err != nil {
		return fmt.Errorf("unpin message: %w", err)
	}
	c.store.UpsertChannel(ch)
	return nil
}

// AcceptInvitation accepts a pending invite and pulls the channel it
// granted access to into the store.
func (c *Client) AcceptInvitation(ctx context.Context, invitationID string) error {
	inv, err := c.api.AcceptInvitation(ctx, invitationID)
	if err != nil {
		return fmt.Errorf("accept invitation: %w", err)
	}
	c.store.RemoveInvitation(invitationID)

	ch, err := c.api.GetChannel(ctx, inv.ChannelID)
	if err != nil {
		c.logger.Warn("fetch channel after invitation", zap.Error(err))
		return nil
	}
	c.store.UpsertChannel(ch)
	return nil
}

// Typing records local input activity (debounced by the signaler).
func (c *Client) Typing(channelID string) {
	if c.signaler != nil {
		c.signaler.Touch(channelID)
	}
}

// StopTyping signals that local input went quiet.
func (c *Client) StopTyping(channelID string) {
	if c.signaler != nil {
		c.signaler.Quiet(channelID)
	}
}

// ---------------------------------------------------------------
// Read selectors, delegated to the store.
// ---------------------------------------------------------------

func (c *Client) Channels() []models.Channel { return c.store.Channels() }

func (c *Client) Channel(id string) (models.Channel, bool) { return c.store.Channel(id) }

func (c *Client) Messages(channelID string) []models.Message { return c.store.Messages(channelID) }

func (c *Client) Replies(parentID string) []models.Message { return c.store.Replies(parentID) }

func (c *Client) PinnedMessages(channelID string) []models.Message {
	return c.store.PinnedMessages(channelID)
}

func (c *Client) Invitations() []models.Invitation { return c.store.Invitations() }

func (c *Client) TypingPeers(channelID string) []typing.Peer {
	if c.signaler == nil {
		return nil
	}
	return c.signaler.TypingPeers(channelID)
}

// ConnectionState reports the transport's lifecycle state for the
// connectivity indicator.
func (c *Client) ConnectionState() transport.State {
	if c.session == nil {
		return transport.StateDisconnected
	}
	return c.session.State()
}

// UserID is the authenticated local user.
func (c *Client) UserID() string { return c.claims.UserID }

// Close releases the session and background work. Safe to call on every
// exit path, including before Start.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.session != nil {
		c.session.Close()
	}
}
