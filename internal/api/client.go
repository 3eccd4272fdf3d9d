// Package api is the request/response side of the backend boundary: bulk
// fetches on room open and the mutation calls (send, edit, delete, pin).
// The sync core treats these as opaque calls; everything they return flows
// through the same alias-tolerant decoding as push events before it can
// reach the store.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shoalchat/shoal/internal/models"
	"github.com/shoalchat/shoal/internal/wire"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	return raw, nil
}

func decodeMessageList(raw []byte) ([]*models.Message, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode message list: %w", err)
	}
	out := make([]*models.Message, 0, len(items))
	for _, item := range items {
		msg, err := wire.DecodeMessage(item)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// ListChannels fetches every channel the user belongs to.
func (c *Client) ListChannels(ctx context.Context) ([]*models.Channel, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v1/channels", nil)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode channel list: %w", err)
	}
	out := make([]*models.Channel, 0, len(items))
	for _, item := range items {
		ch, err := wire.DecodeChannel(item)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// GetChannel fetches one channel.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v1/channels/"+channelID, nil)
	if err != nil {
		return nil, err
	}
	return wire.DecodeChannel(raw)
}

type createChannelRequest struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Members []string `json:"members,omitempty"`
}

// CreateChannel creates a public or private channel.
func (c *Client) CreateChannel(ctx context.Context, name string, kind models.ChannelKind, members []string) (*models.Channel, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/channels", createChannelRequest{
		Name:    name,
		Kind:    string(kind),
		Members: members,
	})
	if err != nil {
		return nil, err
	}
	return wire.DecodeChannel(raw)
}

// CreateDirect opens (or returns the existing) two-party direct channel
// with the given user.
func (c *Client) CreateDirect(ctx context.Context, userID string) (*models.Channel, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/channels/dm/"+userID, nil)
	if err != nil {
		return nil, err
	}
	return wire.DecodeChannel(raw)
}

// ListMessages is the bulk load for a channel room.
func (c *Client) ListMessages(ctx context.Context, channelID string) ([]*models.Message, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v1/channels/"+channelID+"/messages", nil)
	if err != nil {
		return nil, err
	}
	return decodeMessageList(raw)
}

// ListReplies is the bulk load for a thread room.
func (c *Client) ListReplies(ctx context.Context, messageID string) ([]*models.Message, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v1/messages/"+messageID+"/replies", nil)
	if err != nil {
		return nil, err
	}
	return decodeMessageList(raw)
}

type sendMessageRequest struct {
	Content     string             `json:"content"`
	ClientMsgID string             `json:"client_msg_id,omitempty"`
	Attachment  *models.Attachment `json:"attachment,omitempty"`
}

// SendMessage posts a message; clientMsgID is the correlation id the server
// echoes back on the confirming push event.
func (c *Client) SendMessage(ctx context.Context, channelID, content, clientMsgID string, attachment *models.Attachment) (*models.Message, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/channels/"+channelID+"/messages", sendMessageRequest{
		Content:     content,
		ClientMsgID: clientMsgID,
		Attachment:  attachment,
	})
	if err != nil {
		return nil, err
	}
	return wire.DecodeMessage(raw)
}

// SendReply posts a threaded reply under a parent message.
func (c *Client) SendReply(ctx context.Context, parentID, content, clientMsgID string) (*models.Message, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/messages/"+parentID+"/replies", sendMessageRequest{
		Content:     content,
		ClientMsgID: clientMsgID,
	})
	if err != nil {
		return nil, err
	}
	return wire.DecodeReply(raw)
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// EditMessage replaces a message's content in place.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*models.Message, error) {
	raw, err := c.do(ctx, http.MethodPut, "/v1/messages/"+messageID, editMessageRequest{Content: content})
	if err != nil {
		return nil, err
	}
	return wire.DecodeMessage(raw)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/messages/"+messageID, nil)
	return err
}

// Pin adds a message to the channel's pinned set and returns the updated
// channel.
func (c *Client) Pin(ctx context.Context, channelID, messageID string) (*models.Channel, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/channels/"+channelID+"/pin/"+messageID, nil)
	if err != nil {
		return nil, err
	}
	return wire.DecodeChannel(raw)
}

// Unpin removes a message from the channel's pinned set.
func (c *Client) Unpin(ctx context.Context, channelID, messageID string) (*models.Channel, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/channels/"+channelID+"/unpin/"+messageID, nil)
	if err != nil {
		return nil, err
	}
	return wire.DecodeChannel(raw)
}

type inviteRequest struct {
	UserID string `json:"user_id"`
}

// Invite creates a pending invitation to a channel; the server pushes it to
// the invitee's personal room.
func (c *Client) Invite(ctx context.Context, channelID, userID string) (*models.Invitation, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/channels/"+channelID+"/invite", inviteRequest{UserID: userID})
	if err != nil {
		return nil, err
	}
	return wire.DecodeInvitation(raw)
}

// AcceptInvitation accepts a pending invitation, joining the channel.
func (c *Client) AcceptInvitation(ctx context.Context, invitationID string) (*models.Invitation, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/invitations/"+invitationID+"/accept", nil)
	if err != nil {
		return nil, err
	}
	return wire.DecodeInvitation(raw)
}

// Token mints a development token for a username. Dev-server convenience;
// production deployments hand the client a credential out of band.
func (c *Client) Token(ctx context.Context, username string) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/token", map[string]string{"username": username})
	if err != nil {
		return "", err
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	return resp.Token, nil
}
