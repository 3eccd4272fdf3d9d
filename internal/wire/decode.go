package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shoalchat/shoal/internal/models"
)

// ErrMalformedEvent marks a payload the sync core refuses to merge: a frame
// that does not parse, or an entity missing its id or channel. Callers log
// and drop; it never propagates out of the merge path.
var ErrMalformedEvent = errors.New("wire: malformed event")

// The backend serializes ids inconsistently depending on which code path
// produced the payload: "id" from response dicts, "_id" from raw documents,
// "message_id" on deletions and some reply envelopes. Everything below folds
// those into the one canonical field before a payload reaches the store.

type messageJSON struct {
	ID          string             `json:"id"`
	AltID       string             `json:"_id"`
	ClientMsgID string             `json:"client_msg_id"`
	ChannelID   string             `json:"channel_id"`
	AltChannel  string             `json:"channelId"`
	SenderID    string             `json:"sender_id"`
	Username    string             `json:"username"`
	Content     string             `json:"content"`
	Attachment  *models.Attachment `json:"attachment"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Edited      bool               `json:"edited"`
	ParentID    string             `json:"parent_id"`
	ReplyCount  int                `json:"reply_count"`
	IsDirect    bool               `json:"is_direct"`
}

func (m *messageJSON) canonical() *models.Message {
	id := m.ID
	if id == "" {
		id = m.AltID
	}
	channelID := m.ChannelID
	if channelID == "" {
		channelID = m.AltChannel
	}
	return &models.Message{
		ID:          id,
		ClientMsgID: m.ClientMsgID,
		ChannelID:   channelID,
		SenderID:    m.SenderID,
		SenderName:  m.Username,
		Content:     m.Content,
		Attachment:  m.Attachment,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		Edited:      m.Edited,
		ParentID:    m.ParentID,
		ReplyCount:  m.ReplyCount,
		IsDirect:    m.IsDirect,
	}
}

// DecodeMessage normalizes a message payload. Missing id or channel id makes
// the event malformed.
func DecodeMessage(data []byte) (*models.Message, error) {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: message: %v", ErrMalformedEvent, err)
	}
	msg := raw.canonical()
	if msg.ID == "" {
		return nil, fmt.Errorf("%w: message without id", ErrMalformedEvent)
	}
	if msg.ChannelID == "" {
		return nil, fmt.Errorf("%w: message %s without channel", ErrMalformedEvent, msg.ID)
	}
	return msg, nil
}

// DecodeReply normalizes a reply payload. Two shapes exist: a flat message
// carrying parent_id, and an envelope {parent_id|message_id, reply: {...}}.
func DecodeReply(data []byte) (*models.Message, error) {
	var outer struct {
		ParentID  string          `json:"parent_id"`
		MessageID string          `json:"message_id"`
		Reply     json.RawMessage `json:"reply"`
	}
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil, fmt.Errorf("%w: reply: %v", ErrMalformedEvent, err)
	}

	body := data
	if len(outer.Reply) > 0 {
		body = outer.Reply
	}
	msg, err := DecodeMessage(body)
	if err != nil {
		return nil, err
	}
	if msg.ParentID == "" {
		if outer.ParentID != "" {
			msg.ParentID = outer.ParentID
		} else {
			msg.ParentID = outer.MessageID
		}
	}
	if msg.ParentID == "" {
		return nil, fmt.Errorf("%w: reply %s without parent", ErrMalformedEvent, msg.ID)
	}
	return msg, nil
}

// Deletion is the normalized message_deleted payload.
type Deletion struct {
	MessageID string
	ChannelID string
	ParentID  string
}

// DecodeDeletion normalizes a message_deleted payload, which identifies the
// target as message_id, id, or _id depending on origin.
func DecodeDeletion(data []byte) (*Deletion, error) {
	var raw struct {
		MessageID string `json:"message_id"`
		ID        string `json:"id"`
		AltID     string `json:"_id"`
		ChannelID string `json:"channel_id"`
		ParentID  string `json:"parent_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: deletion: %v", ErrMalformedEvent, err)
	}
	id := raw.MessageID
	if id == "" {
		id = raw.ID
	}
	if id == "" {
		id = raw.AltID
	}
	if id == "" {
		return nil, fmt.Errorf("%w: deletion without message id", ErrMalformedEvent)
	}
	return &Deletion{MessageID: id, ChannelID: raw.ChannelID, ParentID: raw.ParentID}, nil
}

type channelJSON struct {
	ID          string    `json:"id"`
	AltID       string    `json:"_id"`
	Name        string    `json:"name"`
	Topic       string    `json:"topic"`
	Description string    `json:"description"`
	Kind        string    `json:"kind"`
	IsPrivate   *bool     `json:"is_private"`
	IsDirect    *bool     `json:"is_direct"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`

	// Members stays nil when the payload carries no membership snapshot;
	// the store only replaces the set wholesale on a non-nil slice.
	Members []string `json:"members"`
	Pinned  []string `json:"pinned_messages"`

	LastMessageID string    `json:"last_message_id"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// DecodeChannel normalizes a channel payload. Kind is taken from the "kind"
// field when present, otherwise derived from the legacy is_private/is_direct
// booleans; a payload carrying neither leaves Kind empty so a partial update
// cannot flip the kind the store already holds.
func DecodeChannel(data []byte) (*models.Channel, error) {
	var raw channelJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: channel: %v", ErrMalformedEvent, err)
	}
	id := raw.ID
	if id == "" {
		id = raw.AltID
	}
	if id == "" {
		return nil, fmt.Errorf("%w: channel without id", ErrMalformedEvent)
	}

	kind := models.ChannelKind(raw.Kind)
	switch kind {
	case models.ChannelPublic, models.ChannelPrivate, models.ChannelDirect:
	default:
		switch {
		case raw.IsDirect != nil && *raw.IsDirect:
			kind = models.ChannelDirect
		case raw.IsPrivate != nil && *raw.IsPrivate:
			kind = models.ChannelPrivate
		case raw.IsDirect != nil || raw.IsPrivate != nil:
			kind = models.ChannelPublic
		default:
			kind = ""
		}
	}

	return &models.Channel{
		ID:               id,
		Name:             raw.Name,
		Topic:            raw.Topic,
		Description:      raw.Description,
		Kind:             kind,
		CreatedBy:        raw.CreatedBy,
		CreatedAt:        raw.CreatedAt,
		Members:          raw.Members,
		PinnedMessageIDs: raw.Pinned,
		LastMessageID:    raw.LastMessageID,
		LastMessageAt:    raw.LastMessageAt,
	}, nil
}

// MemberChange is the normalized channel_member_added/removed payload.
type MemberChange struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

func DecodeMemberChange(data []byte) (*MemberChange, error) {
	var mc MemberChange
	if err := json.Unmarshal(data, &mc); err != nil {
		return nil, fmt.Errorf("%w: member change: %v", ErrMalformedEvent, err)
	}
	if mc.ChannelID == "" || mc.UserID == "" {
		return nil, fmt.Errorf("%w: member change without channel or user", ErrMalformedEvent)
	}
	return &mc, nil
}

// TypingSignal is the normalized user_typing/user_stop_typing payload. The
// backend nests the sender under "user"; test fixtures and older payloads
// use flat user_id/username.
type TypingSignal struct {
	ChannelID string
	UserID    string
	Username  string
}

func DecodeTypingSignal(data []byte) (*TypingSignal, error) {
	var raw struct {
		ChannelID string `json:"channel_id"`
		UserID    string `json:"user_id"`
		Username  string `json:"username"`
		User      *struct {
			ID       string `json:"id"`
			AltID    string `json:"_id"`
			Username string `json:"username"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: typing: %v", ErrMalformedEvent, err)
	}
	sig := &TypingSignal{ChannelID: raw.ChannelID, UserID: raw.UserID, Username: raw.Username}
	if raw.User != nil {
		sig.UserID = raw.User.ID
		if sig.UserID == "" {
			sig.UserID = raw.User.AltID
		}
		sig.Username = raw.User.Username
	}
	if sig.ChannelID == "" || sig.UserID == "" {
		return nil, fmt.Errorf("%w: typing without channel or user", ErrMalformedEvent)
	}
	return sig, nil
}

// DecodeInvitation normalizes a new_invitation payload.
func DecodeInvitation(data []byte) (*models.Invitation, error) {
	var raw struct {
		models.Invitation
		AltID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: invitation: %v", ErrMalformedEvent, err)
	}
	inv := raw.Invitation
	if inv.ID == "" {
		inv.ID = raw.AltID
	}
	if inv.ID == "" || inv.ChannelID == "" {
		return nil, fmt.Errorf("%w: invitation without id or channel", ErrMalformedEvent)
	}
	return &inv, nil
}
