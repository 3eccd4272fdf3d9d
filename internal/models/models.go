package models

import (
	"time"
)

// ChannelKind discriminates the three channel flavors. Direct channels
// carry exactly two distinct members for their whole lifetime.
type ChannelKind string

const (
	ChannelPublic  ChannelKind = "public"
	ChannelPrivate ChannelKind = "private"
	ChannelDirect  ChannelKind = "direct"
)

// Channel is a chat room. The Members slice is treated as a set: order is
// irrelevant and membership changes arrive as explicit add/remove events,
// never inferred. PinnedMessageIDs is likewise a set.
type Channel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Topic       string      `json:"topic,omitempty"`
	Description string      `json:"description,omitempty"`
	Kind        ChannelKind `json:"kind"`
	CreatedBy   string      `json:"created_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`

	Members          []string `json:"members"`
	PinnedMessageIDs []string `json:"pinned_messages,omitempty"`

	// Last-message pointer, advanced by every accepted message so the
	// channel list can be ordered by recency without loading messages.
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

// IsDirect reports whether the channel is a two-party direct conversation.
func (c *Channel) IsDirect() bool {
	return c.Kind == ChannelDirect
}

// HasMember reports set membership on Members.
func (c *Channel) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// HasPinned reports whether messageID is in the pinned set.
func (c *Channel) HasPinned(messageID string) bool {
	for _, id := range c.PinnedMessageIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

// Attachment describes a file carried by a message. Content may be empty
// when an attachment is present.
type Attachment struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// Message is a chat message or, when ParentID is set, a threaded reply.
//
// ID is the one canonical identifier. The backend historically exposes it
// under two field names; the wire package folds both into this field before
// a message reaches anything else. A message never changes ID, SenderID or
// ChannelID after creation; edits mutate Content in place.
//
// ClientMsgID is the client-generated correlation id attached to optimistic
// sends. The server echoes it back on the confirming event, which lets
// reconciliation collapse the provisional copy with the authoritative one
// without guessing.
type Message struct {
	ID          string `json:"id"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	ChannelID   string `json:"channel_id"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"username,omitempty"`

	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Edited    bool      `json:"edited,omitempty"`

	// Reply fields. ReplyCount is server-authoritative: the client never
	// sums its own increments with a server value.
	ParentID   string `json:"parent_id,omitempty"`
	ReplyCount int    `json:"reply_count,omitempty"`

	IsDirect bool `json:"is_direct,omitempty"`

	// Provisional marks a locally-created entry awaiting server
	// confirmation; Failed marks a provisional whose send call failed and
	// is held for manual retry. Neither crosses the wire.
	Provisional bool `json:"-"`
	Failed      bool `json:"-"`
}

// IsReply reports whether the message belongs to a thread.
func (m *Message) IsReply() bool {
	return m.ParentID != ""
}

// LessMessage is the total render order inside one channel or thread:
// created_at first, id as the tie-break for equal timestamps.
func LessMessage(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Invitation is a pending channel invite pushed to the invitee's personal
// room.
type Invitation struct {
	ID           string    `json:"id"`
	ChannelID    string    `json:"channel_id"`
	ChannelName  string    `json:"channel_name,omitempty"`
	InviterID    string    `json:"inviter_id"`
	InviterName  string    `json:"inviter_username,omitempty"`
	InviteeID    string    `json:"invitee_id"`
	Status       string    `json:"status,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// User is the slice of account data the sync core needs: identity and a
// display name for typing indicators and sender labels.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}
