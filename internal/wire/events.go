package wire

import (
	"encoding/json"
	"fmt"
)

// Inbound push event names, as emitted by the backend. EventNewMessage and
// EventMessageCreated are aliases for the same logical event; subscribers
// must handle both.
const (
	EventMessageCreated       = "message_created"
	EventNewMessage           = "new_message"
	EventNewReply             = "new_reply"
	EventMessageUpdated       = "message_updated"
	EventMessageDeleted       = "message_deleted"
	EventChannelCreated       = "channel_created"
	EventChannelUpdated       = "channel_updated"
	EventChannelMemberAdded   = "channel_member_added"
	EventChannelMemberRemoved = "channel_member_removed"
	EventNewInvitation        = "new_invitation"
	EventUserTyping           = "user_typing"
	EventUserStopTyping       = "user_stop_typing"
	EventUserJoined           = "user_joined"
	EventUserLeft             = "user_left"
	EventUserRoomJoined       = "user_room_joined"
	EventAuthOK               = "auth_ok"
)

// Outbound signal names.
const (
	EventAuth         = "auth"
	EventJoin         = "join"
	EventLeave        = "leave"
	EventJoinThread   = "join_thread"
	EventLeaveThread  = "leave_thread"
	EventTyping       = "typing"
	EventStopTyping   = "stop_typing"
	EventJoinUserRoom = "join_user_room"
)

// Envelope frames every websocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode frames an event and its payload for the wire.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// DecodeEnvelope parses a raw frame. A frame without an event name is
// malformed.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}
	return &env, nil
}
