package devserver

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shoalchat/shoal/internal/models"
)

// state is the server's in-memory truth. It exists so the client can be
// exercised end-to-end without external infrastructure; everything lives
// for the process lifetime only.
type state struct {
	mu sync.Mutex

	usersByName map[string]*models.User
	users       map[string]*models.User
	channels    map[string]*models.Channel
	messages    map[string][]*models.Message // by channel
	replies     map[string][]*models.Message // by parent
	index       map[string]*models.Message
	invitations map[string]*models.Invitation
}

func newState() *state {
	return &state{
		usersByName: make(map[string]*models.User),
		users:       make(map[string]*models.User),
		channels:    make(map[string]*models.Channel),
		messages:    make(map[string][]*models.Message),
		replies:     make(map[string][]*models.Message),
		index:       make(map[string]*models.Message),
		invitations: make(map[string]*models.Invitation),
	}
}

func (s *state) ensureUser(username string) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.usersByName[username]; ok {
		return u
	}
	u := &models.User{
		ID:        uuid.NewString(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
	s.usersByName[username] = u
	s.users[u.ID] = u
	return u
}

func (s *state) user(id string) (*models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *state) createChannel(name string, kind models.ChannelKind, createdBy string, members []string) *models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := map[string]bool{createdBy: true}
	for _, m := range members {
		set[m] = true
	}
	all := make([]string, 0, len(set))
	for m := range set {
		all = append(all, m)
	}
	sort.Strings(all)

	ch := &models.Channel{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      kind,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		Members:   all,
	}
	s.channels[ch.ID] = ch
	return ch
}

// createDirect returns the existing direct channel between the two users or
// creates one. Direct channels always hold exactly two distinct members.
func (s *state) createDirect(userA, userB string) (*models.Channel, error) {
	if userA == userB {
		return nil, fmt.Errorf("direct channel requires two distinct users")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.channels {
		if ch.Kind == models.ChannelDirect && ch.HasMember(userA) && ch.HasMember(userB) {
			return ch, nil
		}
	}
	members := []string{userA, userB}
	sort.Strings(members)
	ch := &models.Channel{
		ID:        uuid.NewString(),
		Kind:      models.ChannelDirect,
		CreatedBy: userA,
		CreatedAt: time.Now().UTC(),
		Members:   members,
	}
	s.channels[ch.ID] = ch
	return ch, nil
}

func (s *state) channel(id string) (*models.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	return ch, ok
}

func (s *state) channelsFor(userID string) []*models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.Channel{}
	for _, ch := range s.channels {
		if ch.Kind == models.ChannelPublic || ch.HasMember(userID) {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *state) addMember(channelID, userID string) (*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}
	if ch.Kind == models.ChannelDirect {
		return nil, fmt.Errorf("direct channels have fixed membership")
	}
	if !ch.HasMember(userID) {
		ch.Members = append(ch.Members, userID)
	}
	return ch, nil
}

func (s *state) appendMessage(channelID, senderID, senderName, content, clientMsgID string, attachment *models.Attachment) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}

	msg := &models.Message{
		ID:          uuid.NewString(),
		ClientMsgID: clientMsgID,
		ChannelID:   channelID,
		SenderID:    senderID,
		SenderName:  senderName,
		Content:     content,
		Attachment:  attachment,
		CreatedAt:   time.Now().UTC(),
		IsDirect:    ch.Kind == models.ChannelDirect,
	}
	s.messages[channelID] = append(s.messages[channelID], msg)
	s.index[msg.ID] = msg
	ch.LastMessageID = msg.ID
	ch.LastMessageAt = msg.CreatedAt
	return msg, nil
}

func (s *state) appendReply(parentID, senderID, senderName, content, clientMsgID string) (*models.Message, *models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.index[parentID]
	if !ok {
		return nil, nil, fmt.Errorf("message %s not found", parentID)
	}

	reply := &models.Message{
		ID:          uuid.NewString(),
		ClientMsgID: clientMsgID,
		ChannelID:   parent.ChannelID,
		SenderID:    senderID,
		SenderName:  senderName,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
		ParentID:    parentID,
	}
	s.replies[parentID] = append(s.replies[parentID], reply)
	s.index[reply.ID] = reply
	parent.ReplyCount = len(s.replies[parentID])
	return reply, parent, nil
}

func (s *state) listMessages(channelID string) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]*models.Message(nil), s.messages[channelID]...)
	sort.Slice(out, func(i, j int) bool { return models.LessMessage(out[i], out[j]) })
	return out
}

func (s *state) listReplies(parentID string) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]*models.Message(nil), s.replies[parentID]...)
	sort.Slice(out, func(i, j int) bool { return models.LessMessage(out[i], out[j]) })
	return out
}

func (s *state) editMessage(messageID, senderID, content string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.index[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s not found", messageID)
	}
	if msg.SenderID != senderID {
		return nil, fmt.Errorf("message %s not owned by sender", messageID)
	}
	msg.Content = content
	msg.Edited = true
	msg.UpdatedAt = time.Now().UTC()
	return msg, nil
}

// deleteMessage removes a message or reply. Returns the removed message and
// its parent (nil unless it was a reply).
func (s *state) deleteMessage(messageID, senderID string) (*models.Message, *models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.index[messageID]
	if !ok {
		return nil, nil, fmt.Errorf("message %s not found", messageID)
	}
	if msg.SenderID != senderID {
		return nil, nil, fmt.Errorf("message %s not owned by sender", messageID)
	}
	delete(s.index, messageID)

	if msg.ParentID != "" {
		list := s.replies[msg.ParentID]
		for i, r := range list {
			if r.ID == messageID {
				s.replies[msg.ParentID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		parent := s.index[msg.ParentID]
		if parent != nil {
			parent.ReplyCount = len(s.replies[msg.ParentID])
		}
		return msg, parent, nil
	}

	list := s.messages[msg.ChannelID]
	for i, m := range list {
		if m.ID == messageID {
			s.messages[msg.ChannelID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return msg, nil, nil
}

func (s *state) pin(channelID, messageID string, pinned bool) (*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}
	if _, ok := s.index[messageID]; !ok {
		return nil, fmt.Errorf("message %s not found", messageID)
	}

	if pinned {
		if !ch.HasPinned(messageID) {
			ch.PinnedMessageIDs = append(ch.PinnedMessageIDs, messageID)
		}
	} else {
		for i, id := range ch.PinnedMessageIDs {
			if id == messageID {
				ch.PinnedMessageIDs = append(ch.PinnedMessageIDs[:i], ch.PinnedMessageIDs[i+1:]...)
				break
			}
		}
	}
	return ch, nil
}

func (s *state) createInvitation(channelID, inviterID, inviteeID string) (*models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}
	inviter := s.users[inviterID]
	if _, ok := s.users[inviteeID]; !ok {
		return nil, fmt.Errorf("user %s not found", inviteeID)
	}

	inv := &models.Invitation{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		ChannelName: ch.Name,
		InviterID:   inviterID,
		InviteeID:   inviteeID,
		Status:      "pending",
		CreatedAt:   time.Now().UTC(),
	}
	if inviter != nil {
		inv.InviterName = inviter.Username
	}
	s.invitations[inv.ID] = inv
	return inv, nil
}

func (s *state) acceptInvitation(invitationID, userID string) (*models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[invitationID]
	if !ok {
		return nil, fmt.Errorf("invitation %s not found", invitationID)
	}
	if inv.InviteeID != userID {
		return nil, fmt.Errorf("invitation %s not addressed to user", invitationID)
	}
	inv.Status = "accepted"
	return inv, nil
}
