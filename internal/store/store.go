// Package store holds the canonical in-memory copies of channels, messages
// and threaded replies. It is a pure data container: every mutation goes
// through one of the primitives below, each of which is idempotent under
// repeated application with the same input. That property is what makes it
// safe for the same logical event to arrive via bulk fetch, push delivery,
// and local echo.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/shoalchat/shoal/internal/models"
)

// MessagePatch is a partial update. Nil fields are left untouched, so
// applying the same patch twice lands on the same state.
type MessagePatch struct {
	Content    *string
	Edited     *bool
	UpdatedAt  *time.Time
	ReplyCount *int
	Attachment *models.Attachment
	Failed     *bool
}

type Store struct {
	mu sync.RWMutex

	channels    map[string]*models.Channel
	messages    map[string][]*models.Message // per channel, render order
	replies     map[string][]*models.Message // per parent, render order
	index       map[string]*models.Message   // every known message by id
	invitations map[string]*models.Invitation
}

func New() *Store {
	return &Store{
		channels:    make(map[string]*models.Channel),
		messages:    make(map[string][]*models.Message),
		replies:     make(map[string][]*models.Message),
		index:       make(map[string]*models.Message),
		invitations: make(map[string]*models.Invitation),
	}
}

// ---------------------------------------------------------------
// Channels
// ---------------------------------------------------------------

// UpsertChannel merges by id, last-writer-wins on set scalar fields; zero
// values in the incoming channel never clobber what we hold, so a partial
// update payload leaves the rest of the channel intact. The member and
// pinned sets are replaced only when the incoming channel carries a
// snapshot (non-nil slice); incremental membership changes go through
// AddChannelMember / RemoveChannelMember instead.
func (s *Store) UpsertChannel(ch *models.Channel) {
	if ch == nil || ch.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.channels[ch.ID]
	if !ok {
		cp := *ch
		if cp.Kind == "" {
			cp.Kind = models.ChannelPublic
		}
		s.channels[ch.ID] = &cp
		return
	}

	if ch.Name != "" {
		existing.Name = ch.Name
	}
	if ch.Kind != "" {
		existing.Kind = ch.Kind
	}
	if ch.Topic != "" {
		existing.Topic = ch.Topic
	}
	if ch.Description != "" {
		existing.Description = ch.Description
	}
	if ch.CreatedBy != "" {
		existing.CreatedBy = ch.CreatedBy
	}
	if !ch.CreatedAt.IsZero() {
		existing.CreatedAt = ch.CreatedAt
	}
	if ch.Members != nil {
		existing.Members = append([]string(nil), ch.Members...)
	}
	if ch.PinnedMessageIDs != nil {
		existing.PinnedMessageIDs = append([]string(nil), ch.PinnedMessageIDs...)
	}
	if ch.LastMessageID != "" {
		existing.LastMessageID = ch.LastMessageID
	}
	if !ch.LastMessageAt.IsZero() {
		existing.LastMessageAt = ch.LastMessageAt
	}
}

// AddChannelMember applies an incremental membership add. Unknown channel or
// already-present member are no-ops.
func (s *Store) AddChannelMember(channelID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok || ch.HasMember(userID) {
		return
	}
	ch.Members = append(ch.Members, userID)
}

// RemoveChannelMember applies an incremental membership remove.
func (s *Store) RemoveChannelMember(channelID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return
	}
	for i, m := range ch.Members {
		if m == userID {
			ch.Members = append(ch.Members[:i], ch.Members[i+1:]...)
			return
		}
	}
}

// RemoveChannel drops a channel and everything under it.
func (s *Store) RemoveChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages[channelID] {
		for _, r := range s.replies[m.ID] {
			delete(s.index, r.ID)
		}
		delete(s.replies, m.ID)
		delete(s.index, m.ID)
	}
	delete(s.messages, channelID)
	delete(s.channels, channelID)
}

// ---------------------------------------------------------------
// Messages
// ---------------------------------------------------------------

// SetChannelMessages replaces a channel's message list wholesale. Only the
// initial bulk load uses this; incoming order is irrelevant because the list
// is re-sorted by the ordering key before storage.
func (s *Store) SetChannelMessages(channelID string, msgs []*models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, old := range s.messages[channelID] {
		delete(s.index, old.ID)
	}

	list := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		cp := *m
		cp.ChannelID = channelID
		list = append(list, &cp)
		s.index[cp.ID] = &cp
	}
	sort.Slice(list, func(i, j int) bool { return models.LessMessage(list[i], list[j]) })
	s.messages[channelID] = list
}

// AppendMessage inserts a message at its ordered position. A message whose
// id is already known is left exactly as it was: duplicate delivery is the
// normal case here, not an error.
func (s *Store) AppendMessage(m *models.Message) bool {
	if m == nil || m.ID == "" || m.ChannelID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMessageLocked(m)
}

func (s *Store) appendMessageLocked(m *models.Message) bool {
	if _, dup := s.index[m.ID]; dup {
		return false
	}
	cp := *m
	list := s.messages[cp.ChannelID]
	i := sort.Search(len(list), func(i int) bool { return !models.LessMessage(list[i], &cp) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = &cp
	s.messages[cp.ChannelID] = list
	s.index[cp.ID] = &cp

	if ch, ok := s.channels[cp.ChannelID]; ok && !cp.Provisional {
		if cp.CreatedAt.After(ch.LastMessageAt) {
			ch.LastMessageID = cp.ID
			ch.LastMessageAt = cp.CreatedAt
		}
	}
	return true
}

// UpdateMessage applies a partial update to a known message or reply. A
// target that was concurrently deleted makes this a no-op, not an error.
func (s *Store) UpdateMessage(id string, patch MessagePatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.index[id]
	if !ok {
		return false
	}
	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.Edited != nil {
		m.Edited = *patch.Edited
	}
	if patch.UpdatedAt != nil {
		m.UpdatedAt = *patch.UpdatedAt
	}
	if patch.ReplyCount != nil {
		m.ReplyCount = *patch.ReplyCount
	}
	if patch.Attachment != nil {
		m.Attachment = patch.Attachment
	}
	if patch.Failed != nil {
		m.Failed = *patch.Failed
	}
	return true
}

// RemoveMessage deletes a message or reply by id. Removing an unknown id is
// a no-op. Removing a reply re-derives the parent's reply count from the
// replies actually held, which keeps the counter consistent under duplicate
// deletion events.
func (s *Store) RemoveMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeMessageLocked(id)
}

func (s *Store) removeMessageLocked(id string) {
	m, ok := s.index[id]
	if !ok {
		return
	}
	delete(s.index, id)

	if m.ParentID != "" {
		list := s.replies[m.ParentID]
		for i, r := range list {
			if r.ID == id {
				s.replies[m.ParentID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if parent, ok := s.index[m.ParentID]; ok {
			parent.ReplyCount = len(s.replies[m.ParentID])
		}
		return
	}

	list := s.messages[m.ChannelID]
	for i, cm := range list {
		if cm.ID == id {
			s.messages[m.ChannelID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	for _, r := range s.replies[id] {
		delete(s.index, r.ID)
	}
	delete(s.replies, id)
}

// ---------------------------------------------------------------
// Replies
// ---------------------------------------------------------------

// AppendReply inserts a reply under its parent, ordered by the same key as
// channel messages. The parent's reply count is bumped by exactly one on the
// first successful insertion of that reply id; a duplicate delivery bumps
// nothing.
func (s *Store) AppendReply(parentID string, reply *models.Message) bool {
	if reply == nil || reply.ID == "" || parentID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendReplyLocked(parentID, reply)
}

func (s *Store) appendReplyLocked(parentID string, reply *models.Message) bool {
	if _, dup := s.index[reply.ID]; dup {
		return false
	}
	cp := *reply
	cp.ParentID = parentID
	list := s.replies[parentID]
	i := sort.Search(len(list), func(i int) bool { return !models.LessMessage(list[i], &cp) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = &cp
	s.replies[parentID] = list
	s.index[cp.ID] = &cp

	if parent, ok := s.index[parentID]; ok {
		parent.ReplyCount++
	}
	return true
}

// SetThreadReplies replaces a thread's reply list wholesale and resets the
// parent's reply count to the authoritative value.
func (s *Store) SetThreadReplies(parentID string, replies []*models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, old := range s.replies[parentID] {
		delete(s.index, old.ID)
	}

	list := make([]*models.Message, 0, len(replies))
	for _, r := range replies {
		if r == nil || r.ID == "" {
			continue
		}
		if _, dup := s.index[r.ID]; dup {
			continue
		}
		cp := *r
		cp.ParentID = parentID
		list = append(list, &cp)
		s.index[cp.ID] = &cp
	}
	sort.Slice(list, func(i, j int) bool { return models.LessMessage(list[i], list[j]) })
	s.replies[parentID] = list

	if parent, ok := s.index[parentID]; ok {
		parent.ReplyCount = len(list)
	}
}

// ReplaceMessage swaps a provisional entry for its authoritative
// counterpart in place. If the authoritative id is already known (the push
// echo won the race against the response), the provisional copy is simply
// dropped.
func (s *Store) ReplaceMessage(provisionalID string, authoritative *models.Message) {
	if authoritative == nil || authoritative.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeMessageLocked(provisionalID)
	if authoritative.ParentID != "" {
		s.appendReplyLocked(authoritative.ParentID, authoritative)
		return
	}
	s.appendMessageLocked(authoritative)
}

// ---------------------------------------------------------------
// Invitations
// ---------------------------------------------------------------

// AddInvitation stores a pending invite, dedup by id.
func (s *Store) AddInvitation(inv *models.Invitation) {
	if inv == nil || inv.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.invitations[inv.ID]; dup {
		return
	}
	cp := *inv
	s.invitations[inv.ID] = &cp
}

// RemoveInvitation drops an invite after it is accepted or rejected.
func (s *Store) RemoveInvitation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.invitations, id)
}

// ---------------------------------------------------------------
// Selectors. All return copies; callers never see the canonical structs.
// ---------------------------------------------------------------

// Channels returns every known channel, most recent activity first.
func (s *Store) Channels() []models.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Store) Channel(id string) (models.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return models.Channel{}, false
	}
	return *ch, true
}

// Messages returns a channel's messages in render order.
func (s *Store) Messages(channelID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.messages[channelID])
}

// Replies returns a thread's replies in render order.
func (s *Store) Replies(parentID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.replies[parentID])
}

func (s *Store) Message(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[id]
	if !ok {
		return models.Message{}, false
	}
	return *m, true
}

// PinnedMessages resolves a channel's pinned set against the messages the
// store actually holds.
func (s *Store) PinnedMessages(channelID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	out := make([]models.Message, 0, len(ch.PinnedMessageIDs))
	for _, id := range ch.PinnedMessageIDs {
		if m, ok := s.index[id]; ok {
			out = append(out, *m)
		}
	}
	return out
}

func (s *Store) Invitations() []models.Invitation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Invitation, 0, len(s.invitations))
	for _, inv := range s.invitations {
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyMessages(list []*models.Message) []models.Message {
	out := make([]models.Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}
