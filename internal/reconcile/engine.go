// Package reconcile merges the three sources of the same entities — bulk
// loads, push events, and local optimistic sends — into the entity store
// without duplicating or losing anything. The store's primitives are
// idempotent; this package decides which primitive an incoming item maps to
// (new, duplicate, update) and handles the races the store cannot see:
// pushes arriving before a bulk load completes, and load responses arriving
// for a room the user has since left.
package reconcile

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shoalchat/shoal/internal/models"
	"github.com/shoalchat/shoal/internal/store"
	"github.com/shoalchat/shoal/internal/wire"
)

// provisionalPrefix namespaces locally-minted ids so they can never collide
// with server ids.
const provisionalPrefix = "tmp-"

// echoMatchWindow bounds the heuristic fallback match between a provisional
// send and its echo when the server did not round-trip the correlation id.
const echoMatchWindow = 5 * time.Second

type pendingSend struct {
	provisionalID string
	clientMsgID   string
	channelID     string
	parentID      string
	content       string
	createdAt     time.Time
}

// loadState tracks one room's bulk-load lifecycle. Pushes that arrive while
// loading are buffered and replayed, in arrival order, after the load
// applies. gen distinguishes a re-entered room from its own earlier load.
type loadState struct {
	gen     uint64
	loading bool
	loaded  bool
	buffer  []bufferedEvent
}

type bufferedEvent struct {
	event string
	data  []byte
}

type Engine struct {
	logger *zap.Logger
	store  *store.Store

	// localUserID filters personal pushes (invitations) and stamps
	// provisional sends.
	localUserID   string
	localUsername string

	mu            sync.Mutex
	channelLoads  map[string]*loadState
	threadLoads   map[string]*loadState
	activeChannel string
	activeThread  string
	pending       map[string]*pendingSend // by clientMsgID
}

func New(st *store.Store, localUserID, localUsername string, logger *zap.Logger) *Engine {
	return &Engine{
		logger:        logger,
		store:         st,
		localUserID:   localUserID,
		localUsername: localUsername,
		channelLoads:  make(map[string]*loadState),
		threadLoads:   make(map[string]*loadState),
		pending:       make(map[string]*pendingSend),
	}
}

// ---------------------------------------------------------------
// Bulk loads
// ---------------------------------------------------------------

// BeginChannelLoad marks channelID as the active channel room and returns
// the generation tag the caller must present on completion. Any completion
// carrying an older generation, or targeting a channel that is no longer
// active, is discarded.
func (e *Engine) BeginChannelLoad(channelID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.channelLoads[channelID]
	if st == nil {
		st = &loadState{}
		e.channelLoads[channelID] = st
	}
	st.gen++
	st.loading = true
	st.loaded = false
	st.buffer = nil
	e.activeChannel = channelID
	return st.gen
}

// CompleteChannelLoad seeds the store with the bulk-load response and
// replays any pushes buffered while the fetch was in flight. Returns false
// when the response is stale.
func (e *Engine) CompleteChannelLoad(channelID string, gen uint64, msgs []*models.Message) bool {
	e.mu.Lock()
	st := e.channelLoads[channelID]
	if st == nil || st.gen != gen || e.activeChannel != channelID {
		e.mu.Unlock()
		e.logger.Debug("discarding stale channel load",
			zap.String("channel_id", channelID),
			zap.Uint64("gen", gen),
		)
		return false
	}
	// Seed while still holding the lock. A push dispatched in this window
	// blocks on the mutex and applies after the snapshot; clearing the
	// loading flag first would let it land in the store only to be wiped
	// by the wholesale replace.
	e.store.SetChannelMessages(channelID, msgs)
	st.loading = false
	st.loaded = true
	buffered := st.buffer
	st.buffer = nil
	e.mu.Unlock()

	for _, ev := range buffered {
		e.HandleEvent(ev.event, ev.data)
	}
	return true
}

// FailChannelLoad abandons an in-flight load, discarding its buffer. The
// room returns to unloaded; the caller surfaces the failure and may retry.
func (e *Engine) FailChannelLoad(channelID string, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.channelLoads[channelID]
	if st == nil || st.gen != gen {
		return
	}
	st.loading = false
	st.loaded = false
	st.buffer = nil
}

// BeginThreadLoad is BeginChannelLoad for a thread room.
func (e *Engine) BeginThreadLoad(parentID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.threadLoads[parentID]
	if st == nil {
		st = &loadState{}
		e.threadLoads[parentID] = st
	}
	st.gen++
	st.loading = true
	st.loaded = false
	st.buffer = nil
	e.activeThread = parentID
	return st.gen
}

// CompleteThreadLoad seeds a thread's replies and replays buffered reply
// events. Returns false when stale.
func (e *Engine) CompleteThreadLoad(parentID string, gen uint64, replies []*models.Message) bool {
	e.mu.Lock()
	st := e.threadLoads[parentID]
	if st == nil || st.gen != gen || e.activeThread != parentID {
		e.mu.Unlock()
		e.logger.Debug("discarding stale thread load",
			zap.String("parent_id", parentID),
			zap.Uint64("gen", gen),
		)
		return false
	}
	// Same ordering as CompleteChannelLoad: seed before the loading flag
	// clears so no push can slip between the two.
	e.store.SetThreadReplies(parentID, replies)
	st.loading = false
	st.loaded = true
	buffered := st.buffer
	st.buffer = nil
	e.mu.Unlock()

	for _, ev := range buffered {
		e.HandleEvent(ev.event, ev.data)
	}
	return true
}

func (e *Engine) FailThreadLoad(parentID string, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.threadLoads[parentID]
	if st == nil || st.gen != gen {
		return
	}
	st.loading = false
	st.loaded = false
	st.buffer = nil
}

// CloseThread forgets the active thread room.
func (e *Engine) CloseThread(parentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeThread == parentID {
		e.activeThread = ""
	}
}

// ---------------------------------------------------------------
// Optimistic sends
// ---------------------------------------------------------------

// AddProvisional inserts a locally-sent message immediately, before any
// server round trip, under a client-minted id. The returned copy carries
// both the provisional id and the correlation id the confirming event will
// echo.
func (e *Engine) AddProvisional(channelID, parentID, content string) models.Message {
	now := time.Now().UTC()
	msg := &models.Message{
		ID:          provisionalPrefix + uuid.NewString(),
		ClientMsgID: uuid.NewString(),
		ChannelID:   channelID,
		SenderID:    e.localUserID,
		SenderName:  e.localUsername,
		Content:     content,
		CreatedAt:   now,
		ParentID:    parentID,
		Provisional: true,
	}

	if parentID != "" {
		e.store.AppendReply(parentID, msg)
	} else {
		e.store.AppendMessage(msg)
	}

	e.mu.Lock()
	e.pending[msg.ClientMsgID] = &pendingSend{
		provisionalID: msg.ID,
		clientMsgID:   msg.ClientMsgID,
		channelID:     channelID,
		parentID:      parentID,
		content:       content,
		createdAt:     now,
	}
	e.mu.Unlock()

	return *msg
}

// Confirm resolves a provisional entry against the authoritative message
// from the send call's response, replacing it in place. The push echo that
// arrives later is absorbed as a duplicate of the authoritative id.
func (e *Engine) Confirm(provisionalID string, authoritative *models.Message) {
	if authoritative == nil {
		return
	}
	e.mu.Lock()
	for key, p := range e.pending {
		if p.provisionalID == provisionalID {
			delete(e.pending, key)
			break
		}
	}
	e.mu.Unlock()

	e.store.ReplaceMessage(provisionalID, authoritative)
}

// FailSend marks a provisional entry as failed and stops waiting for an
// echo. The entry stays visible so the user can retry or discard it.
func (e *Engine) FailSend(provisionalID string) {
	e.mu.Lock()
	for key, p := range e.pending {
		if p.provisionalID == provisionalID {
			delete(e.pending, key)
			break
		}
	}
	e.mu.Unlock()

	failed := true
	e.store.UpdateMessage(provisionalID, store.MessagePatch{Failed: &failed})
}

// matchProvisional returns the provisional id a freshly-arrived message
// confirms, if any. Correlation id wins; the content/sender/time-proximity
// heuristic only covers echoes that lost the correlation field.
func (e *Engine) matchProvisional(m *models.Message) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m.ClientMsgID != "" {
		if p, ok := e.pending[m.ClientMsgID]; ok {
			delete(e.pending, m.ClientMsgID)
			return p.provisionalID, true
		}
		return "", false
	}

	if m.SenderID != e.localUserID {
		return "", false
	}
	for key, p := range e.pending {
		if p.channelID != m.ChannelID || p.parentID != m.ParentID || p.content != m.Content {
			continue
		}
		delta := m.CreatedAt.Sub(p.createdAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= echoMatchWindow {
			delete(e.pending, key)
			return p.provisionalID, true
		}
	}
	return "", false
}

// ---------------------------------------------------------------
// Push events
// ---------------------------------------------------------------

// HandleEvent routes one decoded push event into the store. Malformed
// payloads are logged and dropped; they never stop the merge loop.
func (e *Engine) HandleEvent(event string, data []byte) {
	if err := e.handleEvent(event, data); err != nil {
		if errors.Is(err, wire.ErrMalformedEvent) {
			e.logger.Warn("dropping malformed event",
				zap.String("event", event),
				zap.Error(err),
			)
			return
		}
		e.logger.Warn("event not applied", zap.String("event", event), zap.Error(err))
	}
}

func (e *Engine) handleEvent(event string, data []byte) error {
	switch event {
	case wire.EventMessageCreated, wire.EventNewMessage:
		msg, err := wire.DecodeMessage(data)
		if err != nil {
			return err
		}
		if msg.ParentID != "" {
			e.applyReply(event, data, msg)
			return nil
		}
		e.applyMessage(event, data, msg)
		return nil

	case wire.EventNewReply:
		msg, err := wire.DecodeReply(data)
		if err != nil {
			return err
		}
		e.applyReply(event, data, msg)
		return nil

	case wire.EventMessageUpdated:
		msg, err := wire.DecodeMessage(data)
		if err != nil {
			return err
		}
		if e.bufferIfLoading(event, data, msg.ChannelID) {
			return nil
		}
		e.applyUpdate(msg, true)
		return nil

	case wire.EventMessageDeleted:
		del, err := wire.DecodeDeletion(data)
		if err != nil {
			return err
		}
		// A deletion racing a bulk load must wait for the snapshot, or
		// the snapshot resurrects the deleted message.
		if del.ParentID != "" && e.bufferIfThreadLoading(event, data, del.ParentID) {
			return nil
		}
		if e.bufferIfLoading(event, data, del.ChannelID) {
			return nil
		}
		e.store.RemoveMessage(del.MessageID)
		return nil

	case wire.EventChannelCreated, wire.EventChannelUpdated:
		ch, err := wire.DecodeChannel(data)
		if err != nil {
			return err
		}
		e.store.UpsertChannel(ch)
		return nil

	case wire.EventChannelMemberAdded:
		mc, err := wire.DecodeMemberChange(data)
		if err != nil {
			return err
		}
		e.store.AddChannelMember(mc.ChannelID, mc.UserID)
		return nil

	case wire.EventChannelMemberRemoved:
		mc, err := wire.DecodeMemberChange(data)
		if err != nil {
			return err
		}
		e.store.RemoveChannelMember(mc.ChannelID, mc.UserID)
		return nil

	case wire.EventNewInvitation:
		inv, err := wire.DecodeInvitation(data)
		if err != nil {
			return err
		}
		// Personal-room fan-out can over-deliver; keep only invites
		// addressed to this user.
		if inv.InviteeID == e.localUserID {
			e.store.AddInvitation(inv)
		}
		return nil

	default:
		// Presence and ack events carry no persisted entities.
		return nil
	}
}

// bufferIfLoading buffers an event for a channel whose bulk load has not
// completed. Reports true when the event was absorbed into the buffer.
func (e *Engine) bufferIfLoading(event string, data []byte, channelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.channelLoads[channelID]
	if st != nil && st.loading {
		st.buffer = append(st.buffer, bufferedEvent{event: event, data: data})
		return true
	}
	return false
}

func (e *Engine) bufferIfThreadLoading(event string, data []byte, parentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.threadLoads[parentID]
	if st != nil && st.loading {
		st.buffer = append(st.buffer, bufferedEvent{event: event, data: data})
		return true
	}
	return false
}

func (e *Engine) applyMessage(event string, data []byte, msg *models.Message) {
	if e.bufferIfLoading(event, data, msg.ChannelID) {
		return
	}
	if id, ok := e.matchProvisional(msg); ok {
		e.store.ReplaceMessage(id, msg)
		return
	}
	if e.store.AppendMessage(msg) {
		return
	}
	// Known id: a duplicate delivery, unless the payload carries newer
	// content than what we hold. A duplicate created event always says
	// reply_count 0, so the counter is not trusted on this path.
	e.applyUpdate(msg, false)
}

func (e *Engine) applyReply(event string, data []byte, msg *models.Message) {
	if e.bufferIfThreadLoading(event, data, msg.ParentID) {
		return
	}
	if id, ok := e.matchProvisional(msg); ok {
		e.store.ReplaceMessage(id, msg)
		return
	}
	if e.store.AppendReply(msg.ParentID, msg) {
		return
	}
	e.applyUpdate(msg, false)
}

// applyUpdate folds an authoritative copy of a known message into the
// store. Identical payloads fall through to the store's no-op path.
// trustReplyCount is set only for message_updated events, where the counter
// is the server's authoritative value rather than a created-event default.
func (e *Engine) applyUpdate(msg *models.Message, trustReplyCount bool) {
	current, ok := e.store.Message(msg.ID)
	if !ok {
		return
	}
	patch := store.MessagePatch{}
	changed := false
	if current.Content != msg.Content {
		patch.Content = &msg.Content
		changed = true
	}
	if msg.Edited && !current.Edited {
		patch.Edited = &msg.Edited
		changed = true
	}
	if msg.UpdatedAt.After(current.UpdatedAt) {
		patch.UpdatedAt = &msg.UpdatedAt
		changed = true
	}
	if trustReplyCount && msg.ReplyCount != current.ReplyCount && !msg.IsReply() {
		patch.ReplyCount = &msg.ReplyCount
		changed = true
	}
	if msg.Attachment != nil && current.Attachment == nil {
		patch.Attachment = msg.Attachment
		changed = true
	}
	if changed {
		e.store.UpdateMessage(msg.ID, patch)
	}
}

// PendingCount reports how many optimistic sends still await confirmation.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// String implements fmt.Stringer for debug logging.
func (e *Engine) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("reconcile.Engine{active=%s thread=%s pending=%d}",
		e.activeChannel, e.activeThread, len(e.pending))
}
