package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalchat/shoal/internal/models"
)

func msg(id, channelID, content string, at time.Time) *models.Message {
	return &models.Message{
		ID:        id,
		ChannelID: channelID,
		SenderID:  "u1",
		Content:   content,
		CreatedAt: at,
	}
}

func TestAppendMessageDuplicateIsNoop(t *testing.T) {
	s := New()
	at := time.Now()

	require.True(t, s.AppendMessage(msg("m1", "c1", "hello", at)))
	assert.False(t, s.AppendMessage(msg("m1", "c1", "hello again", at)))

	got := s.Messages("c1")
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Content)
}

func TestAppendMessageOrdering(t *testing.T) {
	s := New()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.AppendMessage(msg("m3", "c1", "third", base.Add(2*time.Second)))
	s.AppendMessage(msg("m1", "c1", "first", base))
	s.AppendMessage(msg("m2", "c1", "second", base.Add(time.Second)))

	got := s.Messages("c1")
	require.Len(t, got, 3)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.Equal(t, "m3", got[2].ID)
}

func TestAppendMessageTimestampTieBreaksOnID(t *testing.T) {
	s := New()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.AppendMessage(msg("b", "c1", "", at))
	s.AppendMessage(msg("a", "c1", "", at))

	got := s.Messages("c1")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestSetChannelMessagesSortsAndRebuildsIndex(t *testing.T) {
	s := New()
	base := time.Now()

	s.AppendMessage(msg("stale", "c1", "old", base))
	s.SetChannelMessages("c1", []*models.Message{
		msg("m2", "c1", "two", base.Add(time.Second)),
		msg("m1", "c1", "one", base),
	})

	got := s.Messages("c1")
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)

	_, ok := s.Message("stale")
	assert.False(t, ok, "stale message should be gone from the index")

	// A duplicate push of a loaded message must still be a no-op.
	assert.False(t, s.AppendMessage(msg("m1", "c1", "one", base)))
}

func TestUpdateMessageMissingTargetIsNoop(t *testing.T) {
	s := New()
	content := "edited"
	assert.False(t, s.UpdateMessage("ghost", MessagePatch{Content: &content}))
}

func TestUpdateMessagePatchesOnlySetFields(t *testing.T) {
	s := New()
	at := time.Now()
	s.AppendMessage(msg("m1", "c1", "original", at))

	edited := true
	content := "edited"
	require.True(t, s.UpdateMessage("m1", MessagePatch{Content: &content, Edited: &edited}))

	got, ok := s.Message("m1")
	require.True(t, ok)
	assert.Equal(t, "edited", got.Content)
	assert.True(t, got.Edited)
	assert.Equal(t, at.Unix(), got.CreatedAt.Unix())
}

func TestReplyCountBumpsOnceThenStable(t *testing.T) {
	s := New()
	at := time.Now()
	s.AppendMessage(msg("parent", "c1", "root", at))

	reply := &models.Message{ID: "r1", ChannelID: "c1", Content: "re", CreatedAt: at.Add(time.Second)}
	require.True(t, s.AppendReply("parent", reply))
	assert.False(t, s.AppendReply("parent", reply))

	parent, ok := s.Message("parent")
	require.True(t, ok)
	assert.Equal(t, 1, parent.ReplyCount)
}

func TestRemoveReplyRederivesParentCount(t *testing.T) {
	s := New()
	at := time.Now()
	s.AppendMessage(msg("parent", "c1", "root", at))
	s.AppendReply("parent", &models.Message{ID: "r1", ChannelID: "c1", CreatedAt: at.Add(time.Second)})
	s.AppendReply("parent", &models.Message{ID: "r2", ChannelID: "c1", CreatedAt: at.Add(2 * time.Second)})

	s.RemoveMessage("r1")
	s.RemoveMessage("r1") // duplicate deletion event

	parent, _ := s.Message("parent")
	assert.Equal(t, 1, parent.ReplyCount)
	assert.Len(t, s.Replies("parent"), 1)
}

func TestRemoveMessageDropsItsThread(t *testing.T) {
	s := New()
	at := time.Now()
	s.AppendMessage(msg("parent", "c1", "root", at))
	s.AppendReply("parent", &models.Message{ID: "r1", ChannelID: "c1", CreatedAt: at.Add(time.Second)})

	s.RemoveMessage("parent")

	assert.Empty(t, s.Messages("c1"))
	assert.Empty(t, s.Replies("parent"))
	_, ok := s.Message("r1")
	assert.False(t, ok)
}

func TestSetThreadRepliesResetsParentCount(t *testing.T) {
	s := New()
	at := time.Now()
	s.AppendMessage(msg("parent", "c1", "root", at))
	s.AppendReply("parent", &models.Message{ID: "r-local", ChannelID: "c1", CreatedAt: at.Add(time.Second)})

	s.SetThreadReplies("parent", []*models.Message{
		{ID: "r1", ChannelID: "c1", CreatedAt: at.Add(time.Second)},
		{ID: "r2", ChannelID: "c1", CreatedAt: at.Add(2 * time.Second)},
		{ID: "r3", ChannelID: "c1", CreatedAt: at.Add(3 * time.Second)},
	})

	parent, _ := s.Message("parent")
	assert.Equal(t, 3, parent.ReplyCount)
	assert.Len(t, s.Replies("parent"), 3)
}

func TestReplaceMessageSwapsProvisional(t *testing.T) {
	s := New()
	at := time.Now()
	s.AppendMessage(&models.Message{
		ID: "tmp-1", ChannelID: "c1", Content: "hi", CreatedAt: at, Provisional: true,
	})

	s.ReplaceMessage("tmp-1", msg("42", "c1", "hi", at))

	got := s.Messages("c1")
	require.Len(t, got, 1)
	assert.Equal(t, "42", got[0].ID)
	_, ok := s.Message("tmp-1")
	assert.False(t, ok)
}

func TestReplaceMessageWhenEchoAlreadyLanded(t *testing.T) {
	s := New()
	at := time.Now()
	s.AppendMessage(&models.Message{
		ID: "tmp-1", ChannelID: "c1", Content: "hi", CreatedAt: at, Provisional: true,
	})
	// Push echo arrives before the REST response is processed.
	s.AppendMessage(msg("42", "c1", "hi", at))

	s.ReplaceMessage("tmp-1", msg("42", "c1", "hi", at))

	got := s.Messages("c1")
	require.Len(t, got, 1)
	assert.Equal(t, "42", got[0].ID)
}

func TestProvisionalDoesNotAdvanceLastMessagePointer(t *testing.T) {
	s := New()
	at := time.Now()
	s.UpsertChannel(&models.Channel{ID: "c1", Name: "general"})

	s.AppendMessage(&models.Message{
		ID: "tmp-1", ChannelID: "c1", CreatedAt: at, Provisional: true,
	})
	ch, _ := s.Channel("c1")
	assert.Empty(t, ch.LastMessageID)

	s.AppendMessage(msg("m1", "c1", "hello", at))
	ch, _ = s.Channel("c1")
	assert.Equal(t, "m1", ch.LastMessageID)
}

func TestUpsertChannelKeepsMembersWithoutSnapshot(t *testing.T) {
	s := New()
	s.UpsertChannel(&models.Channel{ID: "c1", Name: "general", Members: []string{"u1", "u2"}})

	// A later event without a member snapshot must not clear the set.
	s.UpsertChannel(&models.Channel{ID: "c1", Name: "general-renamed"})

	ch, ok := s.Channel("c1")
	require.True(t, ok)
	assert.Equal(t, "general-renamed", ch.Name)
	assert.Equal(t, []string{"u1", "u2"}, ch.Members)
}

func TestUpsertChannelPartialUpdateKeepsNameAndKind(t *testing.T) {
	s := New()
	s.UpsertChannel(&models.Channel{ID: "c1", Name: "general", Kind: models.ChannelPrivate})

	// An update payload carrying only a topic must not blank the name or
	// flip the kind.
	s.UpsertChannel(&models.Channel{ID: "c1", Topic: "weekly sync"})

	ch, ok := s.Channel("c1")
	require.True(t, ok)
	assert.Equal(t, "general", ch.Name)
	assert.Equal(t, models.ChannelPrivate, ch.Kind)
	assert.Equal(t, "weekly sync", ch.Topic)
}

func TestUpsertChannelDefaultsKindOnInsert(t *testing.T) {
	s := New()
	s.UpsertChannel(&models.Channel{ID: "c1", Name: "general"})

	ch, ok := s.Channel("c1")
	require.True(t, ok)
	assert.Equal(t, models.ChannelPublic, ch.Kind)
}

func TestChannelMembershipIncrements(t *testing.T) {
	s := New()
	s.UpsertChannel(&models.Channel{ID: "c1", Members: []string{"u1"}})

	s.AddChannelMember("c1", "u2")
	s.AddChannelMember("c1", "u2") // duplicate event
	ch, _ := s.Channel("c1")
	assert.Equal(t, []string{"u1", "u2"}, ch.Members)

	s.RemoveChannelMember("c1", "u1")
	s.RemoveChannelMember("c1", "u1")
	ch, _ = s.Channel("c1")
	assert.Equal(t, []string{"u2"}, ch.Members)
}

func TestChannelsSortedByActivity(t *testing.T) {
	s := New()
	base := time.Now()
	s.UpsertChannel(&models.Channel{ID: "c1", Name: "alpha"})
	s.UpsertChannel(&models.Channel{ID: "c2", Name: "beta"})

	s.AppendMessage(msg("m1", "c1", "", base))
	s.AppendMessage(msg("m2", "c2", "", base.Add(time.Minute)))

	got := s.Channels()
	require.Len(t, got, 2)
	assert.Equal(t, "c2", got[0].ID)
	assert.Equal(t, "c1", got[1].ID)
}

func TestInvitationsDedupAndRemove(t *testing.T) {
	s := New()
	at := time.Now()
	s.AddInvitation(&models.Invitation{ID: "i1", ChannelID: "c1", CreatedAt: at})
	s.AddInvitation(&models.Invitation{ID: "i1", ChannelID: "c1", CreatedAt: at})
	require.Len(t, s.Invitations(), 1)

	s.RemoveInvitation("i1")
	assert.Empty(t, s.Invitations())
}

func TestPinnedMessagesResolveAgainstHeld(t *testing.T) {
	s := New()
	at := time.Now()
	s.UpsertChannel(&models.Channel{ID: "c1", PinnedMessageIDs: []string{"m1", "ghost"}})
	s.AppendMessage(msg("m1", "c1", "pinned", at))

	got := s.PinnedMessages("c1")
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
}
