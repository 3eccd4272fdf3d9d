package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalchat/shoal/internal/config"
	"github.com/shoalchat/shoal/internal/devserver"
	"github.com/shoalchat/shoal/internal/models"
	"github.com/shoalchat/shoal/internal/observ"
	"github.com/shoalchat/shoal/internal/transport"
)

const testSecret = "test-secret"

// harness runs a full in-memory backend and builds clients against it.
type harness struct {
	t      *testing.T
	server *devserver.Server
	http   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := devserver.New(testSecret, observ.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{t: t, server: srv, http: ts}
}

func (h *harness) newClient(username string) *Client {
	h.t.Helper()

	token, _, err := h.server.MintToken(username, time.Hour)
	require.NoError(h.t, err)

	cfg := &config.Config{
		ServerURL: h.http.URL,
		WSURL:     "ws" + strings.TrimPrefix(h.http.URL, "http") + "/v1/ws",
		Token:     token,
	}
	cl, err := New(cfg, observ.NewNop())
	require.NoError(h.t, err)

	require.NoError(h.t, cl.Start(context.Background()))
	h.t.Cleanup(cl.Close)
	return cl
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 20*time.Millisecond, msg)
}

func TestStartSeedsChannelList(t *testing.T) {
	h := newHarness(t)

	alice := h.newClient("alice")
	ctx := context.Background()

	_, err := alice.api.CreateChannel(ctx, "general", models.ChannelPublic, nil)
	require.NoError(t, err)

	// A second client starting now sees the channel in its seed.
	bob := h.newClient("bob")
	channels := bob.Channels()
	require.Len(t, channels, 1)
	assert.Equal(t, "general", channels[0].Name)
	assert.Equal(t, transport.StateConnected, bob.ConnectionState())
}

func TestSendDeliversToPeerAndCollapsesLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.newClient("alice")
	bob := h.newClient("bob")

	ch, err := alice.api.CreateChannel(ctx, "general", models.ChannelPublic, nil)
	require.NoError(t, err)

	require.NoError(t, alice.OpenChannel(ctx, ch.ID))
	require.NoError(t, bob.OpenChannel(ctx, ch.ID))

	require.NoError(t, alice.Send(ctx, ch.ID, "hello bob"))

	// Sender side: exactly one copy, authoritative id, not provisional.
	msgs := alice.Messages(ch.ID)
	require.Len(t, msgs, 1)
	assert.False(t, strings.HasPrefix(msgs[0].ID, "tmp-"))
	assert.Equal(t, "hello bob", msgs[0].Content)

	// Peer side: the push lands.
	waitFor(t, func() bool { return len(bob.Messages(ch.ID)) == 1 }, "peer never saw the message")
	assert.Equal(t, msgs[0].ID, bob.Messages(ch.ID)[0].ID)

	// The sender's own push echo must not duplicate the message.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, alice.Messages(ch.ID), 1)
}

func TestThreadReplyUpdatesParentCountForPeer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.newClient("alice")
	bob := h.newClient("bob")

	ch, err := alice.api.CreateChannel(ctx, "general", models.ChannelPublic, nil)
	require.NoError(t, err)
	require.NoError(t, alice.OpenChannel(ctx, ch.ID))
	require.NoError(t, bob.OpenChannel(ctx, ch.ID))

	require.NoError(t, alice.Send(ctx, ch.ID, "root"))
	parentID := alice.Messages(ch.ID)[0].ID
	waitFor(t, func() bool { return len(bob.Messages(ch.ID)) == 1 }, "peer never saw the root")

	require.NoError(t, alice.OpenThread(ctx, parentID))
	require.NoError(t, alice.SendReply(ctx, parentID, "a reply"))

	replies := alice.Replies(parentID)
	require.Len(t, replies, 1)
	assert.Equal(t, "a reply", replies[0].Content)

	// Bob is not in the thread room, but the channel room carries the
	// parent's authoritative reply count.
	waitFor(t, func() bool {
		msgs := bob.Messages(ch.ID)
		return len(msgs) == 1 && msgs[0].ReplyCount == 1
	}, "peer never saw the reply count")

	// The thread-room echo of alice's own reply must not double-count.
	time.Sleep(150 * time.Millisecond)
	msg, ok := alice.store.Message(parentID)
	require.True(t, ok)
	assert.Equal(t, 1, msg.ReplyCount)
	assert.Len(t, alice.Replies(parentID), 1)
}

func TestEditPropagatesToPeer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.newClient("alice")
	bob := h.newClient("bob")

	ch, err := alice.api.CreateChannel(ctx, "general", models.ChannelPublic, nil)
	require.NoError(t, err)
	require.NoError(t, alice.OpenChannel(ctx, ch.ID))
	require.NoError(t, bob.OpenChannel(ctx, ch.ID))

	require.NoError(t, alice.Send(ctx, ch.ID, "draft"))
	id := alice.Messages(ch.ID)[0].ID
	waitFor(t, func() bool { return len(bob.Messages(ch.ID)) == 1 }, "peer never saw the message")

	require.NoError(t, alice.EditMessage(ctx, id, "final"))

	got := alice.Messages(ch.ID)
	require.Len(t, got, 1)
	assert.Equal(t, "final", got[0].Content)
	assert.True(t, got[0].Edited)
	assert.Equal(t, id, got[0].ID, "edit must not change the id")

	waitFor(t, func() bool {
		msgs := bob.Messages(ch.ID)
		return len(msgs) == 1 && msgs[0].Content == "final"
	}, "peer never saw the edit")
}

func TestDeletePropagatesToPeer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.newClient("alice")
	bob := h.newClient("bob")

	ch, err := alice.api.CreateChannel(ctx, "general", models.ChannelPublic, nil)
	require.NoError(t, err)
	require.NoError(t, alice.OpenChannel(ctx, ch.ID))
	require.NoError(t, bob.OpenChannel(ctx, ch.ID))

	require.NoError(t, alice.Send(ctx, ch.ID, "oops"))
	id := alice.Messages(ch.ID)[0].ID
	waitFor(t, func() bool { return len(bob.Messages(ch.ID)) == 1 }, "peer never saw the message")

	require.NoError(t, alice.DeleteMessage(ctx, id))

	assert.Empty(t, alice.Messages(ch.ID))
	waitFor(t, func() bool { return len(bob.Messages(ch.ID)) == 0 }, "peer never saw the deletion")
}

func TestTypingIndicatorEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.newClient("alice")
	bob := h.newClient("bob")

	ch, err := alice.api.CreateChannel(ctx, "general", models.ChannelPublic, nil)
	require.NoError(t, err)
	require.NoError(t, alice.OpenChannel(ctx, ch.ID))
	require.NoError(t, bob.OpenChannel(ctx, ch.ID))

	bob.Typing(ch.ID)

	waitFor(t, func() bool {
		peers := alice.TypingPeers(ch.ID)
		return len(peers) == 1 && peers[0].Username == "bob"
	}, "typing indicator never reached the peer")

	// The sender never shows their own indicator.
	assert.Empty(t, bob.TypingPeers(ch.ID))

	bob.StopTyping(ch.ID)
	waitFor(t, func() bool { return len(alice.TypingPeers(ch.ID)) == 0 }, "stop_typing never cleared the indicator")
}

func TestOpenSwitchesChannelRooms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.newClient("alice")
	bob := h.newClient("bob")

	chA, err := alice.api.CreateChannel(ctx, "room-a", models.ChannelPublic, nil)
	require.NoError(t, err)
	chB, err := alice.api.CreateChannel(ctx, "room-b", models.ChannelPublic, nil)
	require.NoError(t, err)

	require.NoError(t, alice.OpenChannel(ctx, chA.ID))
	require.NoError(t, alice.OpenChannel(ctx, chB.ID))
	require.NoError(t, bob.OpenChannel(ctx, chA.ID))

	// Alice left room A; a message there arrives only through a later
	// bulk load, not as a push.
	require.NoError(t, bob.Send(ctx, chA.ID, "to room a"))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, alice.Messages(chA.ID))

	require.NoError(t, alice.OpenChannel(ctx, chA.ID))
	msgs := alice.Messages(chA.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "to room a", msgs[0].Content)
}

func TestInvitationFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.newClient("alice")
	bob := h.newClient("bob")

	ch, err := alice.api.CreateChannel(ctx, "private-room", models.ChannelPrivate, nil)
	require.NoError(t, err)

	_, err = alice.api.Invite(ctx, ch.ID, bob.UserID())
	require.NoError(t, err)

	waitFor(t, func() bool { return len(bob.Invitations()) == 1 }, "invitee never saw the invitation")
	inv := bob.Invitations()[0]
	assert.Equal(t, ch.ID, inv.ChannelID)
	assert.Equal(t, "alice", inv.InviterName)

	require.NoError(t, bob.AcceptInvitation(ctx, inv.ID))
	assert.Empty(t, bob.Invitations())

	got, ok := bob.Channel(ch.ID)
	require.True(t, ok)
	assert.True(t, got.HasMember(bob.UserID()))
}

func TestPinFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.newClient("alice")

	ch, err := alice.api.CreateChannel(ctx, "general", models.ChannelPublic, nil)
	require.NoError(t, err)
	require.NoError(t, alice.OpenChannel(ctx, ch.ID))
	require.NoError(t, alice.Send(ctx, ch.ID, "pin me"))
	id := alice.Messages(ch.ID)[0].ID

	require.NoError(t, alice.PinMessage(ctx, ch.ID, id))
	pinned := alice.PinnedMessages(ch.ID)
	require.Len(t, pinned, 1)
	assert.Equal(t, id, pinned[0].ID)

	require.NoError(t, alice.UnpinMessage(ctx, ch.ID, id))
	assert.Empty(t, alice.PinnedMessages(ch.ID))
}

func TestFailedSendKeptForRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.newClient("alice")

	// Sending into a channel the server does not know fails the call but
	// keeps the provisional entry for retry.
	err := alice.Send(ctx, "no-such-channel", "lost?")
	require.Error(t, err)

	msgs := alice.Messages("no-such-channel")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Failed)
	assert.True(t, msgs[0].Provisional)

	// Retrying replaces the failed entry with a fresh attempt; the
	// channel still does not exist, so exactly one failed entry remains.
	err = alice.RetrySend(ctx, msgs[0].ID)
	require.Error(t, err)
	msgs = alice.Messages("no-such-channel")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Failed)
}
