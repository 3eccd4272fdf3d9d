package typing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalchat/shoal/internal/observ"
	"github.com/shoalchat/shoal/internal/wire"
)

type fakeSender struct {
	events []string
}

func (f *fakeSender) Send(event string, payload any) error {
	f.events = append(f.events, event)
	return nil
}

// fakeClock drives the signaler's time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newSignaler() (*Signaler, *fakeSender, *fakeClock) {
	sender := &fakeSender{}
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := NewSignaler(sender, observ.NewNop())
	s.now = clock.now
	return s, sender, clock
}

func TestTouchDebounced(t *testing.T) {
	s, sender, clock := newSignaler()

	s.Touch("c1")
	s.Touch("c1")
	clock.advance(DebounceWindow - time.Millisecond)
	s.Touch("c1")

	assert.Equal(t, []string{wire.EventTyping}, sender.events)

	clock.advance(time.Millisecond)
	s.Touch("c1")
	assert.Equal(t, []string{wire.EventTyping, wire.EventTyping}, sender.events)
}

func TestTouchDebouncePerChannel(t *testing.T) {
	s, sender, _ := newSignaler()

	s.Touch("c1")
	s.Touch("c2")

	assert.Equal(t, []string{wire.EventTyping, wire.EventTyping}, sender.events)
}

func TestQuietResetsDebounce(t *testing.T) {
	s, sender, _ := newSignaler()

	s.Touch("c1")
	s.Quiet("c1")
	s.Touch("c1")

	assert.Equal(t, []string{wire.EventTyping, wire.EventStopTyping, wire.EventTyping}, sender.events)
}

func TestPeerExpires(t *testing.T) {
	s, _, clock := newSignaler()

	s.HandleTyping(&wire.TypingSignal{ChannelID: "c1", UserID: "u2", Username: "bo"})

	peers := s.TypingPeers("c1")
	require.Len(t, peers, 1)
	assert.Equal(t, "bo", peers[0].Username)

	clock.advance(PeerExpiry + time.Second)
	assert.Empty(t, s.TypingPeers("c1"))
}

func TestRenewalExtendsDeadline(t *testing.T) {
	s, _, clock := newSignaler()

	s.HandleTyping(&wire.TypingSignal{ChannelID: "c1", UserID: "u2"})
	clock.advance(4 * time.Second)
	s.HandleTyping(&wire.TypingSignal{ChannelID: "c1", UserID: "u2"})
	clock.advance(4 * time.Second)

	assert.Len(t, s.TypingPeers("c1"), 1)
}

func TestStopTypingClearsImmediately(t *testing.T) {
	s, _, _ := newSignaler()

	s.HandleTyping(&wire.TypingSignal{ChannelID: "c1", UserID: "u2"})
	s.HandleStopTyping(&wire.TypingSignal{ChannelID: "c1", UserID: "u2"})

	assert.Empty(t, s.TypingPeers("c1"))
}

func TestSweepClearsExpiredPeers(t *testing.T) {
	s, _, clock := newSignaler()

	s.HandleTyping(&wire.TypingSignal{ChannelID: "c1", UserID: "u2"})
	s.HandleTyping(&wire.TypingSignal{ChannelID: "c2", UserID: "u3"})

	clock.advance(PeerExpiry + time.Second)
	s.sweep()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.peers)
}

func TestPeersIsolatedPerChannel(t *testing.T) {
	s, _, _ := newSignaler()

	s.HandleTyping(&wire.TypingSignal{ChannelID: "c1", UserID: "u2"})

	assert.Len(t, s.TypingPeers("c1"), 1)
	assert.Empty(t, s.TypingPeers("c2"))
}
