// Package typing handles the ephemeral typing-indicator traffic. Signals
// are best-effort broadcast: no persistence, no ack, no retry. A dropped
// signal costs nothing but a briefly missing indicator.
package typing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shoalchat/shoal/internal/wire"
)

const (
	// DebounceWindow caps outbound typing signals: repeated keystrokes
	// inside the window emit at most one.
	DebounceWindow = 3 * time.Second

	// PeerExpiry clears a peer's indicator when no renewal signal
	// arrives in time.
	PeerExpiry = 5 * time.Second
)

// Sender is the fire-and-forget slice of the transport session.
type Sender interface {
	Send(event string, payload any) error
}

// Peer is one remote user currently typing in a channel.
type Peer struct {
	UserID   string
	Username string
	deadline time.Time
}

type Signaler struct {
	logger *zap.Logger
	sender Sender

	// now is swappable so tests can drive the clock.
	now func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time       // per channel, outbound debounce
	peers    map[string]map[string]Peer // channel -> user -> peer
}

func NewSignaler(sender Sender, logger *zap.Logger) *Signaler {
	return &Signaler{
		logger:   logger,
		sender:   sender,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
		peers:    make(map[string]map[string]Peer),
	}
}

// Touch records local input activity in a channel, emitting at most one
// typing signal per debounce window. Send failures are swallowed: typing is
// an acceptable loss.
func (s *Signaler) Touch(channelID string) {
	s.mu.Lock()
	now := s.now()
	if last, ok := s.lastSent[channelID]; ok && now.Sub(last) < DebounceWindow {
		s.mu.Unlock()
		return
	}
	s.lastSent[channelID] = now
	s.mu.Unlock()

	if err := s.sender.Send(wire.EventTyping, wire.Typing{ChannelID: channelID}); err != nil {
		s.logger.Debug("typing signal dropped", zap.String("channel_id", channelID), zap.Error(err))
	}
}

// Quiet signals that local input stopped; the debounce state resets so the
// next keystroke emits immediately.
func (s *Signaler) Quiet(channelID string) {
	s.mu.Lock()
	delete(s.lastSent, channelID)
	s.mu.Unlock()

	if err := s.sender.Send(wire.EventStopTyping, wire.Typing{ChannelID: channelID}); err != nil {
		s.logger.Debug("stop_typing signal dropped", zap.String("channel_id", channelID), zap.Error(err))
	}
}

// HandleTyping marks a peer as typing, renewing its expiry clock.
func (s *Signaler) HandleTyping(sig *wire.TypingSignal) {
	if sig == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser := s.peers[sig.ChannelID]
	if byUser == nil {
		byUser = make(map[string]Peer)
		s.peers[sig.ChannelID] = byUser
	}
	byUser[sig.UserID] = Peer{
		UserID:   sig.UserID,
		Username: sig.Username,
		deadline: s.now().Add(PeerExpiry),
	}
}

// HandleStopTyping clears a peer's indicator immediately.
func (s *Signaler) HandleStopTyping(sig *wire.TypingSignal) {
	if sig == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if byUser := s.peers[sig.ChannelID]; byUser != nil {
		delete(byUser, sig.UserID)
	}
}

// TypingPeers returns the peers currently typing in a channel, dropping any
// whose renewal window has lapsed.
func (s *Signaler) TypingPeers(channelID string) []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	byUser := s.peers[channelID]
	out := make([]Peer, 0, len(byUser))
	for id, p := range byUser {
		if now.After(p.deadline) {
			delete(byUser, id)
			continue
		}
		out = append(out, p)
	}
	return out
}

// Run sweeps expired peers in the background until ctx is done, so
// indicators clear even when nobody reads TypingPeers.
func (s *Signaler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Signaler) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for channelID, byUser := range s.peers {
		for id, p := range byUser {
			if now.After(p.deadline) {
				delete(byUser, id)
			}
		}
		if len(byUser) == 0 {
			delete(s.peers, channelID)
		}
	}
}
