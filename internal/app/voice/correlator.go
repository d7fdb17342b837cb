// Package voice reconciles the host's voice signaling into node handshakes.
//
// The host delivers two independent signals per guild: the bot's own voice
// state (which channel and session it occupies) and the assigned voice server
// (gateway endpoint and token). A handshake can only be sent once both halves
// are known for the same guild, and either half may arrive first. The
// correlator keeps the latest of each and emits exactly one handshake per
// effective change.
package voice

import (
	"sync"

	zlog "github.com/rs/zerolog/log"
)

// State is the bot's own voice presence in a guild.
type State struct {
	UserID    string
	GuildID   string
	ChannelID string
	SessionID string
}

// ServerInfo is the voice gateway assignment for a guild.
type ServerInfo struct {
	GuildID  string
	Endpoint string
	Token    string
}

// Handshake is the combined session that the remote node needs before it can
// relay audio for a guild.
type Handshake struct {
	GuildID   string
	SessionID string
	Endpoint  string
	Token     string
}

// SendFunc delivers a completed handshake to the node.
type SendFunc func(Handshake) error

// Correlator matches voice-state and voice-server signals per guild.
type Correlator struct {
	send SendFunc

	mu        sync.RWMutex
	botUserID string
	pairings  map[string]*pairing
}

// pairing holds the two halves for one guild. Its own mutex serializes the
// read-decide-send sequence so concurrent signals for the same guild cannot
// produce a stale or duplicate handshake, while different guilds never
// contend.
type pairing struct {
	mu     sync.Mutex
	state  *State
	server *ServerInfo
}

// NewCorrelator creates a correlator that emits handshakes through send.
func NewCorrelator(send SendFunc) *Correlator {
	return &Correlator{
		send:     send,
		pairings: make(map[string]*pairing),
	}
}

// SetBotUser sets the bot's own user id. Voice-state signals for any other
// user are ignored.
func (c *Correlator) SetBotUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.botUserID = userID
}

// HandleVoiceState records the bot's voice presence for a guild. The stored
// state is last-write-wins and never triggers a send by itself, except when a
// server assignment arrived first and was left pending: then the deferred
// handshake is emitted immediately.
func (c *Correlator) HandleVoiceState(userID, guildID, channelID, sessionID string) {
	c.mu.RLock()
	bot := c.botUserID
	c.mu.RUnlock()
	if bot == "" || userID != bot {
		return
	}

	p := c.pairing(guildID)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = &State{
		UserID:    userID,
		GuildID:   guildID,
		ChannelID: channelID,
		SessionID: sessionID,
	}

	if p.server != nil {
		zlog.Debug().Str("guild_id", guildID).Msg("voice state completed a pending server assignment")
		c.emitLocked(p)
	}
}

// HandleVoiceServer records a voice gateway assignment for a guild. If the
// bot's voice state is already known the handshake is sent at once; otherwise
// the assignment is kept pending until the state arrives. An incomplete
// handshake is never transmitted.
func (c *Correlator) HandleVoiceServer(guildID, endpoint, token string) {
	p := c.pairing(guildID)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.server = &ServerInfo{
		GuildID:  guildID,
		Endpoint: endpoint,
		Token:    token,
	}

	if p.state == nil {
		zlog.Debug().Str("guild_id", guildID).Msg("voice server assignment pending, no state yet")
		return
	}
	c.emitLocked(p)
}

// Forget drops everything stored for a guild.
func (c *Correlator) Forget(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pairings, guildID)
}

// Reset drops everything stored for every guild.
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairings = make(map[string]*pairing)
}

// emitLocked sends the combined handshake and consumes the server half: a new
// server assignment always requires a fresh send. Must be called with p.mu
// held.
func (c *Correlator) emitLocked(p *pairing) {
	hs := Handshake{
		GuildID:   p.state.GuildID,
		SessionID: p.state.SessionID,
		Endpoint:  p.server.Endpoint,
		Token:     p.server.Token,
	}
	p.server = nil

	if err := c.send(hs); err != nil {
		zlog.Error().Err(err).Str("guild_id", hs.GuildID).Msg("failed to send voice handshake")
	}
}

// pairing returns the per-guild pairing, creating it on first use.
func (c *Correlator) pairing(guildID string) *pairing {
	c.mu.RLock()
	p, ok := c.pairings[guildID]
	c.mu.RUnlock()
	if ok {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok = c.pairings[guildID]; ok {
		return p
	}
	p = &pairing{}
	c.pairings[guildID] = p
	return p
}
