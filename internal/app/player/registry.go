package player

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// VoiceChannel is the external collaborator that moves the bot in and out of
// voice channels on the host platform.
type VoiceChannel interface {
	ConnectVoice(ctx context.Context, guildID, channelID string, selfDeaf, selfMute bool) error
	DisconnectVoice(ctx context.Context, guildID string) error
}

// Registry manages the lifecycle and lookup of per-guild players.
type Registry struct {
	sender Sender
	voice  VoiceChannel

	mu    sync.RWMutex
	slots map[string]*slot
}

// slot serializes player construction for one guild. The sync.Once guarantees
// at most one voice connect and one player per guild even under concurrent
// joins, and the atomic pointer means lookups never observe a
// partially-constructed player. Different guilds use different slots and
// never contend.
type slot struct {
	once   sync.Once
	player atomic.Pointer[Player]
	err    error
}

// NewRegistry creates a registry that builds players around the given sender
// and voice collaborator.
func NewRegistry(sender Sender, voice VoiceChannel) *Registry {
	return &Registry{
		sender: sender,
		voice:  voice,
		slots:  make(map[string]*slot),
	}
}

// Join returns the player for the guild, creating it on first call. A second
// join for a guild that already has a player returns it unchanged without
// re-issuing a voice connect. The bot joins self-deafened and not self-muted.
func (r *Registry) Join(ctx context.Context, guildID, voiceChannelID, textChannelID string) (*Player, error) {
	s := r.slot(guildID)

	s.once.Do(func() {
		if err := r.voice.ConnectVoice(ctx, guildID, voiceChannelID, true, false); err != nil {
			s.err = errors.Wrapf(err, "failed to connect voice channel %s", voiceChannelID)
			return
		}
		p := newPlayer(r.sender, guildID, voiceChannelID, textChannelID)
		s.player.Store(p)
		zlog.Debug().Str("guild_id", guildID).Str("channel_id", voiceChannelID).Msg("player created")
	})

	if s.err != nil {
		// Failed construction must not pin the guild; drop the slot so a
		// later join can retry.
		r.mu.Lock()
		if r.slots[guildID] == s {
			delete(r.slots, guildID)
		}
		r.mu.Unlock()
		return nil, s.err
	}
	return s.player.Load(), nil
}

// Leave disposes the guild's player and disconnects the voice channel. It is
// a no-op when no player exists: in particular no external disconnect is
// issued.
func (r *Registry) Leave(ctx context.Context, guildID string) error {
	r.mu.Lock()
	s, ok := r.slots[guildID]
	if ok {
		delete(r.slots, guildID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	p := s.player.Load()
	if p == nil {
		return nil
	}

	err := p.Dispose()
	if dcErr := r.voice.DisconnectVoice(ctx, guildID); dcErr != nil {
		err = errors.CombineErrors(err, errors.Wrapf(dcErr, "failed to disconnect voice channel for guild %s", guildID))
	}
	return err
}

// TryGet returns the guild's player without ever constructing one.
func (r *Registry) TryGet(guildID string) (*Player, bool) {
	r.mu.RLock()
	s, ok := r.slots[guildID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	p := s.player.Load()
	if p == nil {
		return nil, false
	}
	return p, true
}

// Has reports whether a player exists for the guild.
func (r *Registry) Has(guildID string) bool {
	_, ok := r.TryGet(guildID)
	return ok
}

// All returns every constructed player.
func (r *Registry) All() []*Player {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Player, 0, len(r.slots))
	for _, s := range r.slots {
		if p := s.player.Load(); p != nil {
			result = append(result, p)
		}
	}
	return result
}

// Count returns the number of constructed players.
func (r *Registry) Count() int {
	return len(r.All())
}

// Clear disposes every player and empties the registry. Individual disposal
// failures are collected and reported together; they never stop the teardown
// of the remaining players.
func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	slots := r.slots
	r.slots = make(map[string]*slot)
	r.mu.Unlock()

	var err error
	for guildID, s := range slots {
		p := s.player.Load()
		if p == nil {
			continue
		}
		if dispErr := p.Dispose(); dispErr != nil {
			err = errors.CombineErrors(err, dispErr)
		}
		if dcErr := r.voice.DisconnectVoice(ctx, guildID); dcErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(dcErr, "failed to disconnect voice channel for guild %s", guildID))
		}
	}
	return err
}

// slot returns the per-guild slot, creating it on first use.
func (r *Registry) slot(guildID string) *slot {
	r.mu.RLock()
	s, ok := r.slots[guildID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.slots[guildID]; ok {
		return s
	}
	s = &slot{}
	r.slots[guildID] = s
	return s
}
