// Package player provides per-guild playback sessions and their registry.
package player

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/audiolink/internal/domain/track"
)

// ErrPlayerDisposed indicates a command was issued to an already-disposed player.
var ErrPlayerDisposed = errors.New("player is disposed")

// Sender delivers a single framed message to the remote node.
type Sender interface {
	Send(v any) error
}

// Player is the playback session for one guild. It is owned by the Registry
// and must not be constructed directly.
type Player struct {
	guildID        string
	voiceChannelID string
	textChannelID  string
	sender         Sender

	mu       sync.Mutex
	current  *track.Track
	queue    []*track.Track
	paused   bool
	volume   int
	disposed bool
}

func newPlayer(sender Sender, guildID, voiceChannelID, textChannelID string) *Player {
	return &Player{
		guildID:        guildID,
		voiceChannelID: voiceChannelID,
		textChannelID:  textChannelID,
		sender:         sender,
		volume:         100,
	}
}

// GuildID returns the guild this player belongs to.
func (p *Player) GuildID() string { return p.guildID }

// VoiceChannelID returns the voice channel the player is bound to.
func (p *Player) VoiceChannelID() string { return p.voiceChannelID }

// TextChannelID returns the optional text channel bound at join time.
func (p *Player) TextChannelID() string { return p.textChannelID }

// Current returns the track currently playing, or nil.
func (p *Player) Current() *track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Position returns the playback position of the current track.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0
	}
	return p.current.Position
}

// IsPaused returns true if playback is paused.
func (p *Player) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Play starts playing the given track, replacing whatever is current.
func (p *Player) Play(t *track.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playLocked(t)
}

func (p *Player) playLocked(t *track.Track) error {
	if p.disposed {
		return ErrPlayerDisposed
	}
	if err := p.sender.Send(playPayload{
		Op:      opPlay,
		GuildID: p.guildID,
		Track:   t.Hash,
	}); err != nil {
		return errors.Wrapf(err, "failed to play track in guild %s", p.guildID)
	}
	p.current = t
	return nil
}

// Enqueue appends a track to the pending queue. If nothing is playing the
// track starts immediately instead. The idle check and the resulting send
// happen under one critical section, so concurrent enqueues on an idle
// player start exactly one track.
func (p *Player) Enqueue(t *track.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrPlayerDisposed
	}
	if p.current != nil {
		p.queue = append(p.queue, t)
		return nil
	}
	return p.playLocked(t)
}

// Queue returns a copy of the pending tracks.
func (p *Player) Queue() []*track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*track.Track(nil), p.queue...)
}

// QueueLen returns the number of pending tracks.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// ClearQueue drops all pending tracks without touching the current one.
func (p *Player) ClearQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
}

// Stop stops the current track. Pending tracks stay queued.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

// Skip ends the current track and starts the next queued one. The node
// reports a deliberate stop or replacement with an end reason that must not
// auto-advance, so the advance happens here. With an empty queue playback
// just stops.
func (p *Player) Skip() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrPlayerDisposed
	}
	if len(p.queue) == 0 {
		return p.stopLocked()
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return p.playLocked(next)
}

func (p *Player) stopLocked() error {
	if p.disposed {
		return ErrPlayerDisposed
	}
	if err := p.sender.Send(guildPayload{Op: opStop, GuildID: p.guildID}); err != nil {
		return errors.Wrapf(err, "failed to stop playback in guild %s", p.guildID)
	}
	p.current = nil
	return nil
}

// SetPaused pauses or resumes playback.
func (p *Player) SetPaused(paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrPlayerDisposed
	}
	if err := p.sender.Send(pausePayload{Op: opPause, GuildID: p.guildID, Pause: paused}); err != nil {
		return errors.Wrapf(err, "failed to set pause state in guild %s", p.guildID)
	}
	p.paused = paused
	return nil
}

// Seek moves the playback position of the current track.
func (p *Player) Seek(position time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrPlayerDisposed
	}
	if p.current == nil {
		return errors.Newf("no track playing in guild %s", p.guildID)
	}
	if !p.current.IsSeekable {
		return errors.Newf("track %q is not seekable", p.current.Title)
	}
	if err := p.sender.Send(seekPayload{Op: opSeek, GuildID: p.guildID, Position: position.Milliseconds()}); err != nil {
		return errors.Wrapf(err, "failed to seek in guild %s", p.guildID)
	}
	p.current.Position = position
	return nil
}

// SetVolume adjusts the playback volume (0-1000, 100 is unchanged).
func (p *Player) SetVolume(volume int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrPlayerDisposed
	}
	if volume < 0 || volume > 1000 {
		return errors.Newf("volume %d out of range 0-1000", volume)
	}
	if err := p.sender.Send(volumePayload{Op: opVolume, GuildID: p.guildID, Volume: volume}); err != nil {
		return errors.Wrapf(err, "failed to set volume in guild %s", p.guildID)
	}
	p.volume = volume
	return nil
}

// UpdateState applies a position report pushed by the node.
func (p *Player) UpdateState(position time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.Position = position
	}
}

// HandleTrackEnd reacts to a track-end event from the node. When the end
// reason allows a follow-up, the next queued track starts playing.
func (p *Player) HandleTrackEnd(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	if !mayStartNext(reason) || len(p.queue) == 0 {
		return
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	if err := p.playLocked(next); err != nil {
		zlog.Error().Err(err).Str("guild_id", p.guildID).Msg("failed to start next queued track")
	}
}

// Dispose stops playback, clears the queue and releases the remote player.
// It is idempotent; the first failure does not prevent the rest of the
// teardown.
func (p *Player) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil
	}

	var err error
	if p.current != nil {
		err = p.stopLocked()
	}
	p.queue = nil
	p.disposed = true

	if sendErr := p.sender.Send(guildPayload{Op: opDestroy, GuildID: p.guildID}); sendErr != nil {
		err = errors.CombineErrors(err, errors.Wrapf(sendErr, "failed to destroy player for guild %s", p.guildID))
	}
	return err
}

// mayStartNext reports whether a track-end reason permits starting another
// track. Mirrors the node's end-reason contract: replacements and cleanup
// teardowns must not trigger a follow-up.
func mayStartNext(reason string) bool {
	switch reason {
	case "FINISHED", "LOAD_FAILED":
		return true
	default:
		return false
	}
}
