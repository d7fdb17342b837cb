// Package discord adapts a discordgo session to the node's host and
// voice-channel contracts and forwards the gateway's voice signals into the
// session correlator.
package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
)

// VoiceSink receives the two gateway signals the session correlator pairs
// into a handshake.
type VoiceSink interface {
	HandleVoiceState(userID, guildID, channelID, sessionID string)
	HandleVoiceServer(guildID, endpoint, token string)
}

// Adapter bridges one discordgo session to a node. It resolves the bot's
// identity, moves the bot in and out of voice channels, and relays
// voice-state and voice-server updates.
type Adapter struct {
	session *discordgo.Session
}

// New wraps an existing discordgo session. The session's intents must include
// guild voice states or the gateway never delivers the signals.
func New(session *discordgo.Session) (*Adapter, error) {
	if session == nil {
		return nil, errors.New("discord session is required")
	}
	session.Identify.Intents |= discordgo.IntentsGuildVoiceStates
	return &Adapter{session: session}, nil
}

// BindVoiceEvents registers the gateway handlers that feed the sink. Call
// once, before the node connects.
func (a *Adapter) BindVoiceEvents(sink VoiceSink) {
	a.session.AddHandler(func(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
		if e.VoiceState == nil {
			return
		}
		sink.HandleVoiceState(e.UserID, e.GuildID, e.ChannelID, e.SessionID)
	})
	a.session.AddHandler(func(_ *discordgo.Session, e *discordgo.VoiceServerUpdate) {
		sink.HandleVoiceServer(e.GuildID, e.Endpoint, e.Token)
	})
}

// UserID returns the bot's own user id once the gateway has identified.
func (a *Adapter) UserID() (string, error) {
	if a.session.State == nil || a.session.State.User == nil {
		return "", errors.New("gateway has not identified yet")
	}
	return a.session.State.User.ID, nil
}

// ShardCount returns the session's configured shard count.
func (a *Adapter) ShardCount() int {
	if a.session.ShardCount < 1 {
		return 1
	}
	return a.session.ShardCount
}

// ConnectVoice asks the gateway to move the bot into a voice channel. The
// audio handshake is completed elsewhere, so the join is signalling only.
func (a *Adapter) ConnectVoice(_ context.Context, guildID, channelID string, selfDeaf, selfMute bool) error {
	if err := a.session.ChannelVoiceJoinManual(guildID, channelID, selfMute, selfDeaf); err != nil {
		return errors.Wrapf(err, "failed to join voice channel %s in guild %s", channelID, guildID)
	}
	return nil
}

// DisconnectVoice asks the gateway to drop the bot out of voice in a guild.
func (a *Adapter) DisconnectVoice(_ context.Context, guildID string) error {
	if err := a.session.ChannelVoiceJoinManual(guildID, "", false, false); err != nil {
		return errors.Wrapf(err, "failed to leave voice in guild %s", guildID)
	}
	return nil
}
