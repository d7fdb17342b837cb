package node

import (
	"context"

	"github.com/osa030/audiolink/internal/app/player"
	"github.com/osa030/audiolink/internal/domain/track"
	"github.com/osa030/audiolink/internal/infra/config"
	"github.com/osa030/audiolink/internal/infra/rest"
)

// Node is the public surface of one remote audio node: it wires the host
// application's voice events into the connection and exposes player lookup,
// search and join/leave.
type Node struct {
	conn *Connection
	rest *rest.Client
}

// New creates a node from its configuration, the host identity resolver and
// the external voice-channel collaborator.
func New(cfg config.NodeConfig, host Host, voiceChannel player.VoiceChannel) (*Node, error) {
	restClient, err := rest.New(rest.Config{
		Endpoint:      cfg.RestEndpoint(),
		Authorization: cfg.Authorization,
		UserAgent:     cfg.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	return &Node{
		conn: NewConnection(cfg, host, voiceChannel),
		rest: restClient,
	}, nil
}

// Connect opens the control channel to the node.
func (n *Node) Connect(ctx context.Context) error { return n.conn.Connect(ctx) }

// Disconnect disposes all players and closes the control channel.
func (n *Node) Disconnect(ctx context.Context) error { return n.conn.Disconnect(ctx) }

// Dispose tears the node down for good. Idempotent.
func (n *Node) Dispose(ctx context.Context) error { return n.conn.Dispose(ctx) }

// IsConnected reports whether the control channel is open.
func (n *Node) IsConnected() bool { return n.conn.IsConnected() }

// State returns the connection lifecycle state.
func (n *Node) State() State { return n.conn.State() }

// OnError registers the callback receiving transport and player failures.
func (n *Node) OnError(f func(error)) { n.conn.OnError(f) }

// OnStats registers an optional callback for the node's periodic load reports.
func (n *Node) OnStats(f func(Stats)) { n.conn.OnStats(f) }

// Stats returns the node's latest load report, or nil before the first one.
func (n *Node) Stats() *Stats { return n.conn.Stats() }

// Join returns the guild's player, creating it and joining the voice channel
// on first call.
func (n *Node) Join(ctx context.Context, guildID, voiceChannelID, textChannelID string) (*player.Player, error) {
	if !n.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return n.conn.Registry().Join(ctx, guildID, voiceChannelID, textChannelID)
}

// Leave disposes the guild's player and leaves the voice channel. No-op when
// no player exists.
func (n *Node) Leave(ctx context.Context, guildID string) error {
	if !n.conn.IsConnected() {
		return ErrNotConnected
	}
	n.conn.Correlator().Forget(guildID)
	return n.conn.Registry().Leave(ctx, guildID)
}

// Player returns the guild's player without constructing one.
func (n *Node) Player(guildID string) (*player.Player, bool) {
	return n.conn.Registry().TryGet(guildID)
}

// HasPlayer reports whether a player exists for the guild.
func (n *Node) HasPlayer(guildID string) bool {
	return n.conn.Registry().Has(guildID)
}

// Players returns every active player.
func (n *Node) Players() []*player.Player {
	return n.conn.Registry().All()
}

// Search asks the node to resolve a query into tracks.
func (n *Node) Search(ctx context.Context, searchType track.SearchType, query string) (*track.LoadResult, error) {
	return n.rest.LoadTracks(ctx, searchType.Query(query))
}

// DecodeTrack asks the node to decode a single track descriptor. The node's
// answer is authoritative over a local Decode of the same hash.
func (n *Node) DecodeTrack(ctx context.Context, hash string) (*track.Track, error) {
	return n.rest.DecodeTrack(ctx, hash)
}

// DecodeTracks decodes a batch of descriptors in one call. A failure for any
// part of the set fails the whole call.
func (n *Node) DecodeTracks(ctx context.Context, hashes []string) ([]*track.Track, error) {
	return n.rest.DecodeTracks(ctx, hashes)
}

// HandleVoiceState feeds a host voice-state signal into the session
// correlator. Signals for users other than the bot are ignored.
func (n *Node) HandleVoiceState(userID, guildID, channelID, sessionID string) {
	n.conn.Correlator().HandleVoiceState(userID, guildID, channelID, sessionID)
}

// HandleVoiceServer feeds a host voice-server signal into the session
// correlator.
func (n *Node) HandleVoiceServer(guildID, endpoint, token string) {
	n.conn.Correlator().HandleVoiceServer(guildID, endpoint, token)
}
