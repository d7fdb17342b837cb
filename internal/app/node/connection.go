// Package node owns the control-plane connection to one remote audio node:
// the channel lifecycle state machine, inbound dispatch, and the facade the
// host application talks to.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/audiolink/internal/app/player"
	"github.com/osa030/audiolink/internal/app/voice"
	"github.com/osa030/audiolink/internal/infra/config"
	"github.com/osa030/audiolink/internal/infra/socket"
)

var (
	// ErrAlreadyConnected indicates Connect on a node that is not disconnected.
	ErrAlreadyConnected = errors.New("node is already connected")

	// ErrNotConnected indicates an operation that requires an open channel.
	ErrNotConnected = errors.New("node is not connected")

	// ErrHostNotReady indicates the host application's own identity is not
	// resolved yet.
	ErrHostNotReady = errors.New("host application is not ready")

	// ErrClosed indicates use of a disposed node.
	ErrClosed = errors.New("node is disposed")
)

// Host resolves the hosting application's identity for connection headers.
type Host interface {
	// UserID returns the bot's own user id, or an error while the host has
	// not finished identifying itself.
	UserID() (string, error)

	// ShardCount returns the host's gateway shard count.
	ShardCount() int
}

// Channel is the message-oriented duplex transport to the remote node.
type Channel interface {
	Connect(ctx context.Context, header http.Header) error
	Send(payload []byte) error
	Close() error
	Dispose() error
}

// channelFactory builds a transport for an endpoint with the connection's
// callbacks attached. Swapped out in tests.
type channelFactory func(endpoint string, callbacks socket.Callbacks) Channel

// Connection drives exactly one duplex channel to one remote node.
type Connection struct {
	cfg        config.NodeConfig
	host       Host
	resumeKey  string
	newChannel channelFactory

	state         atomic.Int32
	pendingResume atomic.Bool

	chMu    sync.Mutex
	channel Channel

	registry   *player.Registry
	correlator *voice.Correlator

	errMu   sync.RWMutex
	onError func(error)

	statsMu sync.RWMutex
	stats   *Stats
	onStats func(Stats)
}

// NewConnection creates a connection for the given node. Nothing is dialed
// until Connect.
func NewConnection(cfg config.NodeConfig, host Host, voiceChannel player.VoiceChannel) *Connection {
	c := &Connection{
		cfg:       cfg,
		host:      host,
		resumeKey: cfg.Resume.Key,
	}
	if c.resumeKey == "" {
		c.resumeKey = uuid.New().String()
	}
	c.newChannel = func(endpoint string, callbacks socket.Callbacks) Channel {
		return socket.New(endpoint, callbacks)
	}
	c.registry = player.NewRegistry(c, voiceChannel)
	c.correlator = voice.NewCorrelator(c.sendHandshake)
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the channel is open and serving traffic.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Registry returns the per-guild player registry owned by this connection.
func (c *Connection) Registry() *player.Registry {
	return c.registry
}

// Correlator returns the voice session correlator owned by this connection.
func (c *Connection) Correlator() *voice.Correlator {
	return c.correlator
}

// OnError registers the callback that receives transport and remote player
// failures. They are reported, never fatal.
func (c *Connection) OnError(f func(error)) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.onError = f
}

// OnStats registers an optional callback for the node's periodic load
// reports.
func (c *Connection) OnStats(f func(Stats)) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.onStats = f
}

// Stats returns the node's latest load report, or nil before the first one.
func (c *Connection) Stats() *Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	if c.stats == nil {
		return nil
	}
	s := *c.stats
	return &s
}

// Connect opens the channel to the node. It fails with ErrAlreadyConnected
// unless the connection is disconnected (or dropped while resume-eligible),
// and with ErrHostNotReady when the host's identity cannot be resolved yet.
func (c *Connection) Connect(ctx context.Context) error {
	prev := c.State()
	switch prev {
	case StateClosed:
		return ErrClosed
	case StateDisconnected, StateResuming:
	default:
		return ErrAlreadyConnected
	}
	// The swap is the gate: of two racing Connect calls only one may move the
	// state forward and dial.
	if !c.state.CompareAndSwap(int32(prev), int32(StateConnecting)) {
		if c.State() == StateClosed {
			return ErrClosed
		}
		return ErrAlreadyConnected
	}

	userID, err := c.host.UserID()
	if err != nil {
		c.state.Store(int32(prev))
		return errors.Mark(errors.Wrap(err, "cannot resolve bot user id"), ErrHostNotReady)
	}
	c.correlator.SetBotUser(userID)

	header := http.Header{}
	header.Set("Authorization", c.cfg.Authorization)
	header.Set("User-Id", userID)
	header.Set("Num-Shards", strconv.Itoa(c.host.ShardCount()))
	if c.cfg.Resume.Enabled {
		header.Set("Resume-Key", c.resumeKey)
	}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}

	ch := c.newChannel(c.cfg.SocketEndpoint(), socket.Callbacks{
		OnOpen:  c.handleOpen,
		OnClose: c.handleClose,
		OnError: c.handleError,
		OnData:  c.handleData,
	})
	c.chMu.Lock()
	c.channel = ch
	c.chMu.Unlock()

	if err := ch.Connect(ctx, header); err != nil {
		c.chMu.Lock()
		c.channel = nil
		c.chMu.Unlock()
		c.state.Store(int32(prev))
		return errors.Wrap(err, "failed to open node channel")
	}
	return nil
}

// Disconnect disposes every player, clears the registry and correlator, and
// closes the channel. Player disposal failures are collected but never stop
// the teardown; the channel is only closed after every player had its turn,
// so no remote session is orphaned.
func (c *Connection) Disconnect(ctx context.Context) error {
	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateConnected, StateResuming:
	default:
		return ErrNotConnected
	}

	err := c.registry.Clear(ctx)
	c.correlator.Reset()
	c.pendingResume.Store(false)
	c.state.Store(int32(StateDisconnected))

	c.chMu.Lock()
	ch := c.channel
	c.channel = nil
	c.chMu.Unlock()
	if ch != nil {
		if closeErr := ch.Close(); closeErr != nil {
			err = errors.CombineErrors(err, errors.Wrap(closeErr, "failed to close node channel"))
		}
	}

	zlog.Info().Str("node", c.cfg.Hostname).Msg("disconnected from node")
	return err
}

// Dispose is the idempotent superset of Disconnect; the connection is
// unusable afterwards.
func (c *Connection) Dispose(ctx context.Context) error {
	if c.State() == StateClosed {
		return nil
	}

	err := c.Disconnect(ctx)
	if errors.Is(err, ErrNotConnected) {
		// Nothing was open; still release whatever players exist.
		err = c.registry.Clear(ctx)
		c.correlator.Reset()
	}

	c.chMu.Lock()
	ch := c.channel
	c.channel = nil
	c.chMu.Unlock()
	if ch != nil {
		_ = ch.Dispose()
	}

	c.state.Store(int32(StateClosed))
	return err
}

// Send marshals and writes one framed message. Frames leave in submission
// order; a voice handshake is never reordered against later player commands.
func (c *Connection) Send(v any) error {
	c.chMu.Lock()
	ch := c.channel
	c.chMu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode frame")
	}
	return ch.Send(payload)
}

// sendHandshake forwards a completed voice handshake to the node.
func (c *Connection) sendHandshake(hs voice.Handshake) error {
	return c.Send(voiceUpdatePayload{
		Op:        opVoiceUpdate,
		GuildID:   hs.GuildID,
		SessionID: hs.SessionID,
		Event: voiceServerEvent{
			Endpoint: hs.Endpoint,
			Token:    hs.Token,
		},
	})
}

// handleOpen runs when the channel opens. A reopen after a resume-eligible
// drop sends the resume handshake before any other traffic.
func (c *Connection) handleOpen() {
	if c.pendingResume.Swap(false) {
		c.state.Store(int32(StateResuming))
		if err := c.Send(resumePayload{
			Op:      opResume,
			Key:     c.resumeKey,
			Timeout: c.cfg.Resume.Timeout,
		}); err != nil {
			c.reportError(errors.Wrap(err, "failed to send resume handshake"))
		}
	}
	c.state.Store(int32(StateConnected))
	zlog.Info().Str("node", c.cfg.Hostname).Msg("node channel open")
}

// handleClose runs when the remote side drops the channel. With resume
// configured the next reopen gets exactly one automatic resume handshake;
// otherwise an explicit Connect is required.
func (c *Connection) handleClose(code int, reason string) {
	if c.State() == StateClosed {
		return
	}

	if c.cfg.Resume.Enabled {
		c.pendingResume.Store(true)
		c.state.Store(int32(StateResuming))
	} else {
		c.state.Store(int32(StateDisconnected))
	}
	zlog.Warn().Int("code", code).Str("reason", reason).Str("node", c.cfg.Hostname).Msg("node channel closed")
}

// handleError surfaces a channel-level failure. Never fatal to the process;
// the close callback that follows settles the state transition.
func (c *Connection) handleError(err error) {
	c.reportError(err)
}

// handleData decodes and routes one inbound frame. Empty frames are ignored;
// frames for unknown guilds are dropped, not fatal.
func (c *Connection) handleData(data []byte) {
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}

	var envelope struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		zlog.Warn().Err(err).Msg("undecodable frame from node")
		return
	}

	switch envelope.Op {
	case opPlayerUpdate:
		var pu playerUpdatePayload
		if err := json.Unmarshal(data, &pu); err != nil {
			zlog.Warn().Err(err).Msg("malformed player update")
			return
		}
		p, ok := c.registry.TryGet(pu.GuildID)
		if !ok {
			zlog.Debug().Str("guild_id", pu.GuildID).Msg("player update for unknown guild dropped")
			return
		}
		p.UpdateState(time.Duration(pu.State.Position) * time.Millisecond)

	case opStats:
		var st Stats
		if err := json.Unmarshal(data, &st); err != nil {
			zlog.Warn().Err(err).Msg("malformed stats frame")
			return
		}
		c.statsMu.Lock()
		c.stats = &st
		f := c.onStats
		c.statsMu.Unlock()
		if f != nil {
			f(st)
		}

	case opEvent:
		c.handleEvent(data)

	default:
		zlog.Debug().Str("op", envelope.Op).Msg("unhandled op from node")
	}
}

// handleEvent routes a player event to the owning player by guild id.
func (c *Connection) handleEvent(data []byte) {
	var ev eventPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		zlog.Warn().Err(err).Msg("malformed event frame")
		return
	}

	p, ok := c.registry.TryGet(ev.GuildID)
	if !ok {
		zlog.Debug().Str("guild_id", ev.GuildID).Str("type", ev.Type).Msg("event for unknown guild dropped")
		return
	}

	switch ev.Type {
	case eventTrackEnd:
		p.HandleTrackEnd(ev.Reason)
	case eventTrackException:
		c.reportError(errors.Newf("track exception in guild %s: %s", ev.GuildID, ev.Error))
		p.HandleTrackEnd("LOAD_FAILED")
	case eventTrackStuck:
		zlog.Warn().Str("guild_id", ev.GuildID).Int64("threshold_ms", ev.Threshold).Msg("track stuck")
	case eventSocketClosed:
		zlog.Warn().Str("guild_id", ev.GuildID).Int("code", ev.Code).Bool("by_remote", ev.ByRemote).Msg("voice gateway closed")
	default:
		zlog.Debug().Str("type", ev.Type).Msg("unhandled event type")
	}
}

func (c *Connection) reportError(err error) {
	c.errMu.RLock()
	f := c.onError
	c.errMu.RUnlock()
	if f != nil {
		f(err)
		return
	}
	zlog.Error().Err(err).Str("node", c.cfg.Hostname).Msg("node error")
}
