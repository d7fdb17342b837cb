package node

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/audiolink/internal/domain/track"
	"github.com/osa030/audiolink/internal/infra/config"
	"github.com/osa030/audiolink/internal/infra/socket"
)

// fakeChannel stands in for the websocket transport. Connect fires the open
// callback synchronously, like the real channel does once the dial succeeds.
type fakeChannel struct {
	mu            sync.Mutex
	callbacks     socket.Callbacks
	header        http.Header
	frames        [][]byte
	connects      int
	closes        int
	framesAtClose int
	connectErr    error
}

func (f *fakeChannel) Connect(_ context.Context, header http.Header) error {
	f.mu.Lock()
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	f.header = header
	f.connects++
	cb := f.callbacks
	f.mu.Unlock()
	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	return nil
}

func (f *fakeChannel) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), payload...))
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.framesAtClose = len(f.frames)
	return nil
}

func (f *fakeChannel) Dispose() error { return f.Close() }

func (f *fakeChannel) sentOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, 0, len(f.frames))
	for _, frame := range f.frames {
		var envelope struct {
			Op string `json:"op"`
		}
		_ = json.Unmarshal(frame, &envelope)
		ops = append(ops, envelope.Op)
	}
	return ops
}

func (f *fakeChannel) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeChannel) dropFromRemote(code int, reason string) {
	f.mu.Lock()
	cb := f.callbacks
	f.mu.Unlock()
	if cb.OnClose != nil {
		cb.OnClose(code, reason)
	}
}

// fakeHost resolves the bot identity for connection headers.
type fakeHost struct {
	userID string
	err    error
}

func (h *fakeHost) UserID() (string, error) { return h.userID, h.err }
func (h *fakeHost) ShardCount() int         { return 2 }

// nopVoice satisfies the voice collaborator without side effects.
type nopVoice struct{}

func (nopVoice) ConnectVoice(context.Context, string, string, bool, bool) error { return nil }
func (nopVoice) DisconnectVoice(context.Context, string) error                  { return nil }

func testNodeConfig(resume bool) config.NodeConfig {
	return config.NodeConfig{
		Hostname:      "localhost",
		Port:          2333,
		Authorization: "youshallnotpass",
		UserAgent:     "audiolink-test",
		Resume: config.ResumeConfig{
			Enabled: resume,
			Key:     "abc",
			Timeout: 60,
		},
	}
}

func newTestConnection(t *testing.T, resume bool) (*Connection, *fakeChannel) {
	t.Helper()
	c := NewConnection(testNodeConfig(resume), &fakeHost{userID: "bot-user"}, nopVoice{})
	ch := &fakeChannel{}
	c.newChannel = func(_ string, callbacks socket.Callbacks) Channel {
		ch.mu.Lock()
		ch.callbacks = callbacks
		ch.mu.Unlock()
		return ch
	}
	return c, ch
}

func TestConnection_ConnectTransitionsToConnected(t *testing.T) {
	c, ch := newTestConnection(t, false)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, ch.connects)
}

func TestConnection_ConnectHeaders(t *testing.T) {
	c, ch := newTestConnection(t, true)

	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, "youshallnotpass", ch.header.Get("Authorization"))
	assert.Equal(t, "bot-user", ch.header.Get("User-Id"))
	assert.Equal(t, "2", ch.header.Get("Num-Shards"))
	assert.Equal(t, "abc", ch.header.Get("Resume-Key"))
	assert.Equal(t, "audiolink-test", ch.header.Get("User-Agent"))
}

func TestConnection_NoResumeKeyHeaderWhenDisabled(t *testing.T) {
	c, ch := newTestConnection(t, false)

	require.NoError(t, c.Connect(context.Background()))
	assert.Empty(t, ch.header.Get("Resume-Key"))
}

// gatedHost blocks identity resolution until released, holding a Connect
// call open mid-flight.
type gatedHost struct {
	release chan struct{}
}

func (h *gatedHost) UserID() (string, error) {
	<-h.release
	return "bot-user", nil
}

func (h *gatedHost) ShardCount() int { return 1 }

func TestConnection_ConcurrentConnectsOpenOneChannel(t *testing.T) {
	host := &gatedHost{release: make(chan struct{})}
	c := NewConnection(testNodeConfig(false), host, nopVoice{})
	ch := &fakeChannel{}
	c.newChannel = func(_ string, callbacks socket.Callbacks) Channel {
		ch.mu.Lock()
		ch.callbacks = callbacks
		ch.mu.Unlock()
		return ch
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- c.Connect(context.Background()) }()
	}

	// One caller wins the state transition and blocks on the host; the loser
	// must fail before it can dial.
	err := <-errs
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	close(host.release)
	require.NoError(t, <-errs)
	assert.True(t, c.IsConnected())
	assert.Equal(t, 1, ch.connects, "only one channel may ever be dialed")
}

func TestConnection_ConnectWhileConnectedFails(t *testing.T) {
	c, ch := newTestConnection(t, false)

	require.NoError(t, c.Connect(context.Background()))
	err := c.Connect(context.Background())

	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, 1, ch.connects, "a rejected connect must not open a new channel")
}

func TestConnection_DisconnectWhileDisconnectedFails(t *testing.T) {
	c, _ := newTestConnection(t, false)

	err := c.Disconnect(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnection_ConnectRequiresReadyHost(t *testing.T) {
	c := NewConnection(testNodeConfig(false), &fakeHost{err: errors.New("still identifying")}, nopVoice{})
	dialed := false
	c.newChannel = func(string, socket.Callbacks) Channel {
		dialed = true
		return &fakeChannel{}
	}

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrHostNotReady)
	assert.False(t, dialed, "an unready host must not open a channel")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnection_FailedDialRestoresState(t *testing.T) {
	c, ch := newTestConnection(t, false)
	ch.connectErr = errors.New("connection refused")

	err := c.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())

	// The endpoint comes back; a plain retry works.
	ch.mu.Lock()
	ch.connectErr = nil
	ch.mu.Unlock()
	assert.NoError(t, c.Connect(context.Background()))
}

func TestConnection_DropWithoutResume(t *testing.T) {
	c, ch := newTestConnection(t, false)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.True(t, c.IsConnected())

	ch.dropFromRemote(1006, "abnormal closure")
	assert.False(t, c.IsConnected())
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.IsConnected())
	assert.NotContains(t, ch.sentOps(), opResume, "resume is disabled, no resume frame may ever leave")
}

func TestConnection_ResumeHandshakeIsFirstFrameAfterReopen(t *testing.T) {
	c, ch := newTestConnection(t, true)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	framesBefore := ch.frameCount()

	ch.dropFromRemote(1006, "abnormal closure")
	assert.Equal(t, StateResuming, c.State())

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.IsConnected())

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Greater(t, len(ch.frames), framesBefore)

	var resume resumePayload
	require.NoError(t, json.Unmarshal(ch.frames[framesBefore], &resume))
	assert.Equal(t, resumePayload{Op: opResume, Key: "abc", Timeout: 60}, resume)
}

func TestConnection_ResumeAttemptedExactlyOncePerDrop(t *testing.T) {
	c, ch := newTestConnection(t, true)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	ch.dropFromRemote(1006, "drop")
	require.NoError(t, c.Connect(ctx))

	// A clean disconnect and reconnect must not replay the resume handshake.
	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, c.Connect(ctx))

	resumes := 0
	for _, op := range ch.sentOps() {
		if op == opResume {
			resumes++
		}
	}
	assert.Equal(t, 1, resumes)
}

func TestConnection_DisconnectDisposesPlayersBeforeClose(t *testing.T) {
	c, ch := newTestConnection(t, false)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	_, err := c.Registry().Join(ctx, "guild-1", "channel-1", "")
	require.NoError(t, err)
	_, err = c.Registry().Join(ctx, "guild-2", "channel-2", "")
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(ctx))

	assert.Zero(t, c.Registry().Count())
	assert.Equal(t, 1, ch.closes)
	assert.Equal(t, ch.frameCount(), ch.framesAtClose,
		"every disposal frame must be on the wire before the channel closes")

	destroys := 0
	for _, op := range ch.sentOps() {
		if op == "destroy" {
			destroys++
		}
	}
	assert.Equal(t, 2, destroys)
}

func TestConnection_VoiceHandshakeOnTheWire(t *testing.T) {
	c, ch := newTestConnection(t, false)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))

	c.Correlator().HandleVoiceState("bot-user", "200", "300", "session-xyz")
	c.Correlator().HandleVoiceServer("200", "eu.voice.example.com", "token-1")

	ops := ch.sentOps()
	require.Contains(t, ops, opVoiceUpdate)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	var vu voiceUpdatePayload
	require.NoError(t, json.Unmarshal(ch.frames[len(ch.frames)-1], &vu))
	assert.Equal(t, voiceUpdatePayload{
		Op:        opVoiceUpdate,
		GuildID:   "200",
		SessionID: "session-xyz",
		Event:     voiceServerEvent{Endpoint: "eu.voice.example.com", Token: "token-1"},
	}, vu)
}

func TestConnection_InboundDispatch(t *testing.T) {
	c, _ := newTestConnection(t, false)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	p, err := c.Registry().Join(ctx, "guild-1", "channel-1", "")
	require.NoError(t, err)
	require.NoError(t, p.Play(&track.Track{Hash: "h", ID: "a", Title: "t", IsSeekable: true}))

	// Empty frames are ignored.
	c.handleData(nil)
	c.handleData([]byte("  "))

	// Position report for the playing guild.
	c.handleData([]byte(`{"op":"playerUpdate","guildId":"guild-1","state":{"time":1234,"position":5000}}`))
	assert.Equal(t, 5*time.Second, p.Position())

	// Frames for unknown guilds are dropped, not fatal.
	c.handleData([]byte(`{"op":"playerUpdate","guildId":"guild-unknown","state":{"position":1}}`))
	c.handleData([]byte(`{"op":"event","type":"TrackEndEvent","guildId":"guild-unknown","reason":"FINISHED"}`))

	// Track end clears the current track.
	c.handleData([]byte(`{"op":"event","type":"TrackEndEvent","guildId":"guild-1","reason":"STOPPED"}`))
	assert.Nil(t, p.Current())

	// Stats frames are retained and pushed to the listener.
	assert.Nil(t, c.Stats())
	var observed Stats
	c.OnStats(func(st Stats) { observed = st })
	c.handleData([]byte(`{"op":"stats","players":3,"playingPlayers":1,"uptime":123456}`))
	st := c.Stats()
	require.NotNil(t, st)
	assert.Equal(t, 3, st.Players)
	assert.Equal(t, 1, st.PlayingPlayers)
	assert.Equal(t, *st, observed)
}

func TestConnection_TrackExceptionIsReported(t *testing.T) {
	c, _ := newTestConnection(t, false)
	ctx := context.Background()

	var reported error
	c.OnError(func(err error) { reported = err })

	require.NoError(t, c.Connect(ctx))
	_, err := c.Registry().Join(ctx, "guild-1", "channel-1", "")
	require.NoError(t, err)

	c.handleData([]byte(`{"op":"event","type":"TrackExceptionEvent","guildId":"guild-1","error":"decoder blew up"}`))

	require.Error(t, reported)
	assert.Contains(t, reported.Error(), "decoder blew up")
}

func TestConnection_DisposeIsIdempotent(t *testing.T) {
	c, ch := newTestConnection(t, false)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Dispose(ctx))
	assert.Equal(t, StateClosed, c.State())

	assert.NoError(t, c.Dispose(ctx), "dispose when already closed is a no-op")
	assert.ErrorIs(t, c.Connect(ctx), ErrClosed)
	assert.ErrorIs(t, c.Disconnect(ctx), ErrClosed)
	assert.Equal(t, 1, ch.closes)
}

func TestConnection_DisposeWhileDisconnected(t *testing.T) {
	c, _ := newTestConnection(t, false)

	assert.NoError(t, c.Dispose(context.Background()))
	assert.Equal(t, StateClosed, c.State())
}
