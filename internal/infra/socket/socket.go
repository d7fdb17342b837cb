// Package socket provides the message-oriented duplex channel to a remote
// node, wrapping a websocket connection behind open/close/error/data
// callbacks.
package socket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"
)

var (
	// ErrNotConnected indicates a send on a channel that is not open.
	ErrNotConnected = errors.New("socket is not connected")

	// ErrDisposed indicates use of a permanently closed socket.
	ErrDisposed = errors.New("socket is disposed")
)

// Callbacks receive channel lifecycle and data notifications. All callbacks
// are optional; data and close callbacks are invoked from the read goroutine.
type Callbacks struct {
	OnOpen  func()
	OnClose func(code int, reason string)
	OnError func(err error)
	OnData  func(data []byte)
}

// Socket is a single duplex channel to one endpoint.
type Socket struct {
	endpoint  string
	callbacks Callbacks

	mu       sync.Mutex // guards conn and serializes writes
	conn     *websocket.Conn
	disposed atomic.Bool
}

// New creates a socket for the given endpoint. Nothing is dialed until
// Connect.
func New(endpoint string, callbacks Callbacks) *Socket {
	return &Socket{
		endpoint:  endpoint,
		callbacks: callbacks,
	}
}

// Connect dials the endpoint with the given headers and starts the read
// loop. The open callback fires after the dial succeeds.
func (s *Socket) Connect(ctx context.Context, header http.Header) error {
	if s.disposed.Load() {
		return ErrDisposed
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, s.endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return errors.Wrapf(err, "failed to dial %s (status %d)", s.endpoint, status)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)

	if s.callbacks.OnOpen != nil {
		s.callbacks.OnOpen()
	}
	return nil
}

// Send writes one framed message. Writes are serialized, so frames leave in
// submission order.
func (s *Socket) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// Close shuts the channel down. Safe to call when not connected.
func (s *Socket) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// Dispose closes the channel and marks the socket unusable. Idempotent.
func (s *Socket) Dispose() error {
	s.disposed.Store(true)
	return s.Close()
}

// readLoop delivers inbound frames until the connection dies, then reports
// the closure exactly once.
func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			if s.callbacks.OnData != nil {
				s.callbacks.OnData(data)
			}
			continue
		}

		s.mu.Lock()
		stillCurrent := s.conn == conn
		if stillCurrent {
			s.conn = nil
		}
		s.mu.Unlock()

		// A locally closed connection already reported its shutdown.
		if !stillCurrent || s.disposed.Load() {
			return
		}

		code, reason := closeDetails(err)
		zlog.Debug().Int("code", code).Str("reason", reason).Msg("socket closed by peer")

		if s.callbacks.OnError != nil && !isCloseError(err) {
			s.callbacks.OnError(errors.Wrap(err, "channel failure"))
		}
		if s.callbacks.OnClose != nil {
			s.callbacks.OnClose(code, reason)
		}
		return
	}
}

func isCloseError(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
