// ABOUTME: Represents a single connected agent session and manages its WebSocket writes
// ABOUTME: A dedicated writer pump keeps callers non-blocking with respect to network stalls

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/internal/protocol"
)

// ErrSessionClosed indicates a send on a session whose connection is gone.
var ErrSessionClosed = errors.New("session closed")

// ErrSendBufferFull indicates the session's outbound buffer is saturated,
// usually because the agent has stalled.
var ErrSendBufferFull = errors.New("session send buffer full")

const sendBufferSize = 64

// Session is one physical duplex connection to one remote agent process.
// The connection identity (ID) is per-session and opaque; the logical host
// identity is attached once the agent authenticates.
type Session struct {
	ID string // unique per connection, not per host

	conn         *websocket.Conn
	out          chan *protocol.Envelope
	closed       chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *slog.Logger

	mu       sync.RWMutex
	hostID   string
	hostname string
	remoteIP string
	platform string
	lastSeen time.Time
}

// NewSession wraps a freshly accepted connection. The caller must run
// WritePump in its own goroutine.
func NewSession(id string, conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *Session {
	return &Session{
		ID:           id,
		conn:         conn,
		out:          make(chan *protocol.Envelope, sendBufferSize),
		closed:       make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
		lastSeen:     time.Now().UTC(),
	}
}

// Authenticate binds the session to a logical host identity and its routing
// keys. Called once, when the identity handshake resolves.
func (s *Session) Authenticate(hostID, hostname, remoteIP, platform string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostID = hostID
	s.hostname = hostname
	s.remoteIP = remoteIP
	s.platform = platform
}

// HostID returns the bound host id, or empty if unauthenticated.
func (s *Session) HostID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostID
}

// Hostname returns the hostname reported at authentication.
func (s *Session) Hostname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostname
}

// Touch refreshes the session liveness timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	s.mu.Unlock()
}

// LastSeen returns the last liveness refresh.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Send queues an envelope for delivery. It never blocks on the network: a
// full buffer or closed session returns an error immediately so the caller
// can fall back to queue-only delivery.
func (s *Session) Send(env *protocol.Envelope) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.out <- env:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		s.logger.Warn("send buffer full, dropping to queue delivery",
			"session_id", s.ID,
			"message_type", env.MessageType,
		)
		return ErrSendBufferFull
	}
}

// WritePump drains the outbound buffer onto the connection. It exits when
// the session closes or a write fails; the read loop notices via Close.
func (s *Session) WritePump() {
	for {
		select {
		case env := <-s.out:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.Close()
				return
			}
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Debug("session write failed", "session_id", s.ID, "error", err)
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Close tears down the session. Safe to call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}
