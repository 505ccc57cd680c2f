// ABOUTME: Tests for the connection registry
// ABOUTME: Covers displacement on reconnect, stale unregister, and send fallback

package registry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/protocol"
)

func newTestSession(t *testing.T, id, hostID, hostname string) *Session {
	t.Helper()
	s := NewSession(id, nil, time.Second, testLogger())
	s.Authenticate(hostID, hostname, "10.0.0.1", "linux")
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New(testLogger())

	session := newTestSession(t, "s1", "host-1", "alpha.example.net")
	reg.Register(session)

	got, ok := reg.Lookup("host-1")
	require.True(t, ok)
	assert.Equal(t, "s1", got.ID)

	byName, ok := reg.LookupByHostname("alpha.example.net")
	require.True(t, ok)
	assert.Equal(t, "s1", byName.ID)

	assert.True(t, reg.IsOnline("host-1"))
	assert.False(t, reg.IsOnline("host-2"))
	assert.Equal(t, 1, reg.OnlineCount())
}

func TestRegister_DisplacesPreviousSession(t *testing.T) {
	reg := New(testLogger())

	old := newTestSession(t, "s1", "host-1", "alpha.example.net")
	reg.Register(old)

	replacement := newTestSession(t, "s2", "host-1", "alpha.example.net")
	reg.Register(replacement)

	got, ok := reg.Lookup("host-1")
	require.True(t, ok)
	assert.Equal(t, "s2", got.ID)
	assert.Equal(t, 1, reg.OnlineCount())

	// The displaced session is closed so its read loop exits.
	select {
	case <-old.Done():
	default:
		t.Error("displaced session was not closed")
	}
}

func TestUnregister_IgnoresStaleSession(t *testing.T) {
	reg := New(testLogger())

	old := newTestSession(t, "s1", "host-1", "alpha.example.net")
	reg.Register(old)
	replacement := newTestSession(t, "s2", "host-1", "alpha.example.net")
	reg.Register(replacement)

	// The old session's deferred unregister fires after the reconnect.
	// It must not remove the newer registration.
	reg.Unregister(old)

	got, ok := reg.Lookup("host-1")
	require.True(t, ok, "newer session must survive stale unregister")
	assert.Equal(t, "s2", got.ID)

	reg.Unregister(replacement)
	assert.False(t, reg.IsOnline("host-1"))
	assert.Equal(t, 0, reg.OnlineCount())
}

func TestRegister_HostnameReuseAcrossHostRecords(t *testing.T) {
	reg := New(testLogger())

	// A host record was deleted and re-registered under a new id, but the
	// machine kept its hostname.
	old := newTestSession(t, "s1", "host-old", "alpha.example.net")
	reg.Register(old)
	fresh := newTestSession(t, "s2", "host-new", "alpha.example.net")
	reg.Register(fresh)

	byName, ok := reg.LookupByHostname("alpha.example.net")
	require.True(t, ok)
	assert.Equal(t, "s2", byName.ID)

	// The stale host-id mapping is gone too.
	assert.False(t, reg.IsOnline("host-old"))
	assert.True(t, reg.IsOnline("host-new"))
}

func TestSendToHost(t *testing.T) {
	reg := New(testLogger())

	session := newTestSession(t, "s1", "host-1", "alpha.example.net")
	reg.Register(session)

	env := protocol.MustEnvelope(protocol.TypeCommand, map[string]string{"command_type": "reboot"})
	assert.True(t, reg.SendToHost("host-1", env))

	// Unknown host: false, never an error.
	assert.False(t, reg.SendToHost("host-missing", env))

	// Closed session: false so the caller falls back to the queue.
	session.Close()
	assert.False(t, reg.SendToHost("host-1", env))
}

func TestSessionSend_BufferFull(t *testing.T) {
	s := NewSession("s1", nil, time.Second, testLogger())

	env := protocol.MustEnvelope(protocol.TypeHeartbeat, nil)
	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, s.Send(env))
	}
	assert.ErrorIs(t, s.Send(env), ErrSendBufferFull)

	s.Close()
	assert.ErrorIs(t, s.Send(env), ErrSessionClosed)
}

func TestOnlineHosts(t *testing.T) {
	reg := New(testLogger())
	reg.Register(newTestSession(t, "s1", "host-1", "a.example.net"))
	reg.Register(newTestSession(t, "s2", "host-2", "b.example.net"))

	hosts := reg.OnlineHosts()
	assert.ElementsMatch(t, []string{"host-1", "host-2"}, hosts)
}
