// ABOUTME: Tests for the agent message handlers without a live websocket
// ABOUTME: Covers registration tracking, heartbeat liveness, and approval gating

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/store"
)

func newTestSession() *registry.Session {
	return registry.NewSession(uuid.New().String(), nil, time.Second, testLogger())
}

func (e *testEnv) seedPendingHost(t *testing.T, lastSeen time.Time) *store.Host {
	t.Helper()
	now := time.Now().UTC()
	host := &store.Host{
		ID:             uuid.New().String(),
		FQDN:           uuid.New().String() + ".example.net",
		HostToken:      uuid.New().String(),
		ApprovalStatus: store.ApprovalPending,
		LastSeen:       &lastSeen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, e.store.CreateHost(context.Background(), host))
	return host
}

func TestHandleRegistration_PendingHostIsTracked(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	session := newTestSession()

	env := protocol.MustEnvelope(protocol.TypeSystemInfo, &protocol.SystemInfo{
		Hostname: "node-" + uuid.New().String()[:8],
		Platform: "linux",
	})
	require.NoError(t, e.handler.handleRegistration(ctx, session, env, "203.0.113.9"))

	hostID := session.HostID()
	require.NotEmpty(t, hostID)
	host, err := e.store.GetHost(ctx, hostID)
	require.NoError(t, err)

	// Approval is still outstanding, but the connected agent counts as up.
	assert.Equal(t, store.ApprovalPending, host.ApprovalStatus)
	assert.True(t, e.registry.IsOnline(host.ID))
}

func TestHandleHeartbeat_PendingHostRefreshesLiveness(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	stale := time.Now().UTC().Add(-time.Hour)
	host := e.seedPendingHost(t, stale)
	session := newTestSession()

	hb := protocol.MustEnvelope(protocol.TypeHeartbeat, nil)
	hb.HostToken = host.HostToken
	require.NoError(t, e.handler.handleHeartbeat(ctx, session, hb))

	got, err := e.store.GetHost(ctx, host.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSeen)
	assert.WithinDuration(t, time.Now().UTC(), *got.LastSeen, 10*time.Second)
}

func TestHandleHeartbeat_UnknownHostRejected(t *testing.T) {
	e := newTestEnv(t)
	session := newTestSession()

	hb := protocol.MustEnvelope(protocol.TypeHeartbeat, nil)
	hb.HostToken = uuid.New().String()
	require.NoError(t, e.handler.handleHeartbeat(context.Background(), session, hb))
}

func TestHandleReport_PendingHostRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	host := e.seedPendingHost(t, time.Now().UTC())
	session := newTestSession()

	env := protocol.MustEnvelope(protocol.TypeAck, &protocol.Ack{
		CorrelationID: uuid.New().String(),
		Status:        protocol.AckOK,
	})
	env.HostToken = host.HostToken
	require.NoError(t, e.handler.handleReport(ctx, session, env))

	// Reports carry fleet state; an unapproved host's stay out of the queue.
	msgs, err := e.store.ListMessages(ctx, store.QueueListFilter{HostID: host.ID})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
