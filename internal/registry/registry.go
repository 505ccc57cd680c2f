// ABOUTME: Tracks which live agent session currently represents which logical host
// ABOUTME: Central routing table for send-to-host and is-host-online queries

package registry

import (
	"log/slog"
	"sync"

	"github.com/wardenhq/warden/internal/protocol"
)

// Registry is the process-wide table mapping logical host identity to the
// live agent session, plus denormalized routing keys (hostname). All
// mutation is serialized behind one lock so a reconnecting agent's
// registration cannot be clobbered by the old session's delayed unregister.
type Registry struct {
	mu     sync.RWMutex
	byHost map[string]*Session
	byName map[string]*Session
	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		byHost: make(map[string]*Session),
		byName: make(map[string]*Session),
		logger: logger,
	}
}

// Register binds a session to its host identity in both maps. A previous
// session for the same host (or a stale hostname mapping left by a prior
// process incarnation of that host) is overwritten and closed, never merged.
func (r *Registry) Register(session *Session) {
	hostID := session.HostID()
	hostname := session.Hostname()

	r.mu.Lock()
	var displaced *Session
	if prev, ok := r.byHost[hostID]; ok && prev.ID != session.ID {
		displaced = prev
	}
	if prev, ok := r.byName[hostname]; ok && prev.ID != session.ID && prev != displaced {
		// Stale mapping from a different host record reusing the name.
		delete(r.byHost, prev.HostID())
	}
	r.byHost[hostID] = session
	if hostname != "" {
		r.byName[hostname] = session
	}
	total := len(r.byHost)
	r.mu.Unlock()

	if displaced != nil {
		displaced.Close()
	}

	r.logger.Info("agent session registered",
		"host_id", hostID,
		"hostname", hostname,
		"session_id", session.ID,
		"total_online", total,
	)
}

// Unregister removes a session from the routing maps. The removal is keyed
// by session identity: a delayed unregister from a superseded session must
// not remove the newer registration for the same host.
func (r *Registry) Unregister(session *Session) {
	hostID := session.HostID()

	r.mu.Lock()
	if current, ok := r.byHost[hostID]; ok && current.ID == session.ID {
		delete(r.byHost, hostID)
	}
	if current, ok := r.byName[session.Hostname()]; ok && current.ID == session.ID {
		delete(r.byName, session.Hostname())
	}
	total := len(r.byHost)
	r.mu.Unlock()

	r.logger.Info("agent session unregistered",
		"host_id", hostID,
		"session_id", session.ID,
		"total_online", total,
	)
}

// Lookup returns the live session for a host, if one exists.
func (r *Registry) Lookup(hostID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byHost[hostID]
	return session, ok
}

// LookupByHostname returns the live session for a hostname, if one exists.
func (r *Registry) LookupByHostname(hostname string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byName[hostname]
	return session, ok
}

// IsOnline reports whether the host has a live session.
func (r *Registry) IsOnline(hostID string) bool {
	_, ok := r.Lookup(hostID)
	return ok
}

// SendToHost delivers an envelope to the host's live session. It returns
// false, never an error, when the host has no session or the session cannot
// accept the frame, so callers can fall back to queue-only delivery.
func (r *Registry) SendToHost(hostID string, env *protocol.Envelope) bool {
	session, ok := r.Lookup(hostID)
	if !ok {
		return false
	}
	if err := session.Send(env); err != nil {
		r.logger.Debug("send to host failed",
			"host_id", hostID,
			"message_type", env.MessageType,
			"error", err,
		)
		return false
	}
	return true
}

// OnlineCount returns the number of hosts with live sessions.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHost)
}

// OnlineHosts returns the host ids with live sessions.
func (r *Registry) OnlineHosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byHost))
	for id := range r.byHost {
		ids = append(ids, id)
	}
	return ids
}
