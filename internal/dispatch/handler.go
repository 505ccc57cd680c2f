// ABOUTME: WebSocket session handler for agent connections
// ABOUTME: Registration handshake, heartbeats, per-message identity checks, inbound routing

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wardenhq/warden/internal/children"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/hosts"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/internal/queue"
	"github.com/wardenhq/warden/internal/reboot"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/store"
)

// Handler owns the agent WebSocket endpoint. Each connection gets a
// session, a write pump, and a read loop; everything stateful lives in the
// registry and the store.
type Handler struct {
	store    store.Store
	registry *registry.Registry
	queue    *queue.Service
	hosts    *hosts.Service
	children *children.Service
	reboot   *reboot.Service
	cfg      config.AgentsConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(
	s store.Store,
	reg *registry.Registry,
	q *queue.Service,
	h *hosts.Service,
	c *children.Service,
	r *reboot.Service,
	cfg config.AgentsConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:    s,
		registry: reg,
		queue:    q,
		hosts:    h,
		children: c,
		reboot:   r,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; there is no origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	session := registry.NewSession(uuid.New().String(), conn, h.cfg.WriteTimeout, h.logger)
	go session.WritePump()

	remoteIP := remoteIPOf(r)
	h.logger.Info("agent connected", "session_id", session.ID, "remote", remoteIP)

	h.readLoop(r.Context(), session, conn, remoteIP)

	h.registry.Unregister(session)
	session.Close()
	if h.metrics != nil {
		h.metrics.ConnectedAgents.Set(float64(h.registry.OnlineCount()))
	}
	h.logger.Info("agent disconnected", "session_id", session.ID, "host_id", session.HostID())
}

func (h *Handler) readLoop(ctx context.Context, session *registry.Session, conn *websocket.Conn, remoteIP string) {
	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(h.cfg.OfflineThreshold)); err != nil {
			return
		}
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("agent read error", "session_id", session.ID, "error", err)
			}
			return
		}
		session.Touch()

		if !limiter.Allow() {
			session.Send(protocol.ErrorEnvelope(protocol.ErrTypeRateLimited, "message rate exceeded"))
			continue
		}

		if err := h.handleMessage(ctx, session, &env, remoteIP); err != nil {
			h.logger.Error("message handling failed",
				"session_id", session.ID,
				"message_type", env.MessageType,
				"error", err,
			)
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, session *registry.Session, env *protocol.Envelope, remoteIP string) error {
	switch env.MessageType {
	case protocol.TypeSystemInfo:
		return h.handleRegistration(ctx, session, env, remoteIP)
	case protocol.TypeHeartbeat:
		return h.handleHeartbeat(ctx, session, env)
	case protocol.TypeAck, protocol.TypeChildProgress, protocol.TypeScriptResult:
		return h.handleReport(ctx, session, env)
	default:
		session.Send(protocol.ErrorEnvelope(protocol.ErrTypeInvalidMessage, "unknown message type"))
		return nil
	}
}

// handleRegistration runs the handshake. Identity is decided by the hosts
// service; the session is tracked for presence regardless of approval,
// while credentials and pending deliveries are withheld until approved.
func (h *Handler) handleRegistration(ctx context.Context, session *registry.Session, env *protocol.Envelope, remoteIP string) error {
	var info protocol.SystemInfo
	if err := env.Decode(&info); err != nil {
		session.Send(protocol.ErrorEnvelope(protocol.ErrTypeInvalidMessage, "malformed system_info"))
		return nil
	}
	if info.Hostname == "" && info.FQDN == "" {
		session.Send(protocol.ErrorEnvelope(protocol.ErrTypeInvalidMessage, "system_info missing hostname"))
		return nil
	}

	result, err := h.hosts.Register(ctx, &info, env.HostToken, remoteIP)
	if err != nil {
		return err
	}
	host := result.Host

	// Track the session either way. A pending host's agent is connected and
	// heartbeating; it must not read as down just because approval is
	// outstanding. Approval gates credentials and dispatch, not presence.
	session.Authenticate(host.ID, host.FQDN, remoteIP, host.Platform)
	h.registry.Register(session)
	if h.metrics != nil {
		h.metrics.ConnectedAgents.Set(float64(h.registry.OnlineCount()))
	}

	if !result.Approved {
		session.Send(protocol.MustEnvelope(protocol.TypeRegistrationPending, &protocol.RegistrationPending{
			HostID: host.ID,
		}))
		h.logger.Info("registration pending approval",
			"session_id", session.ID, "host_id", host.ID, "fqdn", host.FQDN)
		return nil
	}

	session.Send(protocol.MustEnvelope(protocol.TypeRegistrationSuccess, &protocol.RegistrationSuccess{
		HostID:     host.ID,
		HostToken:  host.HostToken,
		CertPEM:    result.CertPEM,
		CertSerial: result.CertSerial,
	}))
	h.logger.Info("agent registered",
		"session_id", session.ID,
		"host_id", host.ID,
		"fqdn", host.FQDN,
		"auto_approved", result.AutoApproved,
	)

	if err := h.reboot.HandleAgentReconnected(ctx, host.ID); err != nil {
		h.logger.Error("reboot reconnect handling failed", "host_id", host.ID, "error", err)
	}
	h.queue.DeliverPending(ctx, host.ID)
	return nil
}

// handleHeartbeat refreshes liveness and folds in incidental state. It
// never touches operator-controlled fields. Pending hosts heartbeat like
// any other; approval gates dispatch and reports, not presence.
func (h *Handler) handleHeartbeat(ctx context.Context, session *registry.Session, env *protocol.Envelope) error {
	host, ok := h.identify(ctx, session, env)
	if !ok {
		return nil
	}

	// A bare heartbeat with no payload is just a liveness signal.
	var hb protocol.Heartbeat
	if len(env.Data) > 0 {
		if err := env.Decode(&hb); err != nil {
			session.Send(protocol.ErrorEnvelope(protocol.ErrTypeInvalidMessage, "malformed heartbeat"))
			return nil
		}
	}

	now := time.Now().UTC()
	if hb.Privileged != nil || hb.Shells != nil {
		if hb.Privileged != nil {
			host.Privileged = *hb.Privileged
		}
		if hb.Shells != nil {
			host.Shells = hb.Shells
		}
		host.LastSeen = &now
		return h.store.UpdateHost(ctx, host)
	}
	return h.store.TouchHost(ctx, host.ID, now)
}

// handleReport persists an inbound report durably, then drains the inbound
// queue so it is processed right away. A handler failure leaves the message
// claimed for lease-based redelivery.
func (h *Handler) handleReport(ctx context.Context, session *registry.Session, env *protocol.Envelope) error {
	host, ok := h.authorize(ctx, session, env)
	if !ok {
		return nil
	}
	if err := h.queue.EnqueueInbound(ctx, host.ID, env); err != nil {
		return err
	}
	if _, err := h.queue.ConsumeInbound(ctx, h.RouteInbound); err != nil {
		h.logger.Error("inbound consume failed", "error", err)
	}
	return nil
}

// identify resolves the sender to a registered host. It does not check
// approval; use authorize for messages that carry fleet state.
func (h *Handler) identify(ctx context.Context, session *registry.Session, env *protocol.Envelope) (*store.Host, bool) {
	host, err := h.hosts.Resolve(ctx, env.HostToken, env.HostID)
	if errors.Is(err, hosts.ErrHostNotRegistered) {
		if h.metrics != nil {
			h.metrics.IdentityRejections.Inc()
		}
		session.Send(protocol.ErrorEnvelope(protocol.ErrTypeHostNotRegistered, "host not registered"))
		return nil, false
	}
	if err != nil {
		h.logger.Error("identity resolution failed", "session_id", session.ID, "error", err)
		return nil, false
	}
	return host, true
}

// authorize re-validates the sender's identity on every business message.
// Credentials can be revoked mid-session, so a cached check is not enough.
func (h *Handler) authorize(ctx context.Context, session *registry.Session, env *protocol.Envelope) (*store.Host, bool) {
	host, ok := h.identify(ctx, session, env)
	if !ok {
		return nil, false
	}
	if host.ApprovalStatus != store.ApprovalApproved {
		if h.metrics != nil {
			h.metrics.IdentityRejections.Inc()
		}
		session.Send(protocol.ErrorEnvelope(protocol.ErrTypeNotApproved, "host not approved"))
		return nil, false
	}
	return host, true
}

// RunInboundConsumer periodically re-drives the inbound queue so reports
// whose handler failed, or that were persisted just before a crash, get
// another pass.
func (h *Handler) RunInboundConsumer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.queue.ConsumeInbound(ctx, h.RouteInbound); err != nil {
				h.logger.Error("inbound consume failed", "error", err)
			}
		}
	}
}

func remoteIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
