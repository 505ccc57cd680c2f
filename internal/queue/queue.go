// ABOUTME: Message queue service layered over the durable store
// ABOUTME: Builds command messages, delivers claims to live sessions, and acknowledges completions

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/store"
)

// Service wraps the durable queue with delivery and consumption logic.
type Service struct {
	store    store.Store
	registry *registry.Registry
	cfg      config.QueueConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a queue Service.
func New(s store.Store, reg *registry.Registry, cfg config.QueueConfig, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:    s,
		registry: reg,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// BuildCommand constructs the durable outbound message for a command,
// without enqueuing it. Callers that must co-commit the enqueue with their
// own state change pass the result to the store's transactional methods.
func BuildCommand(hostID string, cmd *protocol.Command, priority store.Priority) (*store.QueueMessage, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}

	var correlation *string
	if cmd.CorrelationID != "" {
		correlation = &cmd.CorrelationID
	}
	now := time.Now().UTC()
	return &store.QueueMessage{
		ID:            uuid.New().String(),
		CorrelationID: correlation,
		Type:          protocol.TypeCommand,
		Direction:     store.DirectionOutbound,
		Priority:      priority,
		HostID:        &hostID,
		Payload:       payload,
		Status:        store.StatusPending,
		CreatedAt:     now,
	}, nil
}

// EnqueueCommand persists an outbound command and attempts immediate
// delivery if the host is online. Delivery failure is not an error: the
// message stays queued for the next claim pass.
func (s *Service) EnqueueCommand(ctx context.Context, hostID string, cmd *protocol.Command, priority store.Priority) (*store.QueueMessage, error) {
	msg, err := BuildCommand(hostID, cmd, priority)
	if err != nil {
		return nil, err
	}
	if err := s.store.Enqueue(ctx, msg); err != nil {
		return nil, err
	}
	s.metrics.MessagesEnqueued.WithLabelValues(string(store.DirectionOutbound)).Inc()

	s.DeliverPending(ctx, hostID)
	return msg, nil
}

// EnqueueInbound persists an inbound report so its processing survives a
// crash between receipt and handling. The envelope's message id keys the
// row when present, which makes an agent's resend of the same report a
// no-op; an envelope without one gets a server-side id.
func (s *Service) EnqueueInbound(ctx context.Context, hostID string, env *protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding inbound envelope: %w", err)
	}

	id := env.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	var correlation *string
	if corr := correlationOf(env); corr != "" {
		correlation = &corr
	}
	msg := &store.QueueMessage{
		ID:            id,
		CorrelationID: correlation,
		Type:          env.MessageType,
		Direction:     store.DirectionInbound,
		Priority:      store.PriorityNormal,
		HostID:        &hostID,
		Payload:       payload,
		Status:        store.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.Enqueue(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			s.logger.Debug("inbound report already persisted", "message_id", id, "host_id", hostID)
			return nil
		}
		return err
	}
	s.metrics.MessagesEnqueued.WithLabelValues(string(store.DirectionInbound)).Inc()
	return nil
}

// correlationOf extracts the correlation id from an inbound payload without
// fully decoding the variant.
func correlationOf(env *protocol.Envelope) string {
	var peek struct {
		CorrelationID string `json:"correlation_id"`
	}
	if len(env.Data) == 0 {
		return ""
	}
	if err := json.Unmarshal(env.Data, &peek); err != nil {
		return ""
	}
	return peek.CorrelationID
}

// DeliverPending claims the host's deliverable outbound messages and hands
// them to its live session. A message whose send fails is released back to
// pending immediately rather than waiting out the lease.
func (s *Service) DeliverPending(ctx context.Context, hostID string) {
	if !s.registry.IsOnline(hostID) {
		return
	}

	// Sessions are tracked before approval for liveness; commands only ever
	// flow to approved hosts.
	host, err := s.store.GetHost(ctx, hostID)
	if err != nil {
		s.logger.Error("resolving delivery target", "host_id", hostID, "error", err)
		return
	}
	if host.ApprovalStatus != store.ApprovalApproved {
		return
	}

	claimed, err := s.store.ClaimNext(ctx, store.ClaimFilter{
		Direction: store.DirectionOutbound,
		HostID:    &hostID,
		Limit:     s.cfg.ClaimBatch,
	}, s.cfg.Lease, time.Now().UTC())
	if err != nil {
		s.logger.Error("claiming outbound messages", "host_id", hostID, "error", err)
		return
	}

	for _, msg := range claimed {
		env := &protocol.Envelope{
			MessageType: msg.Type,
			MessageID:   msg.ID,
			Timestamp:   time.Now().UTC(),
			Data:        msg.Payload,
		}
		if !s.registry.SendToHost(hostID, env) {
			if err := s.store.ReleaseClaim(ctx, msg.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				s.logger.Error("releasing undeliverable claim", "message_id", msg.ID, "error", err)
			}
			return // session gone, stop draining
		}
		s.metrics.MessagesDelivered.Inc()
		s.logger.Debug("delivered queued message",
			"message_id", msg.ID,
			"host_id", hostID,
			"type", msg.Type,
			"attempt", msg.Attempts,
		)
	}
}

// Acknowledge marks an outbound message completed, driven by the agent's ack.
func (s *Service) Acknowledge(ctx context.Context, messageID string) error {
	return s.store.Acknowledge(ctx, messageID, time.Now().UTC())
}

// InboundHandler processes one claimed inbound message. A nil return
// acknowledges the message; an error releases it for redelivery after the
// lease, so handlers must be idempotent.
type InboundHandler func(ctx context.Context, msg *store.QueueMessage, env *protocol.Envelope) error

// ConsumeInbound claims a batch of inbound messages and runs them through
// the handler. Returns the number of messages processed.
func (s *Service) ConsumeInbound(ctx context.Context, handler InboundHandler) (int, error) {
	claimed, err := s.store.ClaimNext(ctx, store.ClaimFilter{
		Direction: store.DirectionInbound,
		AnyHost:   true,
		Limit:     s.cfg.ClaimBatch,
	}, s.cfg.Lease, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, msg := range claimed {
		var env protocol.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			s.logger.Error("undecodable inbound message", "message_id", msg.ID, "error", err)
			if err := s.store.FailMessage(ctx, msg.ID, time.Now().UTC()); err != nil {
				s.logger.Error("failing inbound message", "message_id", msg.ID, "error", err)
			}
			continue
		}

		if err := handler(ctx, msg, &env); err != nil {
			s.logger.Warn("inbound handler failed, leaving for redelivery",
				"message_id", msg.ID,
				"type", msg.Type,
				"error", err,
			)
			continue
		}

		if err := s.store.Acknowledge(ctx, msg.ID, time.Now().UTC()); err != nil {
			s.logger.Error("acknowledging inbound message", "message_id", msg.ID, "error", err)
		}
		processed++
	}
	return processed, nil
}

// RunSweeper periodically expires over-budget messages and re-delivers
// lease-expired claims to online hosts. Blocks until ctx is canceled.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	expired, err := s.store.ExpireMessages(ctx, s.cfg.MaxAge, s.cfg.MaxAttempts, time.Now().UTC())
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
	} else if expired > 0 {
		s.metrics.MessagesExpired.Add(float64(expired))
	}

	for _, hostID := range s.registry.OnlineHosts() {
		s.DeliverPending(ctx, hostID)
	}

	counts, err := s.store.CountMessagesByStatus(ctx)
	if err != nil {
		s.logger.Error("queue depth query failed", "error", err)
		return
	}
	for _, status := range []store.MessageStatus{
		store.StatusPending, store.StatusInProgress, store.StatusCompleted,
		store.StatusFailed, store.StatusExpired,
	} {
		s.metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
