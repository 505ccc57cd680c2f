// ABOUTME: Inbound report routing from the durable queue
// ABOUTME: Correlates acks with outbound commands and fans out to services

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/internal/store"
)

// RouteInbound processes one persisted inbound report. Returning an error
// leaves the message claimed so the lease sweeper redelivers it; handlers
// are idempotent, so a crash between processing and acknowledgement is safe.
func (h *Handler) RouteInbound(ctx context.Context, msg *store.QueueMessage, env *protocol.Envelope) error {
	if msg.HostID == nil {
		h.logger.Warn("inbound report without host id dropped", "message_id", msg.ID)
		return nil
	}
	hostID := *msg.HostID

	switch env.MessageType {
	case protocol.TypeAck:
		return h.routeAck(ctx, hostID, env)
	case protocol.TypeChildProgress:
		return h.routeProgress(ctx, hostID, env)
	case protocol.TypeScriptResult:
		return h.routeScriptResult(ctx, env)
	default:
		h.logger.Warn("unroutable inbound report dropped",
			"message_id", msg.ID, "message_type", env.MessageType)
		return nil
	}
}

func (h *Handler) routeAck(ctx context.Context, hostID string, env *protocol.Envelope) error {
	var ack protocol.Ack
	if err := env.Decode(&ack); err != nil {
		h.logger.Warn("malformed ack dropped", "host_id", hostID, "error", err)
		return nil
	}

	outbound, err := h.store.GetMessageByCorrelationID(ctx, ack.CorrelationID, store.DirectionOutbound)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("ack for unknown command dropped",
			"host_id", hostID, "correlation_id", ack.CorrelationID)
		return nil
	}
	if err != nil {
		return err
	}

	cmd, err := commandOf(outbound)
	if err != nil {
		return err
	}

	// Apply the side effects before closing out the command. The handlers
	// dedup on the state they own, so a crash between the two steps just
	// means the redelivered ack re-runs them as no-ops; closing first would
	// leave a window where the transition is lost for good.
	handled, err := h.reboot.HandleAck(ctx, hostID, cmd, &ack)
	if err != nil {
		return err
	}
	if !handled {
		switch cmd.CommandType {
		case protocol.CommandChildStop, protocol.CommandChildStart:
			if err := h.children.HandleControlAck(ctx, hostID, cmd, &ack); err != nil {
				return err
			}
		default:
			if ack.Status != protocol.AckOK {
				h.logger.Warn("command rejected by agent",
					"host_id", hostID,
					"command_type", cmd.CommandType,
					"message", ack.Message,
				)
			}
		}
	}

	if outbound.Status == store.StatusCompleted || outbound.Status == store.StatusFailed {
		h.logger.Debug("ack for closed command",
			"host_id", hostID, "correlation_id", ack.CorrelationID)
		return nil
	}
	if ack.Status == protocol.AckOK {
		return h.queue.Acknowledge(ctx, outbound.ID)
	}
	return h.store.FailMessage(ctx, outbound.ID, time.Now().UTC())
}

func (h *Handler) routeProgress(ctx context.Context, hostID string, env *protocol.Envelope) error {
	var report protocol.ChildProgress
	if err := env.Decode(&report); err != nil {
		h.logger.Warn("malformed child progress dropped", "host_id", hostID, "error", err)
		return nil
	}
	host, err := h.store.GetHost(ctx, hostID)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("child progress for missing host dropped", "host_id", hostID)
		return nil
	}
	if err != nil {
		return err
	}
	return h.children.HandleProgress(ctx, host, &report)
}

func (h *Handler) routeScriptResult(ctx context.Context, env *protocol.Envelope) error {
	var result protocol.ScriptResult
	if err := env.Decode(&result); err != nil {
		h.logger.Warn("malformed script result dropped", "error", err)
		return nil
	}

	outbound, err := h.store.GetMessageByCorrelationID(ctx, result.CorrelationID, store.DirectionOutbound)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("script result for unknown command dropped",
			"correlation_id", result.CorrelationID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := h.queue.Acknowledge(ctx, outbound.ID); err != nil {
		return err
	}

	h.logger.Info("script finished",
		"correlation_id", result.CorrelationID,
		"exit_code", result.ExitCode,
		"stderr_len", len(result.Stderr),
	)
	return nil
}

// commandOf recovers the original command from a persisted outbound message.
func commandOf(msg *store.QueueMessage) (*protocol.Command, error) {
	var cmd protocol.Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return nil, fmt.Errorf("decoding stored command %s: %w", msg.ID, err)
	}
	return &cmd, nil
}
