// ABOUTME: Reboot orchestration state machine for parent hosts
// ABOUTME: Stop children, issue reboot, wait for reconnect, restart children

package reboot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/internal/queue"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/store"
)

// ErrOrchestrationActive rejects a second reboot while one is in flight.
var ErrOrchestrationActive = errors.New("a reboot orchestration is already active for this host")

// agentWaitTimeout bounds how long the sweeper waits for a rebooted agent
// to reconnect before the orchestration is marked failed.
const agentWaitTimeout = 15 * time.Minute

// Service coordinates parent-host reboots. Every phase survives a server
// restart because the orchestration row, not session state, is the source
// of truth.
type Service struct {
	store    store.Store
	queue    *queue.Service
	registry *registry.Registry
	cfg      config.RebootConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(s store.Store, q *queue.Service, reg *registry.Registry, cfg config.RebootConfig, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{store: s, queue: q, registry: reg, cfg: cfg, metrics: m, logger: logger}
}

// PreCheckResult is what an operator sees before confirming a reboot.
type PreCheckResult struct {
	ParentOnline    bool               `json:"parent_online"`
	RunningChildren []*store.HostChild `json:"running_children"`
	ActiveID        string             `json:"active_orchestration_id,omitempty"`
}

// PreCheck reports what a reboot would involve without changing anything.
func (s *Service) PreCheck(ctx context.Context, parentHostID string) (*PreCheckResult, error) {
	if _, err := s.store.GetHost(ctx, parentHostID); err != nil {
		return nil, err
	}
	res := &PreCheckResult{
		ParentOnline: s.registry.IsOnline(parentHostID),
	}
	children, err := s.store.ListChildren(ctx, parentHostID)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.Status == store.ChildRunning {
			res.RunningChildren = append(res.RunningChildren, c)
		}
	}
	if active, err := s.store.GetActiveOrchestrationForHost(ctx, parentHostID); err == nil {
		res.ActiveID = active.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return res, nil
}

// Initiate starts a reboot orchestration: snapshot the currently running
// children, enqueue a stop for each, and persist everything in one
// transaction. A host with no running children skips straight to the
// reboot command.
func (s *Service) Initiate(ctx context.Context, parentHostID, initiatedBy string, shutdownTimeout time.Duration) (*store.RebootOrchestration, error) {
	if _, err := s.store.GetActiveOrchestrationForHost(ctx, parentHostID); err == nil {
		return nil, ErrOrchestrationActive
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if _, err := s.store.GetHost(ctx, parentHostID); err != nil {
		return nil, err
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = s.cfg.DefaultShutdownTimeout
	}

	children, err := s.store.ListChildren(ctx, parentHostID)
	if err != nil {
		return nil, err
	}

	orch := &store.RebootOrchestration{
		ID:                  uuid.New().String(),
		ParentHostID:        parentHostID,
		Status:              store.RebootShuttingDown,
		RestartStatus:       map[string]store.RestartOutcome{},
		ShutdownTimeoutSecs: int(shutdownTimeout.Seconds()),
		InitiatedBy:         initiatedBy,
		InitiatedAt:         time.Now().UTC(),
	}

	var stops []*store.QueueMessage
	for _, c := range children {
		if c.Status != store.ChildRunning {
			continue
		}
		orch.Snapshot = append(orch.Snapshot, store.ChildSnapshot{
			ChildID:   c.ID,
			ChildName: c.ChildName,
			ChildType: c.ChildType,
		})
		cmd := &protocol.Command{
			CommandType:   protocol.CommandChildStop,
			CorrelationID: uuid.New().String(),
			ChildStop: &protocol.ChildControlParams{
				ChildName: c.ChildName,
				ChildType: c.ChildType,
			},
		}
		msg, err := queue.BuildCommand(parentHostID, cmd, store.PriorityHigh)
		if err != nil {
			return nil, err
		}
		stops = append(stops, msg)
	}

	if err := s.store.CreateOrchestrationWithCommands(ctx, orch, stops); err != nil {
		return nil, err
	}
	s.logger.Info("reboot orchestration started",
		"orchestration_id", orch.ID,
		"parent_host_id", parentHostID,
		"children_to_stop", len(orch.Snapshot),
		"initiated_by", initiatedBy,
	)

	if len(orch.Snapshot) == 0 {
		if err := s.issueReboot(ctx, orch); err != nil {
			return orch, err
		}
	} else {
		s.queue.DeliverPending(ctx, parentHostID)
	}
	return orch, nil
}

// Get returns one orchestration by id.
func (s *Service) Get(ctx context.Context, id string) (*store.RebootOrchestration, error) {
	return s.store.GetOrchestration(ctx, id)
}

// HandleAck routes a command acknowledgement into the active orchestration
// for the host. Returns false when no orchestration claims the command, so
// the caller can apply its ordinary handling.
func (s *Service) HandleAck(ctx context.Context, parentHostID string, cmd *protocol.Command, ack *protocol.Ack) (bool, error) {
	orch, err := s.store.GetActiveOrchestrationForHost(ctx, parentHostID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch cmd.CommandType {
	case protocol.CommandChildStop:
		if orch.Status != store.RebootShuttingDown || cmd.ChildStop == nil {
			return false, nil
		}
		if !snapshotContains(orch.Snapshot, cmd.ChildStop.ChildName, cmd.ChildStop.ChildType) {
			return false, nil
		}
		return true, s.handleStopAck(ctx, orch, cmd.ChildStop, ack)
	case protocol.CommandReboot:
		return true, s.handleRebootAck(ctx, orch)
	case protocol.CommandChildStart:
		if orch.Status != store.RebootRestartingChildren || cmd.ChildStart == nil {
			return false, nil
		}
		if !snapshotContains(orch.Snapshot, cmd.ChildStart.ChildName, cmd.ChildStart.ChildType) {
			return false, nil
		}
		return true, s.handleStartAck(ctx, orch, cmd.ChildStart, ack)
	default:
		return false, nil
	}
}

func (s *Service) handleStopAck(ctx context.Context, orch *store.RebootOrchestration, params *protocol.ChildControlParams, ack *protocol.Ack) error {
	child, err := s.store.GetChildByName(ctx, orch.ParentHostID, params.ChildName, params.ChildType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if child != nil {
		target := store.ChildStopped
		if ack.Status != protocol.AckOK {
			target = store.ChildError
			child.ErrorMessage = ack.Message
		}
		if child.Status.CanTransition(target) {
			child.Status = target
			if err := s.store.UpdateChild(ctx, child); err != nil {
				return err
			}
		}
	}

	done, err := s.allSnapshotStopped(ctx, orch)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	return s.issueReboot(ctx, orch)
}

// allSnapshotStopped reports whether every snapshotted child has left the
// running state. Children deleted mid-orchestration count as stopped.
func (s *Service) allSnapshotStopped(ctx context.Context, orch *store.RebootOrchestration) (bool, error) {
	for _, snap := range orch.Snapshot {
		child, err := s.store.GetChild(ctx, snap.ChildID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if child.Status == store.ChildRunning {
			return false, nil
		}
	}
	return true, nil
}

// issueReboot moves the orchestration to reboot_issued and enqueues the
// reboot command at high priority.
func (s *Service) issueReboot(ctx context.Context, orch *store.RebootOrchestration) error {
	if !orch.Status.CanTransition(store.RebootIssued) {
		return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, orch.Status, store.RebootIssued)
	}
	now := time.Now().UTC()
	orch.Status = store.RebootIssued
	orch.ShutdownCompletedAt = &now
	orch.RebootIssuedAt = &now
	if err := s.store.UpdateOrchestration(ctx, orch); err != nil {
		return err
	}

	cmd := &protocol.Command{
		CommandType:   protocol.CommandReboot,
		CorrelationID: uuid.New().String(),
		Reboot:        &protocol.RebootParams{OrchestrationID: orch.ID},
	}
	if _, err := s.queue.EnqueueCommand(ctx, orch.ParentHostID, cmd, store.PriorityHigh); err != nil {
		return err
	}
	s.logger.Info("reboot command issued",
		"orchestration_id", orch.ID, "parent_host_id", orch.ParentHostID)
	return nil
}

// handleRebootAck records that the agent accepted the reboot and is about
// to go down.
func (s *Service) handleRebootAck(ctx context.Context, orch *store.RebootOrchestration) error {
	if !orch.Status.CanTransition(store.RebootWaitingForAgent) {
		s.logger.Warn("reboot ack in unexpected state",
			"orchestration_id", orch.ID, "status", orch.Status)
		return nil
	}
	if orch.Status == store.RebootWaitingForAgent {
		return nil
	}
	orch.Status = store.RebootWaitingForAgent
	return s.store.UpdateOrchestration(ctx, orch)
}

// HandleAgentReconnected is called when a host with an active orchestration
// establishes a new session. If the orchestration was waiting for the
// reboot, the restart phase begins.
func (s *Service) HandleAgentReconnected(ctx context.Context, parentHostID string) error {
	orch, err := s.store.GetActiveOrchestrationForHost(ctx, parentHostID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// An agent can reboot before its ack arrives, so reboot_issued also
	// counts as waiting.
	if orch.Status != store.RebootWaitingForAgent && orch.Status != store.RebootIssued {
		return nil
	}

	now := time.Now().UTC()
	orch.AgentReconnectedAt = &now
	orch.Status = store.RebootRestartingChildren
	for _, snap := range orch.Snapshot {
		orch.RestartStatus[snap.ChildID] = store.RestartOutcome{Status: "pending"}
	}
	if err := s.store.UpdateOrchestration(ctx, orch); err != nil {
		return err
	}
	s.logger.Info("agent back after reboot, restarting children",
		"orchestration_id", orch.ID,
		"parent_host_id", parentHostID,
		"children", len(orch.Snapshot),
	)

	started := 0
	for _, snap := range orch.Snapshot {
		if _, err := s.store.GetChild(ctx, snap.ChildID); errors.Is(err, store.ErrNotFound) {
			orch.RestartStatus[snap.ChildID] = store.RestartOutcome{
				Status:  "failed",
				Message: "child deleted during orchestration",
			}
			continue
		} else if err != nil {
			return err
		}
		cmd := &protocol.Command{
			CommandType:   protocol.CommandChildStart,
			CorrelationID: uuid.New().String(),
			ChildStart: &protocol.ChildControlParams{
				ChildName: snap.ChildName,
				ChildType: snap.ChildType,
			},
		}
		if _, err := s.queue.EnqueueCommand(ctx, parentHostID, cmd, store.PriorityHigh); err != nil {
			return err
		}
		started++
	}

	if started == 0 {
		return s.complete(ctx, orch)
	}
	return s.store.UpdateOrchestration(ctx, orch)
}

func (s *Service) handleStartAck(ctx context.Context, orch *store.RebootOrchestration, params *protocol.ChildControlParams, ack *protocol.Ack) error {
	child, err := s.store.GetChildByName(ctx, orch.ParentHostID, params.ChildName, params.ChildType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	outcome := store.RestartOutcome{Status: "running"}
	if ack.Status != protocol.AckOK {
		outcome = store.RestartOutcome{Status: "failed", Message: ack.Message}
	}

	if child != nil {
		orch.RestartStatus[child.ID] = outcome
		target := store.ChildRunning
		if outcome.Status == "failed" {
			target = store.ChildError
			child.ErrorMessage = ack.Message
		}
		if child.Status.CanTransition(target) {
			child.Status = target
			if err := s.store.UpdateChild(ctx, child); err != nil {
				return err
			}
		}
	} else {
		// Record by snapshot id so completion accounting still closes.
		for _, snap := range orch.Snapshot {
			if snap.ChildName == params.ChildName && snap.ChildType == params.ChildType {
				orch.RestartStatus[snap.ChildID] = outcome
			}
		}
	}

	for _, snap := range orch.Snapshot {
		if out, ok := orch.RestartStatus[snap.ChildID]; !ok || out.Status == "pending" {
			return s.store.UpdateOrchestration(ctx, orch)
		}
	}
	return s.complete(ctx, orch)
}

// complete closes the orchestration. Per-child restart failures are kept in
// the restart outcomes; they do not fail the orchestration itself.
func (s *Service) complete(ctx context.Context, orch *store.RebootOrchestration) error {
	if !orch.Status.CanTransition(store.RebootCompleted) {
		return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, orch.Status, store.RebootCompleted)
	}
	now := time.Now().UTC()
	orch.Status = store.RebootCompleted
	orch.RestartCompletedAt = &now
	failed := 0
	for _, out := range orch.RestartStatus {
		if out.Status == "failed" {
			failed++
		}
	}
	if failed > 0 {
		orch.ErrorMessage = fmt.Sprintf("%d of %d children failed to restart", failed, len(orch.Snapshot))
	}
	if err := s.store.UpdateOrchestration(ctx, orch); err != nil {
		return err
	}
	s.logger.Info("reboot orchestration completed",
		"orchestration_id", orch.ID,
		"parent_host_id", orch.ParentHostID,
		"restart_failures", failed,
	)
	return nil
}

// fail marks the orchestration failed with a reason. Terminal.
func (s *Service) fail(ctx context.Context, orch *store.RebootOrchestration, reason string) error {
	orch.Status = store.RebootError
	orch.ErrorMessage = reason
	if err := s.store.UpdateOrchestration(ctx, orch); err != nil {
		return err
	}
	s.logger.Warn("reboot orchestration failed",
		"orchestration_id", orch.ID,
		"parent_host_id", orch.ParentHostID,
		"reason", reason,
	)
	return nil
}

// RunSweeper periodically pushes along orchestrations whose agents went
// quiet: shutdown phases that outlive their timeout proceed to the reboot
// anyway, and agents that never come back fail the orchestration.
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
	active, err := s.store.ListActiveOrchestrations(ctx)
	if err != nil {
		s.logger.Error("orchestration sweep failed", "error", err)
		return
	}

	now := time.Now().UTC()
	counts := map[string]int{}
	for _, orch := range active {
		counts[string(orch.Status)]++
		switch orch.Status {
		case store.RebootShuttingDown:
			deadline := orch.InitiatedAt.Add(time.Duration(orch.ShutdownTimeoutSecs) * time.Second)
			if now.After(deadline) {
				s.logger.Warn("shutdown timeout reached, issuing reboot anyway",
					"orchestration_id", orch.ID)
				orch.ErrorMessage = "shutdown timeout reached; some children may not have stopped cleanly"
				if err := s.issueReboot(ctx, orch); err != nil {
					s.logger.Error("forced reboot issue failed",
						"orchestration_id", orch.ID, "error", err)
				}
			}
		case store.RebootIssued, store.RebootWaitingForAgent:
			issued := orch.InitiatedAt
			if orch.RebootIssuedAt != nil {
				issued = *orch.RebootIssuedAt
			}
			if now.After(issued.Add(agentWaitTimeout)) {
				if err := s.fail(ctx, orch, "agent did not reconnect after reboot"); err != nil {
					s.logger.Error("orchestration fail write failed",
						"orchestration_id", orch.ID, "error", err)
				}
			}
		case store.RebootRestartingChildren:
			if orch.AgentReconnectedAt != nil && now.After(orch.AgentReconnectedAt.Add(agentWaitTimeout)) {
				if err := s.fail(ctx, orch, "restart phase timed out"); err != nil {
					s.logger.Error("orchestration fail write failed",
						"orchestration_id", orch.ID, "error", err)
				}
			}
		}
	}

	if s.metrics != nil {
		for _, state := range []store.RebootStatus{
			store.RebootShuttingDown, store.RebootIssued,
			store.RebootWaitingForAgent, store.RebootRestartingChildren,
		} {
			s.metrics.Orchestrations.WithLabelValues(string(state)).Set(float64(counts[string(state)]))
		}
	}
}

func snapshotContains(snapshot []store.ChildSnapshot, name, childType string) bool {
	for _, snap := range snapshot {
		if snap.ChildName == name && snap.ChildType == childType {
			return true
		}
	}
	return false
}
