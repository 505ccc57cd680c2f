// ABOUTME: Child-host lifecycle state machine
// ABOUTME: Provisioning, progress handling, stale-delete protection, and teardown

package children

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/wardenhq/warden/internal/hosts"
	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/internal/queue"
	"github.com/wardenhq/warden/internal/store"
)

// Service drives the child-host lifecycle: API requests enqueue commands,
// inbound agent reports advance the state machine.
type Service struct {
	store     store.Store
	queue     *queue.Service
	serverURL string
	logger    *slog.Logger
}

// New creates a children Service. serverURL is handed to provisioned agents
// so the child can find its way back.
func New(s store.Store, q *queue.Service, serverURL string, logger *slog.Logger) *Service {
	return &Service{store: s, queue: q, serverURL: serverURL, logger: logger}
}

// CreateRequest describes a child to provision.
type CreateRequest struct {
	ParentHostID string
	ChildName    string
	ChildType    string
	Distribution string
	Version      string

	// RootSecret is hashed before it enters command parameters; the raw
	// value is never persisted or transmitted.
	RootSecret string
}

// Create inserts the child row and enqueues its provisioning command in one
// transaction, so a crash cannot leave a row with no in-flight command.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.HostChild, error) {
	parent, err := s.store.GetHost(ctx, req.ParentHostID)
	if err != nil {
		return nil, err
	}
	if parent.ApprovalStatus != store.ApprovalApproved {
		return nil, hosts.ErrHostNotApproved
	}

	secretHash := ""
	if req.RootSecret != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(req.RootSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing root secret: %w", err)
		}
		secretHash = string(hashed)
	}

	autoApprove, err := hosts.NewHostToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	child := &store.HostChild{
		ID:               uuid.New().String(),
		ParentHostID:     parent.ID,
		ChildName:        req.ChildName,
		ChildType:        req.ChildType,
		Distribution:     req.Distribution,
		Version:          req.Version,
		AutoApproveToken: &autoApprove,
		Status:           store.ChildCreating,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	cmd := &protocol.Command{
		CommandType:   protocol.CommandChildCreate,
		CorrelationID: uuid.New().String(),
		ChildCreate: &protocol.ChildCreateParams{
			ChildName:        req.ChildName,
			ChildType:        req.ChildType,
			Distribution:     req.Distribution,
			Version:          req.Version,
			RootSecretHash:   secretHash,
			AutoApproveToken: autoApprove,
			ServerURL:        s.serverURL,
		},
	}
	msg, err := queue.BuildCommand(parent.ID, cmd, store.PriorityNormal)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateChildWithCommand(ctx, child, msg); err != nil {
		return nil, err
	}
	s.logger.Info("child provisioning queued",
		"child_id", child.ID,
		"parent_host_id", parent.ID,
		"child_name", child.ChildName,
		"child_type", child.ChildType,
	)

	s.queue.DeliverPending(ctx, parent.ID)
	return child, nil
}

// Delete removes a child. A child that never finished provisioning is
// deleted locally with no agent round-trip; anything provisioned moves to
// uninstalling and gets a delete command pinned to its instance key, so a
// delayed delivery cannot tear down a newer instance of the same name.
func (s *Service) Delete(ctx context.Context, childID string) (queued bool, err error) {
	child, err := s.store.GetChild(ctx, childID)
	if err != nil {
		return false, err
	}

	if child.Status.DeletableLocally() {
		if err := s.deleteLocally(ctx, child); err != nil {
			return false, err
		}
		return false, nil
	}

	if !child.Status.CanTransition(store.ChildUninstalling) {
		return false, fmt.Errorf("%w: %s -> uninstalling", store.ErrIllegalTransition, child.Status)
	}

	params := &protocol.ChildDeleteParams{
		ChildName: child.ChildName,
		ChildType: child.ChildType,
	}
	if child.InstanceKey != nil {
		params.InstanceKey = *child.InstanceKey
	}
	cmd := &protocol.Command{
		CommandType:   protocol.CommandChildDelete,
		CorrelationID: uuid.New().String(),
		ChildDelete:   params,
	}
	msg, err := queue.BuildCommand(child.ParentHostID, cmd, store.PriorityNormal)
	if err != nil {
		return false, err
	}

	child.Status = store.ChildUninstalling
	if err := s.store.UpdateChildWithCommand(ctx, child, msg); err != nil {
		return false, err
	}
	s.logger.Info("child uninstall queued",
		"child_id", child.ID,
		"parent_host_id", child.ParentHostID,
		"instance_key", params.InstanceKey,
	)

	s.queue.DeliverPending(ctx, child.ParentHostID)
	return true, nil
}

// deleteLocally removes a never-provisioned child and any linked host
// record that was never approved.
func (s *Service) deleteLocally(ctx context.Context, child *store.HostChild) error {
	if child.ChildHostID != nil {
		linked, err := s.store.GetHost(ctx, *child.ChildHostID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if linked != nil && linked.ApprovalStatus == store.ApprovalPending {
			if err := s.store.DeleteHost(ctx, linked.ID); err != nil {
				return err
			}
		}
	}
	if err := s.store.DeleteChild(ctx, child.ID); err != nil {
		return err
	}
	s.logger.Info("child deleted locally, nothing was provisioned",
		"child_id", child.ID, "status", child.Status)
	return nil
}

// Stop enqueues a stop command for a running child.
func (s *Service) Stop(ctx context.Context, childID string) error {
	return s.control(ctx, childID, protocol.CommandChildStop, store.ChildRunning)
}

// Start enqueues a start command for a stopped child.
func (s *Service) Start(ctx context.Context, childID string) error {
	return s.control(ctx, childID, protocol.CommandChildStart, store.ChildStopped)
}

func (s *Service) control(ctx context.Context, childID, commandType string, required store.ChildStatus) error {
	child, err := s.store.GetChild(ctx, childID)
	if err != nil {
		return err
	}
	if child.Status != required {
		return fmt.Errorf("%w: child is %s", store.ErrIllegalTransition, child.Status)
	}

	params := &protocol.ChildControlParams{
		ChildName: child.ChildName,
		ChildType: child.ChildType,
	}
	cmd := &protocol.Command{
		CommandType:   commandType,
		CorrelationID: uuid.New().String(),
	}
	if commandType == protocol.CommandChildStop {
		cmd.ChildStop = params
	} else {
		cmd.ChildStart = params
	}

	if _, err := s.queue.EnqueueCommand(ctx, child.ParentHostID, cmd, store.PriorityNormal); err != nil {
		return err
	}
	return nil
}

// HandleControlAck applies an acknowledgement for a stop or start command
// issued outside any reboot orchestration.
func (s *Service) HandleControlAck(ctx context.Context, parentHostID string, cmd *protocol.Command, ack *protocol.Ack) error {
	var params *protocol.ChildControlParams
	var target store.ChildStatus
	switch cmd.CommandType {
	case protocol.CommandChildStop:
		params, target = cmd.ChildStop, store.ChildStopped
	case protocol.CommandChildStart:
		params, target = cmd.ChildStart, store.ChildRunning
	default:
		return nil
	}
	if params == nil {
		return nil
	}

	child, err := s.store.GetChildByName(ctx, parentHostID, params.ChildName, params.ChildType)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if ack.Status != protocol.AckOK {
		target = store.ChildError
		child.ErrorMessage = ack.Message
	}
	if child.Status == target {
		return nil
	}
	if !child.Status.CanTransition(target) {
		s.logger.Warn("control ack rejected by transition table",
			"child_id", child.ID, "from", child.Status, "to", target)
		return nil
	}
	child.Status = target
	return s.store.UpdateChild(ctx, child)
}

// HandleProgress applies an inbound child progress report. Transitions are
// validated against the state table; duplicate terminal reports are dropped
// so redelivered messages never double-apply.
func (s *Service) HandleProgress(ctx context.Context, host *store.Host, report *protocol.ChildProgress) error {
	child, err := s.store.GetChildByName(ctx, host.ID, report.ChildName, report.ChildType)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("progress report for unknown child",
			"parent_host_id", host.ID,
			"child_name", report.ChildName,
			"child_type", report.ChildType,
		)
		return nil
	}
	if err != nil {
		return err
	}

	// A report keyed to a previous incarnation of this child name is stale.
	if report.InstanceKey != "" && child.InstanceKey != nil && *child.InstanceKey != report.InstanceKey {
		s.logger.Warn("dropping progress report for stale instance",
			"child_id", child.ID,
			"reported_key", report.InstanceKey,
			"current_key", *child.InstanceKey,
		)
		return nil
	}

	if report.Status == protocol.ProgressRemoved {
		return s.finishUninstall(ctx, child)
	}

	newStatus, err := statusFromReport(report.Status)
	if err != nil {
		return err
	}

	if child.Status == newStatus && report.Step == child.InstallationStep {
		s.logger.Debug("duplicate progress report dropped",
			"child_id", child.ID, "status", newStatus)
		return nil
	}
	if !child.Status.CanTransition(newStatus) {
		s.logger.Warn("illegal child transition rejected",
			"child_id", child.ID,
			"from", child.Status,
			"to", newStatus,
		)
		return nil
	}

	child.Status = newStatus
	child.InstallationStep = report.Step
	child.ErrorMessage = report.Error
	if report.InstanceKey != "" {
		child.InstanceKey = &report.InstanceKey
	}
	if newStatus == store.ChildRunning && child.InstalledAt == nil {
		now := time.Now().UTC()
		child.InstalledAt = &now
	}

	if err := s.store.UpdateChild(ctx, child); err != nil {
		return err
	}
	s.logger.Info("child state advanced",
		"child_id", child.ID,
		"status", child.Status,
		"step", child.InstallationStep,
	)
	return nil
}

// finishUninstall completes a delete round-trip: the row and any linked
// host record are removed.
func (s *Service) finishUninstall(ctx context.Context, child *store.HostChild) error {
	if child.Status != store.ChildUninstalling {
		s.logger.Warn("removed report for child not uninstalling",
			"child_id", child.ID, "status", child.Status)
		return nil
	}
	if child.ChildHostID != nil {
		if err := s.store.DeleteHost(ctx, *child.ChildHostID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if err := s.store.DeleteChild(ctx, child.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.logger.Info("child uninstalled", "child_id", child.ID)
	return nil
}

// statusFromReport maps protocol progress states onto child states.
func statusFromReport(status string) (store.ChildStatus, error) {
	switch status {
	case protocol.ProgressCreating:
		return store.ChildCreating, nil
	case protocol.ProgressInstalling:
		return store.ChildInstalling, nil
	case protocol.ProgressRunning:
		return store.ChildRunning, nil
	case protocol.ProgressStopped:
		return store.ChildStopped, nil
	case protocol.ProgressError:
		return store.ChildError, nil
	default:
		return "", fmt.Errorf("unknown progress status %q", status)
	}
}
