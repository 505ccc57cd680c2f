// ABOUTME: Durable entity types for warden persistence
// ABOUTME: Hosts, queue messages, child hosts, reboot orchestrations, and their state tables

package store

import "time"

// ApprovalStatus is the operator approval state of a host.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
)

// Host is the durable record of a managed machine. Status (up/down) is
// derived from last-seen recency at read time and never stored.
type Host struct {
	ID             string
	FQDN           string
	Addresses      []string
	Platform       string
	HostToken      string // long-lived bearer secret, issued at approval
	ApprovalStatus ApprovalStatus
	Privileged     bool
	ScriptsEnabled bool    // admin-set; never touched by heartbeats
	Shells         []string
	ParentHostID   *string // set for hosts that are themselves children
	CertSerial     string
	LastSeen       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Online reports whether the host was seen within threshold of now.
func (h *Host) Online(now time.Time, threshold time.Duration) bool {
	return h.LastSeen != nil && now.Sub(*h.LastSeen) <= threshold
}

// MessageDirection distinguishes server→agent from agent→server messages.
type MessageDirection string

const (
	DirectionOutbound MessageDirection = "outbound"
	DirectionInbound  MessageDirection = "inbound"
)

// MessageStatus is the queue lifecycle state of a message.
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusInProgress MessageStatus = "in_progress"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
	StatusExpired    MessageStatus = "expired"
)

// Priority levels, higher dequeued first. The gaps leave room for
// intermediate levels without renumbering.
type Priority int

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
)

// QueueMessage is a durable message envelope awaiting delivery or
// processing. HostID is nil for broadcast and administrative messages.
type QueueMessage struct {
	ID            string
	CorrelationID *string
	Type          string
	Direction     MessageDirection
	Priority      Priority
	HostID        *string
	Payload       []byte
	Status        MessageStatus
	Attempts      int
	CreatedAt     time.Time
	ScheduledAt   *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ExpiredAt     *time.Time
}

// ChildStatus is the lifecycle state of a child host.
type ChildStatus string

const (
	ChildPending      ChildStatus = "pending"
	ChildCreating     ChildStatus = "creating"
	ChildInstalling   ChildStatus = "installing"
	ChildRunning      ChildStatus = "running"
	ChildStopped      ChildStatus = "stopped"
	ChildError        ChildStatus = "error"
	ChildUninstalling ChildStatus = "uninstalling"
)

// childTransitions is the legal transition table for HostChild. A transition
// absent from this table is rejected by the guard, never applied.
var childTransitions = map[ChildStatus][]ChildStatus{
	ChildPending:      {ChildCreating, ChildInstalling, ChildError},
	ChildCreating:     {ChildInstalling, ChildRunning, ChildError},
	ChildInstalling:   {ChildRunning, ChildError},
	ChildRunning:      {ChildStopped, ChildError, ChildUninstalling},
	ChildStopped:      {ChildRunning, ChildError, ChildUninstalling},
	ChildError:        {ChildCreating, ChildUninstalling},
	ChildUninstalling: {ChildError},
}

// CanTransition reports whether from → to is a legal child state change.
// Re-applying the current state is allowed so duplicate terminal reports
// stay idempotent.
func (from ChildStatus) CanTransition(to ChildStatus) bool {
	if from == to {
		return true
	}
	for _, next := range childTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DeletableLocally reports whether a child in this state can be removed
// without an agent round-trip: nothing was provisioned yet.
func (s ChildStatus) DeletableLocally() bool {
	return s == ChildPending || s == ChildCreating || s == ChildError
}

// HostChild is a virtual machine or container provisioned by an agent on
// behalf of the server. (ParentHostID, ChildName, ChildType) is unique.
type HostChild struct {
	ID           string
	ParentHostID string
	ChildHostID  *string // populated once the child registers as its own Host
	ChildName    string
	ChildType    string
	Distribution string
	Version      string

	// InstanceKey is the technology-assigned instance identifier, used to
	// reject stale delete commands against a recreated child of the same name.
	InstanceKey *string

	AutoApproveToken *string // single-use; cleared on redemption
	Status           ChildStatus
	InstallationStep string
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	InstalledAt      *time.Time
}

// RebootStatus is the state of a reboot orchestration.
type RebootStatus string

const (
	RebootShuttingDown       RebootStatus = "shutting_down"
	RebootIssued             RebootStatus = "reboot_issued"
	RebootWaitingForAgent    RebootStatus = "waiting_for_agent"
	RebootRestartingChildren RebootStatus = "restarting_children"
	RebootCompleted          RebootStatus = "completed"
	RebootError              RebootStatus = "error"
)

// rebootTransitions is the legal transition table for RebootOrchestration.
// RebootError is reachable from every non-terminal state.
var rebootTransitions = map[RebootStatus][]RebootStatus{
	RebootShuttingDown:       {RebootIssued, RebootError},
	RebootIssued:             {RebootWaitingForAgent, RebootError},
	RebootWaitingForAgent:    {RebootRestartingChildren, RebootError},
	RebootRestartingChildren: {RebootCompleted, RebootError},
}

// CanTransition reports whether from → to is a legal orchestration state change.
func (from RebootStatus) CanTransition(to RebootStatus) bool {
	if from == to {
		return true
	}
	for _, next := range rebootTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the orchestration has finished, successfully or not.
func (s RebootStatus) Terminal() bool {
	return s == RebootCompleted || s == RebootError
}

// ChildSnapshot is one entry of the immutable running-children snapshot
// taken when a reboot orchestration is created.
type ChildSnapshot struct {
	ChildID   string `json:"child_id"`
	ChildName string `json:"child_name"`
	ChildType string `json:"child_type"`
}

// RestartOutcome records the per-child result of the restart phase.
type RestartOutcome struct {
	Status  string `json:"status"` // "pending", "running", "failed"
	Message string `json:"message,omitempty"`
}

// RebootOrchestration tracks a coordinated parent-host reboot across agent
// reconnects. The snapshot is taken at creation and never updated from the
// live child list.
type RebootOrchestration struct {
	ID                    string
	ParentHostID          string
	Status                RebootStatus
	Snapshot              []ChildSnapshot
	RestartStatus         map[string]RestartOutcome // keyed by child id
	ShutdownTimeoutSecs   int
	InitiatedBy           string
	InitiatedAt           time.Time
	ShutdownCompletedAt   *time.Time
	RebootIssuedAt        *time.Time
	AgentReconnectedAt    *time.Time
	RestartCompletedAt    *time.Time
	ErrorMessage          string
}

// Distribution is one catalog entry of a provisionable child image. Catalog
// data, not runtime state.
type Distribution struct {
	ID        string
	ChildType string
	Name      string
	Version   string
}
