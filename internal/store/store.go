// ABOUTME: Store interface and sentinel errors for warden persistence
// ABOUTME: Defines host, queue, child-host, and orchestration operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateChild is returned when a child with the same
// (parent, name, type) already exists
var ErrDuplicateChild = errors.New("child already exists")

// ErrDuplicateMessage is returned when a queue message with the same id
// already exists
var ErrDuplicateMessage = errors.New("message already exists")

// ErrIllegalTransition is returned when a state change is not in the
// entity's transition table
var ErrIllegalTransition = errors.New("illegal state transition")

// ClaimFilter selects messages for a claim pass.
type ClaimFilter struct {
	Direction MessageDirection
	HostID    *string // nil claims host-agnostic (broadcast) messages only
	AnyHost   bool    // claim regardless of host, used by the inbound consumer
	Limit     int
}

// QueueListFilter selects messages for administrative inspection.
type QueueListFilter struct {
	Status MessageStatus
	HostID string
	Limit  int
}

// Store defines the persistence operations warden's core depends on.
type Store interface {
	// Hosts
	CreateHost(ctx context.Context, host *Host) error
	GetHost(ctx context.Context, id string) (*Host, error)
	GetHostByToken(ctx context.Context, token string) (*Host, error)
	GetHostByFQDN(ctx context.Context, fqdn string) (*Host, error)
	UpdateHost(ctx context.Context, host *Host) error
	TouchHost(ctx context.Context, id string, seen time.Time) error
	ListHosts(ctx context.Context) ([]*Host, error)
	DeleteHost(ctx context.Context, id string) error

	// Message queue
	Enqueue(ctx context.Context, msg *QueueMessage) error
	GetMessage(ctx context.Context, id string) (*QueueMessage, error)
	GetMessageByCorrelationID(ctx context.Context, correlationID string, direction MessageDirection) (*QueueMessage, error)
	ClaimNext(ctx context.Context, filter ClaimFilter, lease time.Duration, now time.Time) ([]*QueueMessage, error)
	Acknowledge(ctx context.Context, messageID string, now time.Time) error
	FailMessage(ctx context.Context, messageID string, now time.Time) error
	ReleaseClaim(ctx context.Context, messageID string) error
	ExpireMessages(ctx context.Context, maxAge time.Duration, maxAttempts int, now time.Time) (int, error)
	ListMessages(ctx context.Context, filter QueueListFilter) ([]*QueueMessage, error)
	DeleteExpired(ctx context.Context) (int, error)
	CountMessagesByStatus(ctx context.Context) (map[MessageStatus]int, error)

	// Child hosts
	CreateChildWithCommand(ctx context.Context, child *HostChild, cmd *QueueMessage) error
	GetChild(ctx context.Context, id string) (*HostChild, error)
	GetChildByName(ctx context.Context, parentHostID, childName, childType string) (*HostChild, error)
	ClaimChildByAutoApproveToken(ctx context.Context, token string) (*HostChild, error)
	ListChildren(ctx context.Context, parentHostID string) ([]*HostChild, error)
	UpdateChild(ctx context.Context, child *HostChild) error
	UpdateChildWithCommand(ctx context.Context, child *HostChild, cmd *QueueMessage) error
	DeleteChild(ctx context.Context, id string) error

	// Reboot orchestrations
	CreateOrchestrationWithCommands(ctx context.Context, orch *RebootOrchestration, cmds []*QueueMessage) error
	GetOrchestration(ctx context.Context, id string) (*RebootOrchestration, error)
	GetActiveOrchestrationForHost(ctx context.Context, parentHostID string) (*RebootOrchestration, error)
	ListActiveOrchestrations(ctx context.Context) ([]*RebootOrchestration, error)
	UpdateOrchestration(ctx context.Context, orch *RebootOrchestration) error

	// Distribution catalog
	ListDistributions(ctx context.Context) ([]*Distribution, error)

	// Close releases any resources held by the store
	Close() error
}
