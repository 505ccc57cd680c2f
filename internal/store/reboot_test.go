// ABOUTME: Tests for reboot orchestration persistence
// ABOUTME: Covers snapshot immutability, active lookup, and transition table

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCreateOrchestrationWithCommands(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	parent := testHost()
	if err := store.CreateHost(ctx, parent); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}

	orch := testOrchestration(parent.ID)
	stop1 := testMessage(parent.ID, PriorityHigh)
	stop2 := testMessage(parent.ID, PriorityHigh)
	if err := store.CreateOrchestrationWithCommands(ctx, orch, []*QueueMessage{stop1, stop2}); err != nil {
		t.Fatalf("CreateOrchestrationWithCommands failed: %v", err)
	}

	got, err := store.GetOrchestration(ctx, orch.ID)
	if err != nil {
		t.Fatalf("GetOrchestration failed: %v", err)
	}
	if got.Status != RebootShuttingDown {
		t.Errorf("Status = %q, want shutting_down", got.Status)
	}
	if len(got.Snapshot) != 2 {
		t.Errorf("Snapshot has %d entries, want 2", len(got.Snapshot))
	}
	if got.Snapshot[0].ChildName != orch.Snapshot[0].ChildName {
		t.Errorf("Snapshot[0] = %+v, want %+v", got.Snapshot[0], orch.Snapshot[0])
	}
	for _, cmd := range []*QueueMessage{stop1, stop2} {
		if _, err := store.GetMessage(ctx, cmd.ID); err != nil {
			t.Errorf("stop command %s not enqueued: %v", cmd.ID, err)
		}
	}
}

func TestGetActiveOrchestrationForHost(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	parent := testHost()
	if err := store.CreateHost(ctx, parent); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}

	if _, err := store.GetActiveOrchestrationForHost(ctx, parent.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound with no orchestrations", err)
	}

	orch := testOrchestration(parent.ID)
	if err := store.CreateOrchestrationWithCommands(ctx, orch, nil); err != nil {
		t.Fatalf("CreateOrchestrationWithCommands failed: %v", err)
	}

	active, err := store.GetActiveOrchestrationForHost(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetActiveOrchestrationForHost failed: %v", err)
	}
	if active.ID != orch.ID {
		t.Errorf("active = %s, want %s", active.ID, orch.ID)
	}

	// Terminal orchestrations are not active.
	active.Status = RebootError
	active.ErrorMessage = "agent never returned"
	if err := store.UpdateOrchestration(ctx, active); err != nil {
		t.Fatalf("UpdateOrchestration failed: %v", err)
	}
	if _, err := store.GetActiveOrchestrationForHost(ctx, parent.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after terminal state", err)
	}
}

func TestUpdateOrchestration_PreservesSnapshot(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	parent := testHost()
	if err := store.CreateHost(ctx, parent); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}

	orch := testOrchestration(parent.ID)
	if err := store.CreateOrchestrationWithCommands(ctx, orch, nil); err != nil {
		t.Fatalf("CreateOrchestrationWithCommands failed: %v", err)
	}

	// A caller mutating its in-memory snapshot must not affect the stored one.
	orch.Snapshot = nil
	orch.Status = RebootIssued
	now := time.Now().UTC()
	orch.RebootIssuedAt = &now
	if err := store.UpdateOrchestration(ctx, orch); err != nil {
		t.Fatalf("UpdateOrchestration failed: %v", err)
	}

	got, err := store.GetOrchestration(ctx, orch.ID)
	if err != nil {
		t.Fatalf("GetOrchestration failed: %v", err)
	}
	if got.Status != RebootIssued {
		t.Errorf("Status = %q, want reboot_issued", got.Status)
	}
	if len(got.Snapshot) != 2 {
		t.Errorf("Snapshot has %d entries after update, want 2 (immutable)", len(got.Snapshot))
	}
	if got.RebootIssuedAt == nil {
		t.Error("RebootIssuedAt not persisted")
	}
}

func TestListActiveOrchestrations(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	hostA := testHost()
	hostB := testHost()
	for _, h := range []*Host{hostA, hostB} {
		if err := store.CreateHost(ctx, h); err != nil {
			t.Fatalf("CreateHost failed: %v", err)
		}
	}

	active := testOrchestration(hostA.ID)
	finished := testOrchestration(hostB.ID)
	for _, o := range []*RebootOrchestration{active, finished} {
		if err := store.CreateOrchestrationWithCommands(ctx, o, nil); err != nil {
			t.Fatalf("CreateOrchestrationWithCommands failed: %v", err)
		}
	}
	finished.Status = RebootCompleted
	if err := store.UpdateOrchestration(ctx, finished); err != nil {
		t.Fatalf("UpdateOrchestration failed: %v", err)
	}

	list, err := store.ListActiveOrchestrations(ctx)
	if err != nil {
		t.Fatalf("ListActiveOrchestrations failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != active.ID {
		t.Errorf("active list = %v, want only %s", list, active.ID)
	}
}

func TestRebootTransitionTable(t *testing.T) {
	tests := []struct {
		from, to RebootStatus
		want     bool
	}{
		{RebootShuttingDown, RebootIssued, true},
		{RebootIssued, RebootWaitingForAgent, true},
		{RebootWaitingForAgent, RebootRestartingChildren, true},
		{RebootRestartingChildren, RebootCompleted, true},
		{RebootShuttingDown, RebootError, true},
		{RebootWaitingForAgent, RebootError, true},
		{RebootIssued, RebootIssued, true}, // self
		{RebootShuttingDown, RebootWaitingForAgent, false},
		{RebootIssued, RebootCompleted, false},
		{RebootCompleted, RebootShuttingDown, false},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}

	if !RebootCompleted.Terminal() || !RebootError.Terminal() {
		t.Error("completed and error must be terminal")
	}
	if RebootWaitingForAgent.Terminal() {
		t.Error("waiting_for_agent must not be terminal")
	}
}

// testOrchestration returns a shutting-down orchestration with a
// two-child snapshot.
func testOrchestration(parentID string) *RebootOrchestration {
	return &RebootOrchestration{
		ID:           uuid.New().String(),
		ParentHostID: parentID,
		Status:       RebootShuttingDown,
		Snapshot: []ChildSnapshot{
			{ChildID: uuid.New().String(), ChildName: "web", ChildType: "lxc"},
			{ChildID: uuid.New().String(), ChildName: "db", ChildType: "kvm"},
		},
		RestartStatus:       map[string]RestartOutcome{},
		ShutdownTimeoutSecs: 120,
		InitiatedBy:         "test",
		InitiatedAt:         time.Now().UTC(),
	}
}
