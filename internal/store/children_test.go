// ABOUTME: Tests for child-host persistence
// ABOUTME: Covers transactional create-with-command, uniqueness, and transition table

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCreateChildWithCommand_Atomic(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	parent := testHost()
	if err := store.CreateHost(ctx, parent); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}

	child := testChild(parent.ID)
	cmd := testMessage(parent.ID, PriorityNormal)
	if err := store.CreateChildWithCommand(ctx, child, cmd); err != nil {
		t.Fatalf("CreateChildWithCommand failed: %v", err)
	}

	gotChild, err := store.GetChild(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetChild failed: %v", err)
	}
	if gotChild.Status != ChildCreating {
		t.Errorf("Status = %q, want creating", gotChild.Status)
	}
	if gotChild.AutoApproveToken == nil {
		t.Error("AutoApproveToken not persisted")
	}
	if _, err := store.GetMessage(ctx, cmd.ID); err != nil {
		t.Errorf("command not enqueued with child: %v", err)
	}
}

func TestCreateChildWithCommand_DuplicateRollsBackCommand(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	parent := testHost()
	if err := store.CreateHost(ctx, parent); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}

	first := testChild(parent.ID)
	if err := store.CreateChildWithCommand(ctx, first, testMessage(parent.ID, PriorityNormal)); err != nil {
		t.Fatalf("CreateChildWithCommand failed: %v", err)
	}

	dup := testChild(parent.ID)
	dup.ChildName = first.ChildName
	dup.ChildType = first.ChildType
	dupCmd := testMessage(parent.ID, PriorityNormal)
	err := store.CreateChildWithCommand(ctx, dup, dupCmd)
	if !errors.Is(err, ErrDuplicateChild) {
		t.Fatalf("err = %v, want ErrDuplicateChild", err)
	}

	// The transaction must roll back: no orphaned command.
	if _, err := store.GetMessage(ctx, dupCmd.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("duplicate's command err = %v, want ErrNotFound", err)
	}

	// Same name under a different parent is fine.
	other := testHost()
	if err := store.CreateHost(ctx, other); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}
	sibling := testChild(other.ID)
	sibling.ChildName = first.ChildName
	sibling.ChildType = first.ChildType
	if err := store.CreateChildWithCommand(ctx, sibling, testMessage(other.ID, PriorityNormal)); err != nil {
		t.Errorf("cross-parent duplicate err = %v, want nil", err)
	}
}

func TestUpdateChildWithCommand(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	parent := testHost()
	if err := store.CreateHost(ctx, parent); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}
	child := testChild(parent.ID)
	if err := store.CreateChildWithCommand(ctx, child, testMessage(parent.ID, PriorityNormal)); err != nil {
		t.Fatalf("CreateChildWithCommand failed: %v", err)
	}

	child.Status = ChildUninstalling
	deleteCmd := testMessage(parent.ID, PriorityNormal)
	if err := store.UpdateChildWithCommand(ctx, child, deleteCmd); err != nil {
		t.Fatalf("UpdateChildWithCommand failed: %v", err)
	}

	got, err := store.GetChild(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetChild failed: %v", err)
	}
	if got.Status != ChildUninstalling {
		t.Errorf("Status = %q, want uninstalling", got.Status)
	}
	if _, err := store.GetMessage(ctx, deleteCmd.ID); err != nil {
		t.Errorf("delete command not enqueued: %v", err)
	}
}

func TestClaimChildByAutoApproveToken_SingleUse(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	parent := testHost()
	if err := store.CreateHost(ctx, parent); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}
	child := testChild(parent.ID)
	if err := store.CreateChildWithCommand(ctx, child, testMessage(parent.ID, PriorityNormal)); err != nil {
		t.Fatalf("CreateChildWithCommand failed: %v", err)
	}
	token := *child.AutoApproveToken

	got, err := store.ClaimChildByAutoApproveToken(ctx, token)
	if err != nil {
		t.Fatalf("ClaimChildByAutoApproveToken failed: %v", err)
	}
	if got.ID != child.ID {
		t.Errorf("got %s, want %s", got.ID, child.ID)
	}
	if got.AutoApproveToken != nil {
		t.Errorf("AutoApproveToken = %q, want nil after claim", *got.AutoApproveToken)
	}

	// The claim burns the token in the same statement that checks it, so a
	// second presentation loses.
	if _, err := store.ClaimChildByAutoApproveToken(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Errorf("second claim err = %v, want ErrNotFound", err)
	}

	stored, err := store.GetChild(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetChild failed: %v", err)
	}
	if stored.AutoApproveToken != nil {
		t.Errorf("stored AutoApproveToken = %q, want nil", *stored.AutoApproveToken)
	}

	if _, err := store.ClaimChildByAutoApproveToken(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty token claim err = %v, want ErrNotFound", err)
	}
}

func TestChildTransitionTable(t *testing.T) {
	tests := []struct {
		from, to ChildStatus
		want     bool
	}{
		{ChildPending, ChildCreating, true},
		{ChildCreating, ChildInstalling, true},
		{ChildInstalling, ChildRunning, true},
		{ChildRunning, ChildStopped, true},
		{ChildStopped, ChildRunning, true},
		{ChildRunning, ChildUninstalling, true},
		{ChildError, ChildCreating, true},
		{ChildRunning, ChildRunning, true}, // self, for idempotent reports
		{ChildRunning, ChildInstalling, false},
		{ChildStopped, ChildCreating, false},
		{ChildUninstalling, ChildRunning, false},
		{ChildPending, ChildRunning, false},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestChildDeletableLocally(t *testing.T) {
	for _, status := range []ChildStatus{ChildPending, ChildCreating, ChildError} {
		if !status.DeletableLocally() {
			t.Errorf("%s should be locally deletable", status)
		}
	}
	for _, status := range []ChildStatus{ChildInstalling, ChildRunning, ChildStopped, ChildUninstalling} {
		if status.DeletableLocally() {
			t.Errorf("%s should require an uninstall round-trip", status)
		}
	}
}

// testChild returns a creating-state child under parentID with an
// auto-approve token.
func testChild(parentID string) *HostChild {
	token := uuid.New().String()
	now := time.Now().UTC()
	return &HostChild{
		ID:               uuid.New().String(),
		ParentHostID:     parentID,
		ChildName:        "child-" + uuid.New().String()[:8],
		ChildType:        "lxc",
		Distribution:     "debian",
		Version:          "12",
		AutoApproveToken: &token,
		Status:           ChildCreating,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
