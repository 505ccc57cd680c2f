// ABOUTME: Tests for SQLite store setup and host persistence
// ABOUTME: Covers schema bootstrap, host CRUD, and distribution seeding

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCreateAndGetHost(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	host := testHost()
	host.Addresses = []string{"10.0.0.5", "fd7a::1"}
	host.Shells = []string{"bash", "zsh"}

	if err := store.CreateHost(ctx, host); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}

	got, err := store.GetHost(ctx, host.ID)
	if err != nil {
		t.Fatalf("GetHost failed: %v", err)
	}
	if got.FQDN != host.FQDN {
		t.Errorf("FQDN = %q, want %q", got.FQDN, host.FQDN)
	}
	if got.ApprovalStatus != ApprovalPending {
		t.Errorf("ApprovalStatus = %q, want pending", got.ApprovalStatus)
	}
	if len(got.Addresses) != 2 || got.Addresses[0] != "10.0.0.5" {
		t.Errorf("Addresses = %v, want %v", got.Addresses, host.Addresses)
	}
	if len(got.Shells) != 2 {
		t.Errorf("Shells = %v, want %v", got.Shells, host.Shells)
	}
	if got.LastSeen != nil {
		t.Errorf("LastSeen = %v, want nil", got.LastSeen)
	}
}

func TestGetHost_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetHost(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetHostByTokenAndFQDN(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	host := testHost()
	host.HostToken = "tok-12345"
	if err := store.CreateHost(ctx, host); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}

	byToken, err := store.GetHostByToken(ctx, "tok-12345")
	if err != nil {
		t.Fatalf("GetHostByToken failed: %v", err)
	}
	if byToken.ID != host.ID {
		t.Errorf("GetHostByToken returned %s, want %s", byToken.ID, host.ID)
	}

	// Empty token must never match credential-less hosts.
	if _, err := store.GetHostByToken(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty token lookup err = %v, want ErrNotFound", err)
	}

	byFQDN, err := store.GetHostByFQDN(ctx, host.FQDN)
	if err != nil {
		t.Fatalf("GetHostByFQDN failed: %v", err)
	}
	if byFQDN.ID != host.ID {
		t.Errorf("GetHostByFQDN returned %s, want %s", byFQDN.ID, host.ID)
	}
}

func TestUpdateHost(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	host := testHost()
	if err := store.CreateHost(ctx, host); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}

	host.ApprovalStatus = ApprovalApproved
	host.HostToken = "issued-token"
	host.Privileged = true
	host.ScriptsEnabled = true
	if err := store.UpdateHost(ctx, host); err != nil {
		t.Fatalf("UpdateHost failed: %v", err)
	}

	got, err := store.GetHost(ctx, host.ID)
	if err != nil {
		t.Fatalf("GetHost failed: %v", err)
	}
	if got.ApprovalStatus != ApprovalApproved {
		t.Errorf("ApprovalStatus = %q, want approved", got.ApprovalStatus)
	}
	if got.HostToken != "issued-token" {
		t.Errorf("HostToken = %q, want issued-token", got.HostToken)
	}
	if !got.Privileged || !got.ScriptsEnabled {
		t.Errorf("Privileged/ScriptsEnabled not persisted: %+v", got)
	}
}

func TestTouchHost(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	host := testHost()
	if err := store.CreateHost(ctx, host); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}

	seen := time.Now().UTC().Truncate(time.Second)
	if err := store.TouchHost(ctx, host.ID, seen); err != nil {
		t.Fatalf("TouchHost failed: %v", err)
	}

	got, err := store.GetHost(ctx, host.ID)
	if err != nil {
		t.Fatalf("GetHost failed: %v", err)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, seen)
	}
	if !got.Online(seen.Add(30*time.Second), time.Minute) {
		t.Error("host should be online within threshold")
	}
	if got.Online(seen.Add(5*time.Minute), time.Minute) {
		t.Error("host should be offline past threshold")
	}
}

func TestDeleteHost(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	host := testHost()
	if err := store.CreateHost(ctx, host); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}
	if err := store.DeleteHost(ctx, host.ID); err != nil {
		t.Fatalf("DeleteHost failed: %v", err)
	}
	if _, err := store.GetHost(ctx, host.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after delete", err)
	}
	if err := store.DeleteHost(ctx, host.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestListHosts(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h := testHost()
		if err := store.CreateHost(ctx, h); err != nil {
			t.Fatalf("CreateHost failed: %v", err)
		}
	}

	hosts, err := store.ListHosts(ctx)
	if err != nil {
		t.Fatalf("ListHosts failed: %v", err)
	}
	if len(hosts) != 3 {
		t.Errorf("got %d hosts, want 3", len(hosts))
	}
}

func TestListDistributions_Seeded(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	distros, err := store.ListDistributions(context.Background())
	if err != nil {
		t.Fatalf("ListDistributions failed: %v", err)
	}
	if len(distros) == 0 {
		t.Fatal("expected seeded distributions")
	}
	types := map[string]bool{}
	for _, d := range distros {
		types[d.ChildType] = true
	}
	if !types["lxc"] || !types["kvm"] {
		t.Errorf("expected both lxc and kvm entries, got %v", types)
	}
}

// newTestStore creates a SQLite store in a temporary directory for testing.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

// testHost returns a minimal pending host with a unique id and FQDN.
func testHost() *Host {
	id := uuid.New().String()
	now := time.Now().UTC()
	return &Host{
		ID:             id,
		FQDN:           "host-" + id[:8] + ".example.net",
		Platform:       "linux",
		ApprovalStatus: ApprovalPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
