// ABOUTME: RebootOrchestration persistence operations on the SQLite store
// ABOUTME: Snapshot and restart-status JSON round-tripping with transactional command enqueue

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const orchestrationColumns = `id, parent_host_id, status, snapshot, restart_status,
	shutdown_timeout_seconds, initiated_by, initiated_at, shutdown_completed_at,
	reboot_issued_at, agent_reconnected_at, restart_completed_at, error_message`

// CreateOrchestrationWithCommands inserts an orchestration row and enqueues
// its per-child stop commands in one transaction.
func (s *SQLiteStore) CreateOrchestrationWithCommands(ctx context.Context, orch *RebootOrchestration, cmds []*QueueMessage) error {
	snapshot, err := json.Marshal(orch.Snapshot)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	restartStatus, err := json.Marshal(orch.RestartStatus)
	if err != nil {
		return fmt.Errorf("encoding restart status: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reboot_orchestration (`+orchestrationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			orch.ID, orch.ParentHostID, string(orch.Status), string(snapshot),
			string(restartStatus), orch.ShutdownTimeoutSecs, orch.InitiatedBy,
			formatTime(orch.InitiatedAt), formatTimePtr(orch.ShutdownCompletedAt),
			formatTimePtr(orch.RebootIssuedAt), formatTimePtr(orch.AgentReconnectedAt),
			formatTimePtr(orch.RestartCompletedAt), orch.ErrorMessage,
		)
		if err != nil {
			return fmt.Errorf("inserting orchestration: %w", err)
		}
		for _, cmd := range cmds {
			if err := enqueueTx(ctx, tx, cmd); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetOrchestration retrieves an orchestration by id.
func (s *SQLiteStore) GetOrchestration(ctx context.Context, id string) (*RebootOrchestration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orchestrationColumns+` FROM reboot_orchestration WHERE id = ?`, id)
	return scanOrchestration(row)
}

// GetActiveOrchestrationForHost returns the non-terminal orchestration for a
// parent host, if one exists. At most one is active per host at a time.
func (s *SQLiteStore) GetActiveOrchestrationForHost(ctx context.Context, parentHostID string) (*RebootOrchestration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orchestrationColumns+` FROM reboot_orchestration
		WHERE parent_host_id = ? AND status NOT IN ('completed', 'error')
		ORDER BY initiated_at DESC LIMIT 1`, parentHostID)
	return scanOrchestration(row)
}

// ListActiveOrchestrations returns all non-terminal orchestrations, for the
// timeout sweep.
func (s *SQLiteStore) ListActiveOrchestrations(ctx context.Context) ([]*RebootOrchestration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orchestrationColumns+` FROM reboot_orchestration
		WHERE status NOT IN ('completed', 'error')
		ORDER BY initiated_at`)
	if err != nil {
		return nil, fmt.Errorf("listing orchestrations: %w", err)
	}
	defer rows.Close()

	var orchs []*RebootOrchestration
	for rows.Next() {
		orch, err := scanOrchestration(rows)
		if err != nil {
			return nil, err
		}
		orchs = append(orchs, orch)
	}
	return orchs, rows.Err()
}

// UpdateOrchestration persists status, timestamps, restart bookkeeping, and
// error text. The snapshot column is deliberately not in the UPDATE: it is
// immutable after creation.
func (s *SQLiteStore) UpdateOrchestration(ctx context.Context, orch *RebootOrchestration) error {
	restartStatus, err := json.Marshal(orch.RestartStatus)
	if err != nil {
		return fmt.Errorf("encoding restart status: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE reboot_orchestration SET status = ?, restart_status = ?,
			shutdown_completed_at = ?, reboot_issued_at = ?,
			agent_reconnected_at = ?, restart_completed_at = ?, error_message = ?
		WHERE id = ?`,
		string(orch.Status), string(restartStatus),
		formatTimePtr(orch.ShutdownCompletedAt), formatTimePtr(orch.RebootIssuedAt),
		formatTimePtr(orch.AgentReconnectedAt), formatTimePtr(orch.RestartCompletedAt),
		orch.ErrorMessage, orch.ID,
	)
	if err != nil {
		return fmt.Errorf("updating orchestration: %w", err)
	}
	return requireRow(res)
}

func scanOrchestration(row scanner) (*RebootOrchestration, error) {
	o := &RebootOrchestration{}
	var (
		status, snapshot, restartStatus string
		initiatedAt                     string
		shutdownAt, issuedAt            *string
		reconnectedAt, restartedAt      *string
	)

	err := row.Scan(&o.ID, &o.ParentHostID, &status, &snapshot, &restartStatus,
		&o.ShutdownTimeoutSecs, &o.InitiatedBy, &initiatedAt, &shutdownAt,
		&issuedAt, &reconnectedAt, &restartedAt, &o.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning orchestration: %w", err)
	}

	o.Status = RebootStatus(status)
	if err := json.Unmarshal([]byte(snapshot), &o.Snapshot); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(restartStatus), &o.RestartStatus); err != nil {
		return nil, fmt.Errorf("decoding restart status: %w", err)
	}

	if o.InitiatedAt, err = parseTime(initiatedAt); err != nil {
		return nil, err
	}
	if o.ShutdownCompletedAt, err = parseTimePtr(shutdownAt); err != nil {
		return nil, err
	}
	if o.RebootIssuedAt, err = parseTimePtr(issuedAt); err != nil {
		return nil, err
	}
	if o.AgentReconnectedAt, err = parseTimePtr(reconnectedAt); err != nil {
		return nil, err
	}
	if o.RestartCompletedAt, err = parseTimePtr(restartedAt); err != nil {
		return nil, err
	}
	return o, nil
}
