// ABOUTME: HostChild persistence operations on the SQLite store
// ABOUTME: Child rows co-commit with their provisioning commands in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const childColumns = `id, parent_host_id, child_host_id, child_name, child_type,
	distribution, version, instance_key, auto_approve_token, status,
	installation_step, error_message, created_at, updated_at, installed_at`

// CreateChildWithCommand inserts a child row and enqueues its provisioning
// command atomically. Partial commit would leave a row with no in-flight
// command and no way to retry.
func (s *SQLiteStore) CreateChildWithCommand(ctx context.Context, child *HostChild, cmd *QueueMessage) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertChildTx(ctx, tx, child); err != nil {
			return err
		}
		if cmd != nil {
			return enqueueTx(ctx, tx, cmd)
		}
		return nil
	})
}

func insertChildTx(ctx context.Context, tx *sql.Tx, child *HostChild) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO host_child (`+childColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		child.ID, child.ParentHostID, child.ChildHostID, child.ChildName,
		child.ChildType, child.Distribution, child.Version, child.InstanceKey,
		child.AutoApproveToken, string(child.Status), child.InstallationStep,
		child.ErrorMessage, formatTime(child.CreatedAt),
		formatTime(child.UpdatedAt), formatTimePtr(child.InstalledAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateChild
		}
		return fmt.Errorf("inserting child: %w", err)
	}
	return nil
}

// GetChild retrieves a child by id.
func (s *SQLiteStore) GetChild(ctx context.Context, id string) (*HostChild, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+childColumns+` FROM host_child WHERE id = ?`, id)
	return scanChild(row)
}

// GetChildByName retrieves a child by its unique (parent, name, type) identity.
func (s *SQLiteStore) GetChildByName(ctx context.Context, parentHostID, childName, childType string) (*HostChild, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+childColumns+` FROM host_child
		WHERE parent_host_id = ? AND child_name = ? AND child_type = ?`,
		parentHostID, childName, childType)
	return scanChild(row)
}

// ClaimChildByAutoApproveToken burns a single-use auto-approve token and
// returns the child row that held it. The burn is a conditional update, so
// when two registrations present the same token exactly one caller wins;
// the loser gets ErrNotFound.
func (s *SQLiteStore) ClaimChildByAutoApproveToken(ctx context.Context, token string) (*HostChild, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var child *HostChild
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+childColumns+` FROM host_child WHERE auto_approve_token = ?`, token)
		c, err := scanChild(row)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE host_child SET auto_approve_token = NULL, updated_at = ?
			WHERE id = ? AND auto_approve_token = ?`,
			formatTime(now), c.ID, token,
		)
		if err != nil {
			return fmt.Errorf("burning auto-approve token: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		c.AutoApproveToken = nil
		c.UpdatedAt = now
		child = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// ListChildren returns all children of a parent host.
func (s *SQLiteStore) ListChildren(ctx context.Context, parentHostID string) ([]*HostChild, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+childColumns+` FROM host_child
		WHERE parent_host_id = ? ORDER BY child_name`, parentHostID)
	if err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}
	defer rows.Close()

	var children []*HostChild
	for rows.Next() {
		child, err := scanChild(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, rows.Err()
}

// UpdateChild persists all mutable child fields. The caller is responsible
// for having validated the state transition.
func (s *SQLiteStore) UpdateChild(ctx context.Context, child *HostChild) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return updateChildTx(ctx, tx, child)
	})
}

// UpdateChildWithCommand persists a child update and enqueues a command
// atomically (e.g. moving to uninstalling together with the delete command).
func (s *SQLiteStore) UpdateChildWithCommand(ctx context.Context, child *HostChild, cmd *QueueMessage) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateChildTx(ctx, tx, child); err != nil {
			return err
		}
		if cmd != nil {
			return enqueueTx(ctx, tx, cmd)
		}
		return nil
	})
}

func updateChildTx(ctx context.Context, tx *sql.Tx, child *HostChild) error {
	child.UpdatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE host_child SET child_host_id = ?, distribution = ?, version = ?,
			instance_key = ?, auto_approve_token = ?, status = ?,
			installation_step = ?, error_message = ?, updated_at = ?,
			installed_at = ?
		WHERE id = ?`,
		child.ChildHostID, child.Distribution, child.Version,
		child.InstanceKey, child.AutoApproveToken, string(child.Status),
		child.InstallationStep, child.ErrorMessage,
		formatTime(child.UpdatedAt), formatTimePtr(child.InstalledAt),
		child.ID,
	)
	if err != nil {
		return fmt.Errorf("updating child: %w", err)
	}
	return requireRow(res)
}

// DeleteChild removes a child row.
func (s *SQLiteStore) DeleteChild(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM host_child WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting child: %w", err)
	}
	return requireRow(res)
}

func scanChild(row scanner) (*HostChild, error) {
	c := &HostChild{}
	var (
		status               string
		createdAt, updatedAt string
		installedAt          *string
	)

	err := row.Scan(&c.ID, &c.ParentHostID, &c.ChildHostID, &c.ChildName,
		&c.ChildType, &c.Distribution, &c.Version, &c.InstanceKey,
		&c.AutoApproveToken, &status, &c.InstallationStep, &c.ErrorMessage,
		&createdAt, &updatedAt, &installedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning child: %w", err)
	}

	c.Status = ChildStatus(status)
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if c.InstalledAt, err = parseTimePtr(installedAt); err != nil {
		return nil, err
	}
	return c, nil
}
