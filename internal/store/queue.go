// ABOUTME: Durable message queue operations on the SQLite store
// ABOUTME: Conditional claims, lease re-delivery, expiry, and priority ordering

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `id, correlation_id, type, direction, priority, host_id,
	payload, status, attempts, created_at, scheduled_at, started_at,
	completed_at, expired_at`

// Enqueue persists a new queue message in pending state.
func (s *SQLiteStore) Enqueue(ctx context.Context, msg *QueueMessage) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return enqueueTx(ctx, tx, msg)
	})
}

// enqueueTx inserts a message inside an existing transaction so callers can
// co-commit the enqueue with their own state change.
func enqueueTx(ctx context.Context, tx *sql.Tx, msg *QueueMessage) error {
	if msg.Status == "" {
		msg.Status = StatusPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_queue (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.CorrelationID, msg.Type, string(msg.Direction),
		int(msg.Priority), msg.HostID, msg.Payload, string(msg.Status),
		msg.Attempts, formatTime(msg.CreatedAt), formatTimePtr(msg.ScheduledAt),
		formatTimePtr(msg.StartedAt), formatTimePtr(msg.CompletedAt),
		formatTimePtr(msg.ExpiredAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting queue message: %w", err)
	}
	return nil
}

// GetMessage retrieves a single message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*QueueMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM message_queue WHERE id = ?`, id)
	return scanMessage(row)
}

// GetMessageByCorrelationID retrieves the newest message with the given
// correlation id and direction. Consumers use it to detect a duplicate
// terminal report for an already-completed command.
func (s *SQLiteStore) GetMessageByCorrelationID(ctx context.Context, correlationID string, direction MessageDirection) (*QueueMessage, error) {
	if correlationID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM message_queue
		WHERE correlation_id = ? AND direction = ?
		ORDER BY created_at DESC LIMIT 1`,
		correlationID, string(direction))
	return scanMessage(row)
}

// ClaimNext atomically claims up to filter.Limit deliverable messages.
//
// A message is deliverable when it is pending, or in_progress with a claim
// older than the lease (a crashed delivery attempt). The claim itself is a
// conditional UPDATE keyed on the current status and started_at, so exactly
// one concurrent claimer wins each message. Higher priority first, FIFO
// within a priority. Messages scheduled in the future are skipped.
func (s *SQLiteStore) ClaimNext(ctx context.Context, filter ClaimFilter, lease time.Duration, now time.Time) ([]*QueueMessage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1
	}
	leaseCutoff := formatTime(now.Add(-lease))
	nowStr := formatTime(now)

	var claimed []*QueueMessage
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		hostCond := "host_id IS NULL"
		args := []any{string(filter.Direction), nowStr, leaseCutoff}
		switch {
		case filter.AnyHost:
			hostCond = "1=1"
		case filter.HostID != nil:
			hostCond = "host_id = ?"
			args = append([]any{*filter.HostID}, args...)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM message_queue
			WHERE `+hostCond+`
			  AND direction = ?
			  AND (scheduled_at IS NULL OR scheduled_at <= ?)
			  AND (status = 'pending'
			       OR (status = 'in_progress' AND started_at <= ?))
			ORDER BY priority DESC, created_at ASC
			LIMIT ?`,
			append(args, limit)...,
		)
		if err != nil {
			return fmt.Errorf("selecting claimable messages: %w", err)
		}

		var candidates []*QueueMessage
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, msg)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, msg := range candidates {
			// Conditional transition: only the claimer that observes the
			// candidate's exact prior state wins.
			res, err := tx.ExecContext(ctx, `
				UPDATE message_queue
				SET status = 'in_progress', started_at = ?, attempts = attempts + 1
				WHERE id = ? AND status = ?
				  AND (started_at IS NULL OR started_at = ?)`,
				nowStr, msg.ID, string(msg.Status), formatTimePtr(msg.StartedAt),
			)
			if err != nil {
				return fmt.Errorf("claiming message %s: %w", msg.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue // lost the race to another claimer
			}
			msg.Status = StatusInProgress
			started := now
			msg.StartedAt = &started
			msg.Attempts++
			claimed = append(claimed, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Acknowledge marks a claimed message completed. Acknowledging a message
// that is already terminal is a no-op, keeping redelivered acks idempotent.
func (s *SQLiteStore) Acknowledge(ctx context.Context, messageID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_queue SET status = 'completed', completed_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')`,
		formatTime(now), messageID,
	)
	if err != nil {
		return fmt.Errorf("acknowledging message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from already-terminal.
		if _, err := s.GetMessage(ctx, messageID); err != nil {
			return err
		}
		s.logger.Debug("acknowledge on terminal message ignored", "message_id", messageID)
	}
	return nil
}

// FailMessage marks a live message failed. Mirrors Acknowledge: terminal
// messages are left alone so a replayed outcome cannot flip the record.
func (s *SQLiteStore) FailMessage(ctx context.Context, messageID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_queue SET status = 'failed', completed_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')`,
		formatTime(now), messageID,
	)
	if err != nil {
		return fmt.Errorf("failing message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetMessage(ctx, messageID); err != nil {
			return err
		}
		s.logger.Debug("fail on terminal message ignored", "message_id", messageID)
	}
	return nil
}

// ReleaseClaim returns an in_progress message to pending without waiting for
// the lease, used when a delivery attempt fails fast (agent disconnected
// mid-send).
func (s *SQLiteStore) ReleaseClaim(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_queue SET status = 'pending', started_at = NULL
		WHERE id = ? AND status = 'in_progress'`,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("releasing claim: %w", err)
	}
	return requireRow(res)
}

// ExpireMessages moves over-budget messages to expired and returns how many
// were moved. A message expires when it has exceeded maxAge since creation
// or has consumed maxAttempts delivery claims without completing.
func (s *SQLiteStore) ExpireMessages(ctx context.Context, maxAge time.Duration, maxAttempts int, now time.Time) (int, error) {
	ageCutoff := formatTime(now.Add(-maxAge))
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_queue SET status = 'expired', expired_at = ?
		WHERE status IN ('pending', 'in_progress')
		  AND (created_at <= ? OR attempts >= ?)`,
		formatTime(now), ageCutoff, maxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("expiring messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired queue messages", "count", n)
	}
	return int(n), nil
}

// ListMessages returns messages for administrative inspection.
func (s *SQLiteStore) ListMessages(ctx context.Context, filter QueueListFilter) ([]*QueueMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM message_queue WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.HostID != "" {
		query += ` AND host_id = ?`
		args = append(args, filter.HostID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []*QueueMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// DeleteExpired removes expired messages. Expired is the only state eligible
// for deletion.
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_queue WHERE status = 'expired'`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired messages: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountMessagesByStatus reports queue depth per status.
func (s *SQLiteStore) CountMessagesByStatus(ctx context.Context) (map[MessageStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM message_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[MessageStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanMessage(row scanner) (*QueueMessage, error) {
	m := &QueueMessage{}
	var (
		direction, status                           string
		priority                                    int
		createdAt                                   string
		scheduledAt, startedAt, completedAt, expiredAt *string
	)

	err := row.Scan(&m.ID, &m.CorrelationID, &m.Type, &direction, &priority,
		&m.HostID, &m.Payload, &status, &m.Attempts, &createdAt,
		&scheduledAt, &startedAt, &completedAt, &expiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning queue message: %w", err)
	}

	m.Direction = MessageDirection(direction)
	m.Priority = Priority(priority)
	m.Status = MessageStatus(status)

	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.ScheduledAt, err = parseTimePtr(scheduledAt); err != nil {
		return nil, err
	}
	if m.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if m.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if m.ExpiredAt, err = parseTimePtr(expiredAt); err != nil {
		return nil, err
	}
	return m, nil
}
