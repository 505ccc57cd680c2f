// ABOUTME: Host persistence operations on the SQLite store
// ABOUTME: CRUD plus token and FQDN lookup used by the dispatch protocol

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const hostColumns = `id, fqdn, addresses, platform, host_token, approval_status,
	privileged, scripts_enabled, shells, parent_host_id, cert_serial,
	last_seen, created_at, updated_at`

// CreateHost persists a new host record.
func (s *SQLiteStore) CreateHost(ctx context.Context, host *Host) error {
	addresses, err := json.Marshal(host.Addresses)
	if err != nil {
		return fmt.Errorf("encoding addresses: %w", err)
	}
	shells, err := json.Marshal(host.Shells)
	if err != nil {
		return fmt.Errorf("encoding shells: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO host (`+hostColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		host.ID, host.FQDN, string(addresses), host.Platform, host.HostToken,
		string(host.ApprovalStatus), boolToInt(host.Privileged),
		boolToInt(host.ScriptsEnabled), string(shells), host.ParentHostID,
		host.CertSerial, formatTimePtr(host.LastSeen),
		formatTime(host.CreatedAt), formatTime(host.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting host: %w", err)
	}

	s.logger.Debug("created host", "host_id", host.ID, "fqdn", host.FQDN)
	return nil
}

// GetHost retrieves a host by id.
func (s *SQLiteStore) GetHost(ctx context.Context, id string) (*Host, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM host WHERE id = ?`, id)
	return scanHost(row)
}

// GetHostByToken retrieves a host by its bearer token. Empty tokens never
// match; unapproved hosts have no token.
func (s *SQLiteStore) GetHostByToken(ctx context.Context, token string) (*Host, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM host WHERE host_token = ?`, token)
	return scanHost(row)
}

// GetHostByFQDN retrieves a host by its fully-qualified name.
func (s *SQLiteStore) GetHostByFQDN(ctx context.Context, fqdn string) (*Host, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM host WHERE fqdn = ?`, fqdn)
	return scanHost(row)
}

// UpdateHost persists all mutable host fields.
func (s *SQLiteStore) UpdateHost(ctx context.Context, host *Host) error {
	addresses, err := json.Marshal(host.Addresses)
	if err != nil {
		return fmt.Errorf("encoding addresses: %w", err)
	}
	shells, err := json.Marshal(host.Shells)
	if err != nil {
		return fmt.Errorf("encoding shells: %w", err)
	}

	host.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE host SET fqdn = ?, addresses = ?, platform = ?, host_token = ?,
			approval_status = ?, privileged = ?, scripts_enabled = ?, shells = ?,
			parent_host_id = ?, cert_serial = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`,
		host.FQDN, string(addresses), host.Platform, host.HostToken,
		string(host.ApprovalStatus), boolToInt(host.Privileged),
		boolToInt(host.ScriptsEnabled), string(shells), host.ParentHostID,
		host.CertSerial, formatTimePtr(host.LastSeen), formatTime(host.UpdatedAt),
		host.ID,
	)
	if err != nil {
		return fmt.Errorf("updating host: %w", err)
	}
	return requireRow(res)
}

// TouchHost updates only the liveness timestamp in a single statement.
func (s *SQLiteStore) TouchHost(ctx context.Context, id string, seen time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE host SET last_seen = ? WHERE id = ?`, formatTime(seen), id)
	if err != nil {
		return fmt.Errorf("touching host: %w", err)
	}
	return requireRow(res)
}

// ListHosts returns all host records ordered by FQDN.
func (s *SQLiteStore) ListHosts(ctx context.Context) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM host ORDER BY fqdn`)
	if err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		host, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}
	return hosts, rows.Err()
}

// DeleteHost removes a host. Queue messages and child rows cascade.
func (s *SQLiteStore) DeleteHost(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM host WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting host: %w", err)
	}
	return requireRow(res)
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanHost(row scanner) (*Host, error) {
	h := &Host{}
	var (
		addresses, shells          string
		approval                   string
		privileged, scriptsEnabled int
		lastSeen                   *string
		createdAt, updatedAt       string
	)

	err := row.Scan(&h.ID, &h.FQDN, &addresses, &h.Platform, &h.HostToken,
		&approval, &privileged, &scriptsEnabled, &shells, &h.ParentHostID,
		&h.CertSerial, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning host: %w", err)
	}

	if err := json.Unmarshal([]byte(addresses), &h.Addresses); err != nil {
		return nil, fmt.Errorf("decoding addresses: %w", err)
	}
	if err := json.Unmarshal([]byte(shells), &h.Shells); err != nil {
		return nil, fmt.Errorf("decoding shells: %w", err)
	}

	h.ApprovalStatus = ApprovalStatus(approval)
	h.Privileged = privileged != 0
	h.ScriptsEnabled = scriptsEnabled != 0

	if h.LastSeen, err = parseTimePtr(lastSeen); err != nil {
		return nil, err
	}
	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if h.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return h, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
