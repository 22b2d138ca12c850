package store

import (
	"context"
	"fmt"
	"time"
)

// CreationFailure records a host creation that never produced a backend
// resource. Listings surface these as failed hosts until retention expires.
type CreationFailure struct {
	HostID    string
	Provider  string
	Name      string
	Error     string
	CreatedAt time.Time
}

// RecordCreationFailure inserts or replaces the failure record for a host.
func (s *Store) RecordCreationFailure(ctx context.Context, f CreationFailure) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO creation_failures (host_id, provider, name, error, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (host_id) DO UPDATE SET
			provider = excluded.provider,
			name = excluded.name,
			error = excluded.error,
			created_at = excluded.created_at
	`, f.HostID, f.Provider, f.Name, f.Error, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("record creation failure: %w", err)
	}
	return nil
}

// CreationFailures returns the retained failures for provider, newest first.
func (s *Store) CreationFailures(ctx context.Context, provider string) ([]CreationFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT host_id, provider, name, error, created_at
		FROM creation_failures
		WHERE provider = ?
		ORDER BY created_at DESC
	`, provider)
	if err != nil {
		return nil, fmt.Errorf("query creation failures: %w", err)
	}
	defer rows.Close()

	var failures []CreationFailure
	for rows.Next() {
		var f CreationFailure
		if err := rows.Scan(&f.HostID, &f.Provider, &f.Name, &f.Error, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan creation failure: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// DeleteCreationFailure removes one record, typically after a successful
// retry or an explicit destroy of the failed host.
func (s *Store) DeleteCreationFailure(ctx context.Context, hostID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM creation_failures WHERE host_id = ?`, hostID); err != nil {
		return fmt.Errorf("delete creation failure: %w", err)
	}
	return nil
}

// PruneCreationFailures enforces bounded retention.
func (s *Store) PruneCreationFailures(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM creation_failures WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune creation failures: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
