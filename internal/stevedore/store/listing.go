package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CachedHost is one row of a provider's cached listing.
type CachedHost struct {
	HostID      string
	Name        string
	State       string
	Image       string
	Addr        string
	BootTime    time.Time
	Tags        map[string]string
	FirstSeen   time.Time
	LastSeen    time.Time
	DestroyedAt sql.NullTime
}

// Refresh describes the last successful listing for a provider.
type Refresh struct {
	Fingerprint string
	RefreshedAt time.Time
}

// LastRefresh returns the refresh row for provider, or ok=false if the
// provider has never been successfully listed.
func (s *Store) LastRefresh(ctx context.Context, provider string) (Refresh, bool, error) {
	var r Refresh
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, refreshed_at FROM listing_refresh WHERE provider = ?`,
		provider).Scan(&r.Fingerprint, &r.RefreshedAt)
	if err == sql.ErrNoRows {
		return Refresh{}, false, nil
	}
	if err != nil {
		return Refresh{}, false, fmt.Errorf("read listing refresh: %w", err)
	}
	return r, true, nil
}

// CachedHosts returns all cached rows for provider, destroyed ghosts
// included.
func (s *Store) CachedHosts(ctx context.Context, provider string) ([]CachedHost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT host_id, name, state, image, addr, boot_time, tags_json,
		       first_seen, last_seen, destroyed_at
		FROM listing_hosts
		WHERE provider = ?
		ORDER BY host_id
	`, provider)
	if err != nil {
		return nil, fmt.Errorf("query cached hosts: %w", err)
	}
	defer rows.Close()

	var hosts []CachedHost
	for rows.Next() {
		var h CachedHost
		var bootTime sql.NullTime
		var tagsJSON string
		if err := rows.Scan(&h.HostID, &h.Name, &h.State, &h.Image, &h.Addr, &bootTime,
			&tagsJSON, &h.FirstSeen, &h.LastSeen, &h.DestroyedAt); err != nil {
			return nil, fmt.Errorf("scan cached host: %w", err)
		}
		if bootTime.Valid {
			h.BootTime = bootTime.Time
		}
		if err := json.Unmarshal([]byte(tagsJSON), &h.Tags); err != nil {
			h.Tags = nil // tolerate corrupt tag blobs, the listing still works
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// SaveListing records a fresh, successful listing for provider in one
// transaction.
//
// When the stored fingerprint matches, cached hosts absent from the fresh
// listing are reclassified as destroyed (kept, not dropped, so consumers can
// show them until TTL pruning). When the fingerprint changed, the previous
// rows describe an unrelated view: they are removed without any destroyed
// inference.
func (s *Store) SaveListing(ctx context.Context, provider, fingerprint string, now time.Time, hosts []CachedHost) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save listing: %w", err)
	}
	defer tx.Rollback()

	var prevFingerprint string
	sameConfig := false
	err = tx.QueryRowContext(ctx,
		`SELECT fingerprint FROM listing_refresh WHERE provider = ?`, provider).
		Scan(&prevFingerprint)
	switch {
	case err == sql.ErrNoRows:
		// First listing for this provider: nothing to infer from.
	case err != nil:
		return fmt.Errorf("read previous fingerprint: %w", err)
	default:
		sameConfig = prevFingerprint == fingerprint
	}

	freshIDs := make([]string, 0, len(hosts))
	for _, h := range hosts {
		freshIDs = append(freshIDs, h.HostID)
	}

	if sameConfig {
		query := `UPDATE listing_hosts
			SET state = 'destroyed', destroyed_at = ?
			WHERE provider = ? AND destroyed_at IS NULL` + notInClause("host_id", len(freshIDs))
		args := []any{now, provider}
		for _, id := range freshIDs {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("mark destroyed hosts: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM listing_hosts WHERE provider = ?`, provider); err != nil {
			return fmt.Errorf("drop previous view: %w", err)
		}
	}

	for _, h := range hosts {
		tagsJSON, err := json.Marshal(h.Tags)
		if err != nil {
			tagsJSON = []byte("{}")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO listing_hosts
				(provider, host_id, name, state, image, addr, boot_time, tags_json, first_seen, last_seen, destroyed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT (provider, host_id) DO UPDATE SET
				name = excluded.name,
				state = excluded.state,
				image = excluded.image,
				addr = excluded.addr,
				boot_time = excluded.boot_time,
				tags_json = excluded.tags_json,
				last_seen = excluded.last_seen,
				destroyed_at = NULL
		`, provider, h.HostID, h.Name, h.State, h.Image, h.Addr, nullTime(h.BootTime),
			string(tagsJSON), now, now); err != nil {
			return fmt.Errorf("upsert cached host %s: %w", h.HostID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO listing_refresh (provider, fingerprint, refreshed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (provider) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			refreshed_at = excluded.refreshed_at
	`, provider, fingerprint, now); err != nil {
		return fmt.Errorf("update listing refresh: %w", err)
	}

	return tx.Commit()
}

// PruneListings drops cache rows untouched since cutoff. Destroyed ghosts
// age out here: their last_seen never advances after the destroy inference.
func (s *Store) PruneListings(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM listing_hosts WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune listings: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteCachedHost removes a single cache row, e.g. when GC reclaims a
// destroyed ghost ahead of TTL expiry.
func (s *Store) DeleteCachedHost(ctx context.Context, provider, hostID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM listing_hosts WHERE provider = ? AND host_id = ?`,
		provider, hostID); err != nil {
		return fmt.Errorf("delete cached host: %w", err)
	}
	return nil
}

// notInClause renders " AND col NOT IN (?, ...)" for n placeholders; empty
// when n is zero (everything cached is absent from the fresh listing).
func notInClause(col string, n int) string {
	if n == 0 {
		return ""
	}
	return " AND " + col + " NOT IN (?" + strings.Repeat(", ?", n-1) + ")"
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
