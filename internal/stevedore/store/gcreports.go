package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GCReport summarizes one completed GC sweep.
type GCReport struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	Scope      string
	Reclaimed  int
	Failed     int
	// Details holds per-item outcomes, stored as JSON.
	Details []GCReportItem
}

// GCReportItem is the outcome for one reclaim candidate.
type GCReportItem struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// SaveGCReport persists a sweep report and returns its assigned ID.
func (s *Store) SaveGCReport(ctx context.Context, r GCReport) (int64, error) {
	details, err := json.Marshal(r.Details)
	if err != nil {
		return 0, fmt.Errorf("marshal gc report details: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO gc_reports (started_at, finished_at, scope, reclaimed, failed, details_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.StartedAt, r.FinishedAt, r.Scope, r.Reclaimed, r.Failed, string(details))
	if err != nil {
		return 0, fmt.Errorf("save gc report: %w", err)
	}
	return res.LastInsertId()
}

// LatestGCReport returns the most recent report, or ok=false when no sweep
// has run yet.
func (s *Store) LatestGCReport(ctx context.Context) (GCReport, bool, error) {
	var r GCReport
	var details string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, scope, reclaimed, failed, details_json
		FROM gc_reports
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Scope, &r.Reclaimed, &r.Failed, &details)
	if err == sql.ErrNoRows {
		return GCReport{}, false, nil
	}
	if err != nil {
		return GCReport{}, false, fmt.Errorf("read latest gc report: %w", err)
	}
	if err := json.Unmarshal([]byte(details), &r.Details); err != nil {
		return GCReport{}, false, fmt.Errorf("decode gc report details: %w", err)
	}
	return r, true, nil
}
