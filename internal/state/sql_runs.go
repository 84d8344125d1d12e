package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ETAnderson/catalogsync/internal/domain"
)

var runColumns = []string{
	"run_id", "site", "trigger_source", "status", "dry_run", "modified_after", "cancel_requested",
	"current_count", "total_count", "inserted", "updated", "deleted", "backfilled", "unchanged", "skipped", "failed",
	"message", "created_at", "started_at", "finished_at", "heartbeat_at",
}

var runCols = strings.Join(runColumns, ", ")

const abandonedMessage = "abandoned: worker stopped sending heartbeats"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (RunRecord, error) {
	var r RunRecord
	var site, status string
	var modifiedAfter, startedAt, finishedAt, heartbeatAt sql.NullTime
	err := sc.Scan(
		&r.RunID, &site, &r.Trigger, &status, &r.DryRun, &modifiedAfter, &r.CancelRequested,
		&r.Current, &r.Total, &r.Inserted, &r.Updated, &r.Deleted, &r.Backfilled, &r.Unchanged, &r.Skipped, &r.Failed,
		&r.Message, &r.CreatedAt, &startedAt, &finishedAt, &heartbeatAt,
	)
	if err != nil {
		return r, err
	}
	r.Site = domain.Site(site)
	r.Status = domain.RunStatus(status)
	r.ModifiedAfter = modifiedAfter.Time
	r.StartedAt = startedAt.Time
	r.FinishedAt = finishedAt.Time
	r.HeartbeatAt = heartbeatAt.Time
	return r, nil
}

func (s *SQLStore) InsertRun(ctx context.Context, run RunRecord) error {
	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.Status == domain.RunStatusProcessing {
		run.HeartbeatAt = now
	}
	// The active-site unique index turns a second queued/processing run for
	// the site into a skipped insert.
	res, err := s.db.ExecContext(ctx, s.q(s.d.InsertIgnore("diff_runs", runColumns)),
		run.RunID, string(run.Site), run.Trigger, string(run.Status), run.DryRun, nullTime(run.ModifiedAfter), run.CancelRequested,
		run.Current, run.Total, run.Inserted, run.Updated, run.Deleted, run.Backfilled, run.Unchanged, run.Skipped, run.Failed,
		run.Message, run.CreatedAt, nullTime(run.StartedAt), nullTime(run.FinishedAt), nullTime(run.HeartbeatAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	_, exists, err := s.GetRun(ctx, run.RunID)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateRun
	}
	return ErrRunActive
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, s.q(`SELECT `+runCols+` FROM diff_runs WHERE run_id = ?`), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+runCols+` FROM diff_runs ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) ClaimRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, s.d.claimTx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.q(`
SELECT `+runCols+`
FROM diff_runs
WHERE status = 'queued'
ORDER BY created_at ASC
LIMIT ?`+s.d.forUpdateSkipLocked), limit)
	if err != nil {
		return nil, err
	}

	var claims []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claims = append(claims, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := s.now()
	for i := range claims {
		if _, err := tx.ExecContext(ctx, s.q(`
UPDATE diff_runs
SET status = 'processing', started_at = ?, heartbeat_at = ?
WHERE run_id = ? AND status = 'queued'
`), now, now, claims[i].RunID); err != nil {
			return nil, err
		}
		claims[i].Status = domain.RunStatusProcessing
		claims[i].StartedAt = now
		claims[i].HeartbeatAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *SQLStore) UpdateRun(ctx context.Context, run RunRecord) error {
	var beat sql.NullTime
	if run.Status == domain.RunStatusProcessing {
		beat = nullTime(s.now())
	}
	_, err := s.db.ExecContext(ctx, s.q(`
UPDATE diff_runs
SET status = ?, current_count = ?, total_count = ?, inserted = ?, updated = ?, deleted = ?,
    backfilled = ?, unchanged = ?, skipped = ?, failed = ?, message = ?, started_at = ?, finished_at = ?,
    heartbeat_at = COALESCE(?, heartbeat_at)
WHERE run_id = ?
`),
		string(run.Status), run.Current, run.Total, run.Inserted, run.Updated, run.Deleted,
		run.Backfilled, run.Unchanged, run.Skipped, run.Failed, run.Message,
		nullTime(run.StartedAt), nullTime(run.FinishedAt), beat, run.RunID,
	)
	return err
}

func (s *SQLStore) TouchRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
UPDATE diff_runs SET heartbeat_at = ? WHERE run_id = ? AND status = 'processing'
`), s.now(), runID)
	return err
}

func (s *SQLStore) ReapRuns(ctx context.Context, staleBefore time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, s.d.claimTx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.q(`
SELECT run_id
FROM diff_runs
WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at, created_at) < ?`+s.d.forUpdateSkipLocked), staleBefore)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := s.now()
	reaped := ids[:0]
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, s.q(`
UPDATE diff_runs
SET status = 'failed', message = ?, finished_at = ?
WHERE run_id = ? AND status = 'processing' AND COALESCE(heartbeat_at, started_at, created_at) < ?
`), abandonedMessage, now, id, staleBefore)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			reaped = append(reaped, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reaped, nil
}

func (s *SQLStore) RequestRunCancel(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE diff_runs
SET status = 'cancelled', cancel_requested = ?, finished_at = ?
WHERE run_id = ? AND status = 'queued'
`), true, s.now(), runID)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return n > 0, err
	}

	res, err = s.db.ExecContext(ctx, s.q(`
UPDATE diff_runs
SET cancel_requested = ?
WHERE run_id = ? AND status = 'processing'
`), true, runID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLStore) RunCancelRequested(ctx context.Context, runID string) (bool, error) {
	var v bool
	err := s.db.QueryRowContext(ctx, s.q(`SELECT cancel_requested FROM diff_runs WHERE run_id = ?`), runID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return v, err
}

func (s *SQLStore) InsertRunItems(ctx context.Context, runID string, items []RunItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.q(s.d.InsertIgnore("diff_run_items", []string{
		"run_id", "site_id", "action", "canonical_key", "status", "changed_fields", "message", "created_at",
	})))
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := s.now()
	for _, it := range items {
		changes, err := json.Marshal(it.Changes)
		if err != nil {
			return err
		}
		created := it.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, runID, it.SiteID, string(it.Action), it.CanonicalKey, it.Status, string(changes), it.Message, created); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ListRunItems(ctx context.Context, runID string, limit int) ([]RunItem, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT run_id, site_id, action, canonical_key, status, changed_fields, message, created_at
FROM diff_run_items
WHERE run_id = ?
ORDER BY site_id ASC, action ASC
LIMIT ?
`), runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunItem
	for rows.Next() {
		var it RunItem
		var action, changes string
		if err := rows.Scan(&it.RunID, &it.SiteID, &action, &it.CanonicalKey, &it.Status, &changes, &it.Message, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Action = domain.DiffAction(action)
		if changes != "" && changes != "null" {
			if err := json.Unmarshal([]byte(changes), &it.Changes); err != nil {
				return nil, err
			}
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertRunSiteResult(ctx context.Context, res RunSiteResult) error {
	if res.CreatedAt.IsZero() {
		res.CreatedAt = s.now()
	}
	cols := []string{"run_id", "site", "ok_count", "err_count", "created_at"}
	_, err := s.db.ExecContext(ctx, s.q(s.d.Upsert("diff_run_sites", cols, cols[:2], cols[2:4])),
		res.RunID, string(res.Site), res.OkCount, res.ErrCount, res.CreatedAt,
	)
	return err
}

func (s *SQLStore) ListRunSiteResults(ctx context.Context, runID string) ([]RunSiteResult, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT run_id, site, ok_count, err_count, created_at
FROM diff_run_sites
WHERE run_id = ?
ORDER BY site ASC
`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSiteResult
	for rows.Next() {
		var r RunSiteResult
		var site string
		if err := rows.Scan(&r.RunID, &site, &r.OkCount, &r.ErrCount, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Site = domain.Site(site)
		out = append(out, r)
	}
	return out, rows.Err()
}
