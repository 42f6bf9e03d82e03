package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/njoerd114/eventsync/internal/model"
)

const runColumns = `id, started_at, completed_at, status, events_created, events_updated, events_deleted,
	groups_changed, groups_total, groups_failed, error, group_id, failures`

// ErrRunFinalized is returned when a run that is no longer running is
// finalized again.
var ErrRunFinalized = errors.New("sync run already finalized")

// StartRun records the start of a pass. ID and StartedAt are assigned when
// empty and the status is forced to running.
func (s *Store) StartRun(ctx context.Context, run *model.SyncRun) error {
	if run.ID == "" {
		run.ID = newID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	run.Status = model.RunRunning
	const q = `INSERT INTO sync_runs (id, started_at, status, group_id) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, run.ID, formatTime(run.StartedAt), string(run.Status), run.GroupID); err != nil {
		return fmt.Errorf("starting sync run: %w", err)
	}
	return nil
}

// FinishRun finalizes a running pass. A run can be finalized once; later
// calls return ErrRunFinalized and leave the row untouched.
func (s *Store) FinishRun(ctx context.Context, run *model.SyncRun) error {
	if run.Status == model.RunRunning || run.Status == "" {
		return fmt.Errorf("finishing sync run %s: status %q is not final", run.ID, run.Status)
	}
	if run.CompletedAt.IsZero() {
		run.CompletedAt = s.now()
	}
	failures := run.Failures
	if failures == nil {
		failures = []model.GroupFailure{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("encoding run failures: %w", err)
	}

	const q = `
		UPDATE sync_runs SET
		    completed_at = ?, status = ?, events_created = ?, events_updated = ?, events_deleted = ?,
		    groups_changed = ?, groups_total = ?, groups_failed = ?, error = ?, failures = ?,
		    group_id = COALESCE(NULLIF(?, ''), group_id)
		WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q,
		formatTime(run.CompletedAt), string(run.Status), run.EventsCreated, run.EventsUpdated, run.EventsDeleted,
		run.GroupsChanged, run.GroupsTotal, run.GroupsFailed, run.Error, string(failuresJSON), run.GroupID,
		run.ID, string(model.RunRunning))
	if err != nil {
		return fmt.Errorf("finishing sync run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing sync run %s: %w", run.ID, ErrRunFinalized)
	}
	return nil
}

// GetRun returns one run, or (nil, nil).
func (s *Store) GetRun(ctx context.Context, id string) (*model.SyncRun, error) {
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id))
}

// RecentRuns returns the latest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM sync_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*model.SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestChangedRun returns the most recently completed successful run that
// created, updated or deleted at least one event or changed a group, or
// (nil, nil).
func (s *Store) LatestChangedRun(ctx context.Context) (*model.SyncRun, error) {
	const q = `
		SELECT ` + runColumns + `
		FROM sync_runs
		WHERE status = ? AND (events_created + events_updated + events_deleted + groups_changed) > 0
		ORDER BY completed_at DESC, id DESC
		LIMIT 1`
	return scanRun(s.db.QueryRowContext(ctx, q, string(model.RunSuccess)))
}

func scanRun(s scanner) (*model.SyncRun, error) {
	var (
		r                          model.SyncRun
		started, completed, status string
		failuresJSON               string
		runErr                     sql.NullString
	)
	err := s.Scan(&r.ID, &started, &completed, &status, &r.EventsCreated, &r.EventsUpdated, &r.EventsDeleted,
		&r.GroupsChanged, &r.GroupsTotal, &r.GroupsFailed, &runErr, &r.GroupID, &failuresJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync run row: %w", err)
	}
	r.Status = model.RunStatus(status)
	r.Error = runErr.String
	r.StartedAt, _ = parseTime(started)
	r.CompletedAt, _ = parseTime(completed)
	if failuresJSON != "" {
		if err := json.Unmarshal([]byte(failuresJSON), &r.Failures); err != nil {
			return nil, fmt.Errorf("run %s: decoding failures: %w", r.ID, err)
		}
	}
	return &r, nil
}
