package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueueRepairTask inserts a repair window into the queue. The composite
// (ticker, tf, window) key dedupes double-detections: enqueueing an existing
// window is a no-op. Returns whether a new task was created.
func (s *Store) EnqueueRepairTask(t RepairTask) (bool, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := nowRFC3339()
	res, err := s.db.Exec(`
		INSERT INTO candle_repair_queue
			(id, ticker, tf, window_start_ts, window_end_ts, status, attempts, expected_bars, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)
		ON CONFLICT (ticker, tf, window_start_ts, window_end_ts) DO NOTHING`,
		t.ID, t.Ticker, t.TF, t.WindowStartTS, t.WindowEndTS, t.ExpectedBars, nullable(t.Reason), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("enqueueing repair %s %s [%d,%d]: %w", t.Ticker, t.TF, t.WindowStartTS, t.WindowEndTS, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimRepairTasks atomically selects up to limit queued repair tasks,
// increments their attempt counts, and marks them running. Concurrent claims
// return disjoint sets.
func (s *Store) ClaimRepairTasks(limit int) ([]RepairTask, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, ticker, tf, window_start_ts, window_end_ts, attempts, expected_bars, created_at
		FROM candle_repair_queue
		WHERE status = 'queued'
		ORDER BY created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting queued repairs: %w", err)
	}

	var tasks []RepairTask
	for rows.Next() {
		var t RepairTask
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Ticker, &t.TF, &t.WindowStartTS, &t.WindowEndTS,
			&t.Attempts, &t.ExpectedBars, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		t.CreatedAt = parseTime(createdAt)
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := nowRFC3339()
	claimed := tasks[:0]
	for _, t := range tasks {
		ok, err := claimOne(tx, `
			UPDATE candle_repair_queue
			SET status = 'running', attempts = attempts + 1, claimed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'queued'`, now, now, t.ID)
		if err != nil {
			return nil, fmt.Errorf("claiming repair %s: %w", t.ID, err)
		}
		if !ok {
			continue
		}
		t.Status = RepairRunning
		t.Attempts++
		claimed = append(claimed, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// CompleteRepairTask marks a task done and clears its error. Partial repairs
// (fewer bars than expected) still complete; the shortfall lives in the audit
// record.
func (s *Store) CompleteRepairTask(id string) error {
	res, err := s.db.Exec(`
		UPDATE candle_repair_queue
		SET status = 'done', updated_at = ?, last_error = NULL, claimed_at = NULL
		WHERE id = ?`, nowRFC3339(), id)
	if err != nil {
		return fmt.Errorf("completing repair %s: %w", id, err)
	}
	return requireRow(res)
}

// FailRepairTask marks a task errored with a bounded message.
func (s *Store) FailRepairTask(id, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE candle_repair_queue
		SET status = 'error', updated_at = ?, last_error = ?, claimed_at = NULL
		WHERE id = ?`, nowRFC3339(), truncateErr(errMsg), id)
	if err != nil {
		return fmt.Errorf("failing repair %s: %w", id, err)
	}
	return requireRow(res)
}

// ReclaimStaleRepairs requeues running tasks whose claim is older than lease.
// Attempt counts are kept, so the next claim still reflects retries.
func (s *Store) ReclaimStaleRepairs(lease time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-lease).Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE candle_repair_queue SET status = 'queued', claimed_at = NULL, updated_at = ?
		WHERE status = 'running' AND claimed_at IS NOT NULL AND claimed_at < ?`,
		nowRFC3339(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale repairs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetRepairTask returns a repair task by id.
func (s *Store) GetRepairTask(id string) (RepairTask, error) {
	var t RepairTask
	var reason, lastErr sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, ticker, tf, window_start_ts, window_end_ts, status, attempts,
		       expected_bars, reason, last_error, created_at, updated_at
		FROM candle_repair_queue WHERE id = ?`, id,
	).Scan(&t.ID, &t.Ticker, &t.TF, &t.WindowStartTS, &t.WindowEndTS, &t.Status,
		&t.Attempts, &t.ExpectedBars, &reason, &lastErr, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return RepairTask{}, ErrNotFound
	}
	if err != nil {
		return RepairTask{}, err
	}
	t.Reason = reason.String
	t.LastError = lastErr.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

// InsertRepairAudit records what a repair actually recovered.
func (s *Store) InsertRepairAudit(a RepairAudit) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO repair_audit
			(id, task_id, ticker, tf, window_start_ts, window_end_ts, expected_bars, fetched_bars, missing_bars, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.Ticker, a.TF, a.WindowStartTS, a.WindowEndTS,
		a.ExpectedBars, a.FetchedBars, a.MissingBars, nowRFC3339())
	if err != nil {
		return fmt.Errorf("inserting repair audit for task %s: %w", a.TaskID, err)
	}
	return nil
}
