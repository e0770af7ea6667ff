package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

const targetColumns = `id, user_id, name, url, domain, status, scraper_hint, consecutive_failures, last_checked_at, created_at`

// ErrTargetLimit is returned by CreateTargetWithinLimit when the user is at the cap.
var ErrTargetLimit = errors.New("target limit reached")

// CreateTarget inserts t, filling in ID, Status and CreatedAt when unset.
func (d *DB) CreateTarget(ctx context.Context, t monitor.Target) (monitor.Target, error) {
	return d.CreateTargetWithinLimit(ctx, t, -1)
}

// CreateTargetWithinLimit inserts t only while the user has fewer than limit
// active targets. The count and the insert are one statement, so concurrent
// callers cannot overshoot. A negative limit means unlimited.
func (d *DB) CreateTargetWithinLimit(ctx context.Context, t monitor.Target, limit int) (monitor.Target, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = monitor.StatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	res, err := d.sql.ExecContext(ctx, `INSERT INTO targets(`+targetColumns+`)
		SELECT ?,?,?,?,?,?,?,?,?,?
		WHERE ? < 0 OR (SELECT COUNT(*) FROM targets WHERE user_id = ? AND status != 'paused') < ?`,
		t.ID, t.UserID, t.Name, t.URL, t.Domain, string(t.Status), nullIfEmpty(string(t.ScraperHint)),
		t.ConsecutiveFailures, nil, formatTime(t.CreatedAt),
		limit, t.UserID, limit)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return monitor.Target{}, fmt.Errorf("target %s is already monitored", t.URL)
		}
		return monitor.Target{}, fmt.Errorf("insert target: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return monitor.Target{}, fmt.Errorf("insert target: %w", err)
	}
	if n == 0 {
		return monitor.Target{}, ErrTargetLimit
	}
	return t, nil
}

func (d *DB) GetTarget(ctx context.Context, id string) (monitor.Target, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Target{}, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTargets returns the targets of a user, or of every user when userID is empty.
func (d *DB) ListTargets(ctx context.Context, userID string) ([]monitor.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets`
	var args []interface{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monitor.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListActiveTargetsWithPlan returns active targets joined with the owner's plan.
func (d *DB) ListActiveTargetsWithPlan(ctx context.Context) ([]monitor.TargetWithPlan, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT t.id, t.user_id, t.name, t.url, t.domain, t.status, t.scraper_hint,
		       t.consecutive_failures, t.last_checked_at, t.created_at, u.plan_id
		FROM targets t JOIN users u ON u.id = t.user_id
		WHERE t.status = 'active'
		ORDER BY t.created_at, t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monitor.TargetWithPlan
	for rows.Next() {
		var (
			tp      monitor.TargetWithPlan
			status  string
			hint    sql.NullString
			checked sql.NullString
			created string
		)
		if err := rows.Scan(&tp.ID, &tp.UserID, &tp.Name, &tp.URL, &tp.Domain, &status, &hint,
			&tp.ConsecutiveFailures, &checked, &created, &tp.PlanID); err != nil {
			return nil, err
		}
		tp.Status = monitor.TargetStatus(status)
		tp.ScraperHint = monitor.Method(hint.String)
		tp.LastCheckedAt = parseNullTime(checked)
		tp.CreatedAt = parseTime(created)
		out = append(out, tp)
	}
	return out, rows.Err()
}

// CountActiveTargets counts a user's targets that are not paused.
func (d *DB) CountActiveTargets(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE user_id = ? AND status != 'paused'`, userID).Scan(&n)
	return n, err
}

func (d *DB) CountTargetsCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE user_id = ? AND created_at >= ?`,
		userID, formatTime(since)).Scan(&n)
	return n, err
}

func (d *DB) SetTargetStatus(ctx context.Context, id string, status monitor.TargetStatus) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE targets SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return expectOne(res, "target "+id)
}

// MarkTargetChecked records a successful check: it sets last_checked_at,
// clears the failure counter, reactivates an errored target and stores the
// scraper hint when one is given.
func (d *DB) MarkTargetChecked(ctx context.Context, id string, at time.Time, hint monitor.Method) error {
	return markTargetChecked(ctx, d.sql, id, at, hint)
}

func markTargetChecked(ctx context.Context, q execer, id string, at time.Time, hint monitor.Method) error {
	res, err := q.ExecContext(ctx, `
		UPDATE targets SET
		  last_checked_at = ?,
		  consecutive_failures = 0,
		  scraper_hint = COALESCE(?, scraper_hint),
		  status = CASE WHEN status = 'error' THEN 'active' ELSE status END
		WHERE id = ?`, formatTime(at), nullIfEmpty(string(hint)), id)
	if err != nil {
		return err
	}
	return expectOne(res, "target "+id)
}

// RecordTargetFailure increments the failure counter and moves an active
// target to error once the counter reaches threshold.
func (d *DB) RecordTargetFailure(ctx context.Context, id string, threshold int) (int, monitor.TargetStatus, error) {
	var (
		failures int
		status   string
	)
	err := d.sql.QueryRowContext(ctx, `
		UPDATE targets SET
		  consecutive_failures = consecutive_failures + 1,
		  status = CASE WHEN status = 'active' AND consecutive_failures + 1 >= ? THEN 'error' ELSE status END
		WHERE id = ?
		RETURNING consecutive_failures, status`, threshold, id).Scan(&failures, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, "", err
	}
	return failures, monitor.TargetStatus(status), nil
}

func scanTarget(s scanner) (monitor.Target, error) {
	var (
		t       monitor.Target
		status  string
		hint    sql.NullString
		checked sql.NullString
		created string
	)
	if err := s.Scan(&t.ID, &t.UserID, &t.Name, &t.URL, &t.Domain, &status, &hint,
		&t.ConsecutiveFailures, &checked, &created); err != nil {
		return monitor.Target{}, err
	}
	t.Status = monitor.TargetStatus(status)
	t.ScraperHint = monitor.Method(hint.String)
	t.LastCheckedAt = parseNullTime(checked)
	t.CreatedAt = parseTime(created)
	return t, nil
}
