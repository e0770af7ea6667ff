package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

func (d *DB) InsertAlert(ctx context.Context, a monitor.Alert) error {
	return insertAlert(ctx, d.sql, a)
}

func insertAlert(ctx context.Context, q execer, a monitor.Alert) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO alerts(id, user_id, target_id, context_id, signal, severity, title, description, metadata, read, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.UserID, a.TargetID, a.ContextID, string(a.Signal), string(a.Severity), a.Title, a.Description,
		string(meta), boolInt(a.Read), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// AlertFilter narrows ListAlerts. Zero values match everything.
type AlertFilter struct {
	UserID     string
	TargetID   string
	UnreadOnly bool
	Limit      int
}

// ListAlerts returns alerts newest first.
func (d *DB) ListAlerts(ctx context.Context, f AlertFilter) ([]monitor.Alert, error) {
	query := `SELECT id, user_id, target_id, context_id, signal, severity, title, description, metadata, read, created_at FROM alerts WHERE 1=1`
	var args []interface{}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, f.TargetID)
	}
	if f.UnreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monitor.Alert
	for rows.Next() {
		var (
			a                       monitor.Alert
			sig, sev, meta, created string
			read                    int
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.TargetID, &a.ContextID, &sig, &sev, &a.Title, &a.Description,
			&meta, &read, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode alert %s: %w", a.ID, err)
		}
		a.Signal = monitor.SignalType(sig)
		a.Severity = monitor.Severity(sev)
		a.Read = read == 1
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *DB) MarkAlertRead(ctx context.Context, id string) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE alerts SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, "alert "+id)
}
