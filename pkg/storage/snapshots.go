package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// InsertSnapshot appends a snapshot. Snapshots are never updated.
func (d *DB) InsertSnapshot(ctx context.Context, s monitor.Snapshot) (monitor.Snapshot, error) {
	return insertSnapshot(ctx, d.sql, s)
}

func insertSnapshot(ctx context.Context, q execer, s monitor.Snapshot) (monitor.Snapshot, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now().UTC()
	}
	if len(s.Payload) == 0 {
		s.Payload = json.RawMessage("null")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO snapshots(id, target_id, context_id, signal, method, content_hash, payload, evidence_path, captured_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TargetID, s.ContextID, string(s.Signal), string(s.Method), s.ContentHash,
		string(s.Payload), nullIfEmpty(s.EvidencePath), formatTime(s.CapturedAt))
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("insert %s snapshot: %w", s.Signal, err)
	}
	return s, nil
}

// LatestSnapshot returns the most recent snapshot of a signal for a pair.
func (d *DB) LatestSnapshot(ctx context.Context, targetID, contextID string, signal monitor.SignalType) (monitor.Snapshot, error) {
	row := d.sql.QueryRowContext(ctx, `
		SELECT id, target_id, context_id, signal, method, content_hash, payload, evidence_path, captured_at
		FROM snapshots
		WHERE target_id = ? AND context_id = ? AND signal = ?
		ORDER BY captured_at DESC, rowid DESC
		LIMIT 1`, targetID, contextID, string(signal))

	var (
		s                monitor.Snapshot
		sig, method, raw string
		evidence         sql.NullString
		captured         string
	)
	err := row.Scan(&s.ID, &s.TargetID, &s.ContextID, &sig, &method, &s.ContentHash, &raw, &evidence, &captured)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return monitor.Snapshot{}, err
	}
	s.Signal = monitor.SignalType(sig)
	s.Method = monitor.Method(method)
	s.Payload = json.RawMessage(raw)
	s.EvidencePath = evidence.String
	s.CapturedAt = parseTime(captured)
	return s, nil
}

// SnapshotHashesSince returns content hashes per signal for a pair, oldest first.
func (d *DB) SnapshotHashesSince(ctx context.Context, targetID, contextID string, since time.Time) (map[monitor.SignalType][]string, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT signal, content_hash FROM snapshots
		WHERE target_id = ? AND context_id = ? AND captured_at >= ?
		ORDER BY captured_at, rowid`, targetID, contextID, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[monitor.SignalType][]string)
	for rows.Next() {
		var sig, hash string
		if err := rows.Scan(&sig, &hash); err != nil {
			return nil, err
		}
		out[monitor.SignalType(sig)] = append(out[monitor.SignalType(sig)], hash)
	}
	return out, rows.Err()
}

// InsertDiff persists a non-empty diff result.
func (d *DB) InsertDiff(ctx context.Context, sd monitor.StoredDiff) (monitor.StoredDiff, error) {
	return insertDiff(ctx, d.sql, sd)
}

func insertDiff(ctx context.Context, q execer, sd monitor.StoredDiff) (monitor.StoredDiff, error) {
	if !sd.Result.HasChanges() {
		return monitor.StoredDiff{}, errors.New("refusing to store an empty diff")
	}
	if sd.ID == "" {
		sd.ID = uuid.NewString()
	}
	if sd.CreatedAt.IsZero() {
		sd.CreatedAt = time.Now().UTC()
	}
	changes, err := json.Marshal(sd.Result.Changes)
	if err != nil {
		return monitor.StoredDiff{}, err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO diffs(id, target_id, context_id, signal, from_snapshot_id, to_snapshot_id, severity, summary, classification, changes, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		sd.ID, sd.TargetID, sd.ContextID, string(sd.Result.Signal), nullIfEmpty(sd.FromSnapshotID), sd.ToSnapshotID,
		string(sd.Result.Severity), sd.Result.Summary, nullIfEmpty(sd.Result.Classification), string(changes),
		formatTime(sd.CreatedAt))
	if err != nil {
		return monitor.StoredDiff{}, fmt.Errorf("insert diff: %w", err)
	}
	return sd, nil
}

// LastDiffAt returns when a change was last detected for a pair.
// ok is false when the pair has never changed.
func (d *DB) LastDiffAt(ctx context.Context, targetID, contextID string) (at time.Time, ok bool, err error) {
	var last sql.NullString
	err = d.sql.QueryRowContext(ctx, `SELECT MAX(created_at) FROM diffs WHERE target_id = ? AND context_id = ?`,
		targetID, contextID).Scan(&last)
	if err != nil {
		return time.Time{}, false, err
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return parseTime(last.String), true, nil
}

// ListDiffs returns the most recent diffs, optionally for one target.
func (d *DB) ListDiffs(ctx context.Context, targetID string, limit int) ([]monitor.StoredDiff, error) {
	query := `SELECT id, target_id, context_id, signal, from_snapshot_id, to_snapshot_id, severity, summary, classification, changes, created_at FROM diffs`
	var args []interface{}
	if targetID != "" {
		query += ` WHERE target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monitor.StoredDiff
	for rows.Next() {
		var (
			sd                monitor.StoredDiff
			sig, sev, changes string
			from, class       sql.NullString
			created           string
		)
		if err := rows.Scan(&sd.ID, &sd.TargetID, &sd.ContextID, &sig, &from, &sd.ToSnapshotID, &sev,
			&sd.Result.Summary, &class, &changes, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(changes), &sd.Result.Changes); err != nil {
			return nil, fmt.Errorf("decode diff %s: %w", sd.ID, err)
		}
		sd.Result.Signal = monitor.SignalType(sig)
		sd.Result.Severity = monitor.Severity(sev)
		sd.Result.Classification = class.String
		sd.FromSnapshotID = from.String
		sd.CreatedAt = parseTime(created)
		out = append(out, sd)
	}
	return out, rows.Err()
}
