package storage

import "context"

// ContextStats summarizes stored data for one monitoring context.
type ContextStats struct {
	ContextKey string
	Snapshots  int
	Diffs      int
	Alerts     int
}

func (d *DB) GetStats(ctx context.Context) ([]ContextStats, error) {
	query := `
		SELECT
			c.key,
			(SELECT COUNT(*) FROM snapshots s WHERE s.context_id = c.id),
			(SELECT COUNT(*) FROM diffs df WHERE df.context_id = c.id),
			(SELECT COUNT(*) FROM alerts a WHERE a.context_id = c.id)
		FROM
			monitoring_contexts c
		ORDER BY
			c.is_default DESC, c.position, c.key;
	`
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []ContextStats
	for rows.Next() {
		var s ContextStats
		if err := rows.Scan(&s.ContextKey, &s.Snapshots, &s.Diffs, &s.Alerts); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}
