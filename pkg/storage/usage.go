package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
	"github.com/rivalwatch/rivalwatch/pkg/quota"
)

// Usage returns the user's counters as seen today. Counters whose
// last_reset is not today read as zero; nothing is written.
func (d *DB) Usage(ctx context.Context, userID, today string) (monitor.UsageCounters, error) {
	u := monitor.UsageCounters{UserID: userID, LastReset: today}
	err := d.sql.QueryRowContext(ctx, `
		SELECT crawls_today, manual_checks_today FROM usage_counters
		WHERE user_id = ? AND last_reset = ?`, userID, today).Scan(&u.CrawlsToday, &u.ManualChecksToday)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return monitor.UsageCounters{}, err
	}
	return u, nil
}

// ConsumeUsage resets stale counters and increments counter if it is below
// limit in one conditional UPDATE, so concurrent consumers for the same user
// can neither double reset nor lose increments. A negative limit is unlimited.
func (d *DB) ConsumeUsage(ctx context.Context, userID string, counter quota.Counter, limit int, today string) (monitor.UsageCounters, bool, error) {
	col, other, err := counterColumns(counter)
	if err != nil {
		return monitor.UsageCounters{}, false, err
	}

	if _, err := d.sql.ExecContext(ctx, `
		INSERT INTO usage_counters(user_id, crawls_today, manual_checks_today, last_reset)
		VALUES(?, 0, 0, ?) ON CONFLICT(user_id) DO NOTHING`, userID, today); err != nil {
		return monitor.UsageCounters{}, false, fmt.Errorf("init usage: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE usage_counters SET
		  %[1]s = (CASE WHEN last_reset = ?1 THEN %[1]s ELSE 0 END) + 1,
		  %[2]s = CASE WHEN last_reset = ?1 THEN %[2]s ELSE 0 END,
		  last_reset = ?1
		WHERE user_id = ?2
		  AND (?3 < 0 OR (CASE WHEN last_reset = ?1 THEN %[1]s ELSE 0 END) < ?3)
		RETURNING crawls_today, manual_checks_today, last_reset`, col, other)

	u := monitor.UsageCounters{UserID: userID}
	err = d.sql.QueryRowContext(ctx, query, today, userID, limit).Scan(&u.CrawlsToday, &u.ManualChecksToday, &u.LastReset)
	if errors.Is(err, sql.ErrNoRows) {
		cur, err := d.Usage(ctx, userID, today)
		return cur, false, err
	}
	if err != nil {
		return monitor.UsageCounters{}, false, fmt.Errorf("consume %s: %w", counter, err)
	}
	return u, true, nil
}

// TotalCrawls sums today's scheduled crawls across all users.
func (d *DB) TotalCrawls(ctx context.Context, today string) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COALESCE(SUM(crawls_today), 0) FROM usage_counters WHERE last_reset = ?`, today).Scan(&n)
	return n, err
}

func counterColumns(c quota.Counter) (string, string, error) {
	switch c {
	case quota.CounterCrawls:
		return string(quota.CounterCrawls), string(quota.CounterManualChecks), nil
	case quota.CounterManualChecks:
		return string(quota.CounterManualChecks), string(quota.CounterCrawls), nil
	}
	return "", "", fmt.Errorf("unknown usage counter %q", c)
}
