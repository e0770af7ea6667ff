package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// CreateContext inserts a monitoring context. Flagging it default clears
// the flag on every other context.
func (d *DB) CreateContext(ctx context.Context, c monitor.MonitoringContext) (mc monitor.MonitoringContext, err error) {
	c.Key = strings.ToLower(strings.TrimSpace(c.Key))
	if c.Key == "" {
		return monitor.MonitoringContext{}, errors.New("context key is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Name == "" {
		c.Name = c.Key
	}

	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return monitor.MonitoringContext{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if c.IsDefault {
		if _, err = tx.ExecContext(ctx, `UPDATE monitoring_contexts SET is_default = 0`); err != nil {
			return monitor.MonitoringContext{}, err
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO monitoring_contexts(id, key, name, requires_rich_rendering, is_default, position) VALUES(?,?,?,?,?,?)`,
		c.ID, c.Key, c.Name, boolInt(c.RequiresRichRendering), boolInt(c.IsDefault), c.Position)
	if err != nil {
		return monitor.MonitoringContext{}, fmt.Errorf("insert context %s: %w", c.Key, err)
	}
	if err = tx.Commit(); err != nil {
		return monitor.MonitoringContext{}, err
	}
	return c, nil
}

// ListContexts returns every context, default first, then by position.
func (d *DB) ListContexts(ctx context.Context) ([]monitor.MonitoringContext, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, key, name, requires_rich_rendering, is_default, position
		FROM monitoring_contexts
		ORDER BY is_default DESC, position, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monitor.MonitoringContext
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DB) GetContextByKey(ctx context.Context, key string) (monitor.MonitoringContext, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT id, key, name, requires_rich_rendering, is_default, position FROM monitoring_contexts WHERE key = ?`,
		strings.ToLower(key))
	c, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.MonitoringContext{}, fmt.Errorf("context %s: %w", key, ErrNotFound)
	}
	return c, err
}

func scanContext(s scanner) (monitor.MonitoringContext, error) {
	var (
		c               monitor.MonitoringContext
		rich, isDefault int
	)
	if err := s.Scan(&c.ID, &c.Key, &c.Name, &rich, &isDefault, &c.Position); err != nil {
		return monitor.MonitoringContext{}, err
	}
	c.RequiresRichRendering = rich == 1
	c.IsDefault = isDefault == 1
	return c, nil
}
