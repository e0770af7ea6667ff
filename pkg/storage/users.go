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

// CreateUser inserts a user. Email is stored lowercased.
func (d *DB) CreateUser(ctx context.Context, email, planID string) (monitor.User, error) {
	u := monitor.User{
		ID:        uuid.NewString(),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		PlanID:    planID,
		CreatedAt: time.Now().UTC(),
	}
	if u.Email == "" {
		return monitor.User{}, errors.New("email is required")
	}
	_, err := d.sql.ExecContext(ctx, `INSERT INTO users(id, email, plan_id, created_at) VALUES(?,?,?,?)`,
		u.ID, u.Email, u.PlanID, formatTime(u.CreatedAt))
	if err != nil {
		return monitor.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUser looks a user up by id or email.
func (d *DB) GetUser(ctx context.Context, idOrEmail string) (monitor.User, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT id, email, plan_id, created_at FROM users WHERE id = ? OR email = ?`,
		idOrEmail, strings.ToLower(idOrEmail))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.User{}, fmt.Errorf("user %s: %w", idOrEmail, ErrNotFound)
	}
	return u, err
}

func (d *DB) ListUsers(ctx context.Context) ([]monitor.User, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT id, email, plan_id, created_at FROM users ORDER BY created_at, email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monitor.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetUserPlan changes the plan a user is on.
func (d *DB) SetUserPlan(ctx context.Context, userID, planID string) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE users SET plan_id = ? WHERE id = ?`, planID, userID)
	if err != nil {
		return err
	}
	return expectOne(res, "user "+userID)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(s scanner) (monitor.User, error) {
	var (
		u       monitor.User
		created string
	)
	if err := s.Scan(&u.ID, &u.Email, &u.PlanID, &created); err != nil {
		return monitor.User{}, err
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
