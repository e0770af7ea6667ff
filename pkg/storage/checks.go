package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// SaveCheck stores the snapshots, diffs and alerts of one check and marks
// the target checked, all in one transaction.
func (d *DB) SaveCheck(ctx context.Context, rec monitor.CheckRecord) (err error) {
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin check: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, s := range rec.Snapshots {
		if _, err = insertSnapshot(ctx, tx, s); err != nil {
			return err
		}
	}
	for _, sd := range rec.Diffs {
		if _, err = insertDiff(ctx, tx, sd); err != nil {
			return err
		}
	}
	for _, a := range rec.Alerts {
		if err = insertAlert(ctx, tx, a); err != nil {
			return err
		}
	}
	if err = markTargetChecked(ctx, tx, rec.TargetID, rec.CheckedAt, rec.Hint); err != nil {
		return err
	}
	return tx.Commit()
}
