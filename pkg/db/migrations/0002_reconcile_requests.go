package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upReconcileRequests, downReconcileRequests)
}

func upReconcileRequests(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE settings ADD COLUMN IF NOT EXISTS reconcile_requests bigint NOT NULL DEFAULT 0`)
	return err
}

func downReconcileRequests(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE settings DROP COLUMN IF EXISTS reconcile_requests`)
	return err
}
