package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		// Jobs drive the background worker. The per-year history tables are
		// created lazily on first import, not here.
		_, err := db.Exec(`
			CREATE TABLE jobs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				type TEXT NOT NULL,
				status TEXT NOT NULL,
				data TEXT,
				result TEXT,
				error TEXT,
				process_id TEXT
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Index for the worker poll (pending/in_progress by age).
		_, err = db.Exec(`CREATE INDEX ix_jobs_status_created_at ON jobs(status, created_at)`)
		if err != nil {
			return errors.WithStack(err)
		}

		// The sync ledger persists ingest cursors and known content IDs
		// between runs. It only ever holds one row.
		_, err = db.Exec(`
			CREATE TABLE sync_ledger (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				cursors TEXT,
				known_oids TEXT,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		return nil
	}

	down := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`DROP TABLE IF EXISTS sync_ledger`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`DROP INDEX IF EXISTS ix_jobs_status_created_at`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`DROP TABLE IF EXISTS jobs`)
		return errors.WithStack(err)
	}

	Migrations.MustRegister(up, down)
}
