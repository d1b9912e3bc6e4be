package ingest

import (
	"context"
	"database/sql"
	"time"

	"github.com/bilisync/bilisync/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// LedgerService persists the single sync_ledger row between ingest runs.
type LedgerService struct {
	db *bun.DB
}

func NewLedgerService(db *bun.DB) *LedgerService {
	return &LedgerService{db}
}

// Load returns the persisted ledger, or a fresh empty one when no run has
// ever completed.
func (svc *LedgerService) Load(ctx context.Context) (*models.SyncLedger, error) {
	ledger := &models.SyncLedger{}

	err := svc.db.
		NewSelect().
		Model(ledger).
		Order("sl.id ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			ledger = &models.SyncLedger{}
			_ = ledger.UnmarshalData()
			return ledger, nil
		}
		return nil, errors.WithStack(err)
	}

	if err := ledger.UnmarshalData(); err != nil {
		return nil, err
	}

	return ledger, nil
}

// Save upserts the ledger row. Called only at the end of a successful run.
func (svc *LedgerService) Save(ctx context.Context, ledger *models.SyncLedger) error {
	if err := ledger.MarshalData(); err != nil {
		return err
	}
	ledger.UpdatedAt = time.Now()

	if ledger.ID == 0 {
		_, err := svc.db.
			NewInsert().
			Model(ledger).
			Returning("*").
			Exec(ctx)
		return errors.WithStack(err)
	}

	_, err := svc.db.
		NewUpdate().
		Model(ledger).
		Column("cursors", "known_oids", "updated_at").
		WherePK().
		Exec(ctx)
	return errors.WithStack(err)
}
