// Package histories is the relational side of the history store: one table
// per calendar year, named history_{YYYY}, created lazily on first import.
package histories

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bilisync/bilisync/pkg/models"
	"github.com/bilisync/bilisync/pkg/snowflake"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type ListRowsOptions struct {
	Limit  *int
	Offset *int
	From   *int64
	To     *int64

	includeTotal bool
}

type Service struct {
	db    *bun.DB
	idgen *snowflake.Generator
}

func NewService(db *bun.DB, idgen *snowflake.Generator) *Service {
	return &Service{db: db, idgen: idgen}
}

// EnsureTable creates the year table and its dedup index when absent. The
// UNIQUE(view_at, bvid) index is what makes InsertRecords conditional.
func (svc *Service) EnsureTable(ctx context.Context, year int) error {
	table := models.HistoryTableName(year)

	_, err := svc.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			title TEXT,
			long_title TEXT,
			cover TEXT,
			uri TEXT,
			oid INTEGER NOT NULL DEFAULT 0,
			epid INTEGER NOT NULL DEFAULT 0,
			bvid TEXT NOT NULL DEFAULT '',
			cid INTEGER NOT NULL DEFAULT 0,
			page INTEGER NOT NULL DEFAULT 0,
			part TEXT,
			business TEXT,
			dt INTEGER NOT NULL DEFAULT 0,
			videos INTEGER NOT NULL DEFAULT 0,
			author_name TEXT,
			author_face TEXT,
			author_mid INTEGER NOT NULL DEFAULT 0,
			view_at INTEGER NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			badge TEXT,
			show_title TEXT,
			duration INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL DEFAULT 0,
			new_desc TEXT,
			is_finish INTEGER NOT NULL DEFAULT 0,
			is_fav INTEGER NOT NULL DEFAULT 0,
			kid INTEGER NOT NULL DEFAULT 0,
			tag_name TEXT,
			live_status INTEGER NOT NULL DEFAULT 0,
			main_category TEXT
		)
	`, table))
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = svc.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_%s_view_at_bvid ON %s (view_at, bvid)`, table, table,
	))
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = svc.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS ix_%s_view_at ON %s (view_at)`, table, table,
	))
	return errors.WithStack(err)
}

// TableExists reports whether a year has ever received an import.
func (svc *Service) TableExists(ctx context.Context, year int) (bool, error) {
	var name string
	err := svc.db.
		NewSelect().
		ColumnExpr("name").
		TableExpr("sqlite_master").
		Where("type = 'table'").
		Where("name = ?", models.HistoryTableName(year)).
		Scan(ctx, &name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.WithStack(err)
	}
	return true, nil
}

// ListYears returns every year that has a history table, ascending.
func (svc *Service) ListYears(ctx context.Context) ([]int, error) {
	names := []string{}
	err := svc.db.
		NewSelect().
		ColumnExpr("name").
		TableExpr("sqlite_master").
		Where("type = 'table'").
		Where("name LIKE 'history_%'").
		OrderExpr("name ASC").
		Scan(ctx, &names)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	years := []int{}
	for _, name := range names {
		year, err := strconv.Atoi(strings.TrimPrefix(name, "history_"))
		if err != nil {
			continue
		}
		years = append(years, year)
	}

	return years, nil
}

// InsertRecords conditionally inserts a batch into the year's table inside a
// single transaction. Rows whose (view_at, bvid) key already exists are left
// untouched. Returns the number of rows actually inserted.
func (svc *Service) InsertRecords(ctx context.Context, year int, records []*models.HistoryRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	if err := svc.EnsureTable(ctx, year); err != nil {
		return 0, err
	}

	rows := make([]*models.HistoryRow, 0, len(records))
	for _, r := range records {
		id, err := svc.idgen.NextID()
		if err != nil {
			// Clock regression; must not be swallowed.
			return 0, err
		}
		row := models.RowFromRecord(r)
		row.ID = id
		rows = append(rows, row)
	}

	inserted := 0
	err := svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.
			NewInsert().
			Model(&rows).
			ModelTableExpr(models.HistoryTableName(year)).
			On("CONFLICT (view_at, bvid) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.WithStack(err)
		}
		inserted = int(n)
		return nil
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}

	return inserted, nil
}

// ListRowsInRange returns the year's rows with view_at in [from, to],
// ordered by view_at descending.
func (svc *Service) ListRowsInRange(ctx context.Context, year int, from, to int64) ([]*models.HistoryRow, error) {
	rows := []*models.HistoryRow{}
	err := svc.db.
		NewSelect().
		Model(&rows).
		ModelTableExpr(models.HistoryTableName(year)+" AS h").
		Where("h.view_at BETWEEN ? AND ?", from, to).
		Order("h.view_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return rows, nil
}

// ListAllRows returns every row of a year's table, view_at descending.
func (svc *Service) ListAllRows(ctx context.Context, year int) ([]*models.HistoryRow, error) {
	rows := []*models.HistoryRow{}
	err := svc.db.
		NewSelect().
		Model(&rows).
		ModelTableExpr(models.HistoryTableName(year)+" AS h").
		Order("h.view_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return rows, nil
}

// CountInRange counts the year's rows with view_at in [from, to].
func (svc *Service) CountInRange(ctx context.Context, year int, from, to int64) (int, error) {
	count, err := svc.db.
		NewSelect().
		ModelTableExpr(models.HistoryTableName(year)+" AS h").
		Where("h.view_at BETWEEN ? AND ?", from, to).
		Count(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}

// KeysInRange returns the set of (view_at, bvid) keys present in [from, to].
func (svc *Service) KeysInRange(ctx context.Context, year int, from, to int64) (map[models.RecordKey]bool, error) {
	rows, err := svc.ListRowsInRange(ctx, year, from, to)
	if err != nil {
		return nil, err
	}

	keys := make(map[models.RecordKey]bool, len(rows))
	for _, row := range rows {
		keys[row.Key()] = true
	}
	return keys, nil
}

// ListRows serves the read API over one year's table.
func (svc *Service) ListRows(ctx context.Context, year int, opts ListRowsOptions) ([]*models.HistoryRow, error) {
	r, _, err := svc.listRowsWithTotal(ctx, year, opts)
	return r, errors.WithStack(err)
}

func (svc *Service) ListRowsWithTotal(ctx context.Context, year int, opts ListRowsOptions) ([]*models.HistoryRow, int, error) {
	opts.includeTotal = true
	return svc.listRowsWithTotal(ctx, year, opts)
}

func (svc *Service) listRowsWithTotal(ctx context.Context, year int, opts ListRowsOptions) ([]*models.HistoryRow, int, error) {
	rows := []*models.HistoryRow{}
	var total int
	var err error

	q := svc.db.
		NewSelect().
		Model(&rows).
		ModelTableExpr(models.HistoryTableName(year) + " AS h").
		Order("h.view_at DESC")

	if opts.Limit != nil {
		q = q.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		q = q.Offset(*opts.Offset)
	}
	if opts.From != nil {
		q = q.Where("h.view_at >= ?", *opts.From)
	}
	if opts.To != nil {
		q = q.Where("h.view_at <= ?", *opts.To)
	}

	if opts.includeTotal {
		total, err = q.ScanAndCount(ctx)
	} else {
		err = q.Scan(ctx)
	}
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}

	return rows, total, nil
}

// DayRange returns the [00:00:00, 23:59:59] view_at bounds of a calendar day
// in the store's zone.
func DayRange(day time.Time, loc *time.Location) (int64, int64) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, loc)
	return start.Unix(), end.Unix()
}
