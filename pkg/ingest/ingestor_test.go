package ingest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/bilisync/bilisync/pkg/models"
	"github.com/bilisync/bilisync/pkg/shardlog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = db.Exec(`
		CREATE TABLE sync_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cursors TEXT,
			known_oids TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func testShards(t *testing.T) *shardlog.Store {
	t.Helper()
	root := t.TempDir()
	return shardlog.New(filepath.Join(root, "history"), filepath.Join(root, "backups"), time.UTC)
}

func record(title string, viewAt, oid int64, bvid string) *models.HistoryRecord {
	return &models.HistoryRecord{
		Title:  title,
		ViewAt: viewAt,
		History: models.HistoryPointer{
			Oid:      oid,
			Bvid:     bvid,
			Business: models.BusinessArchive,
		},
	}
}

// scriptedFetcher replays a fixed sequence of pages, then fails.
type scriptedFetcher struct {
	pages []*Page
	errAt int // 1-based page index that errors; 0 means never
	err   error
	calls int
}

func (f *scriptedFetcher) FetchPage(_ context.Context, _ Cursor) (*Page, error) {
	f.calls++
	if f.errAt != 0 && f.calls == f.errAt {
		return nil, f.err
	}
	if f.calls > len(f.pages) {
		return nil, errors.New("fetched past end of script")
	}
	return f.pages[f.calls-1], nil
}

func newIngestor(t *testing.T, fetcher Fetcher, shards *shardlog.Store) (*Ingestor, *LedgerService) {
	t.Helper()
	ledgers := NewLedgerService(setupTestDB(t))
	return New(fetcher, shards, ledgers, time.UTC, 0, 30), ledgers
}

func TestRun_AppendsGroupedByDayAndPersistsLedger(t *testing.T) {
	t.Parallel()
	shards := testShards(t)

	day1 := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC).Unix()
	day2 := time.Date(2024, time.January, 2, 8, 0, 0, 0, time.UTC).Unix()

	fetcher := &scriptedFetcher{pages: []*Page{
		{Cursor: Cursor{Max: 10, ViewAt: day2}, List: []*models.HistoryRecord{
			record("B", day2, 2, "BV1b"),
			record("A", day1, 1, "BV1a"),
		}},
		{Cursor: Cursor{}, List: []*models.HistoryRecord{
			record("C", day1, 3, "BV1c"),
		}},
	}}

	ing, ledgers := newIngestor(t, fetcher, shards)
	result, err := ing.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StopNoMoreData, result.StopReason)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 3, result.Accepted)
	require.Len(t, result.Days, 2)
	assert.Equal(t, DayDetail{Date: "2024-01-01", Appended: 2}, result.Days[0])
	assert.Equal(t, DayDetail{Date: "2024-01-02", Appended: 1}, result.Days[1])

	d1 := shards.Load(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.Len(t, d1, 2)
	d2 := shards.Load(time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC))
	require.Len(t, d2, 1)

	ledger, err := ledgers.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ledger.KnownOidsParsed)
	assert.Contains(t, ledger.CursorsParsed, Cursor{Max: 10, ViewAt: day2}.String())
}

func TestRun_CursorCycleDiscardsCurrentPage(t *testing.T) {
	t.Parallel()
	shards := testShards(t)

	viewAt := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC).Unix()
	repeated := Cursor{Max: 77, ViewAt: viewAt}

	fetcher := &scriptedFetcher{pages: []*Page{
		{Cursor: repeated, List: []*models.HistoryRecord{
			record("early", viewAt, 1, "BV1a"),
		}},
		{Cursor: repeated, List: []*models.HistoryRecord{
			record("late", viewAt+60, 2, "BV1b"),
		}},
	}}

	ing, _ := newIngestor(t, fetcher, shards)
	result, err := ing.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StopCursorCycle, result.StopReason)
	// Only records from pages strictly before the repeated cursor survive.
	assert.Equal(t, 1, result.Accepted)

	day := shards.Load(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.Len(t, day, 1)
	assert.Equal(t, "early", day[0].Title)
}

func TestRun_ConsecutiveDuplicateCutoff(t *testing.T) {
	t.Parallel()
	shards := testShards(t)

	// Seed the latest shard with 30 known records.
	day := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	seeded := []*models.HistoryRecord{}
	for i := int64(1); i <= 30; i++ {
		seeded = append(seeded, record("seed", day.Unix()+i, i, "BV1seed"))
	}
	require.NoError(t, shards.AppendOrCreate(day, seeded))

	// The feed replays those 30 known records. A second page would error, so
	// the run must stop within the first.
	page := &Page{Cursor: Cursor{Max: 9, ViewAt: 9}, List: seeded}
	fetcher := &scriptedFetcher{pages: []*Page{page}}

	ing, _ := newIngestor(t, fetcher, shards)
	result, err := ing.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StopDuplicateRun, result.StopReason)
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, 0, result.Accepted)
}

func TestRun_DuplicateCounterResetsOnAccept(t *testing.T) {
	t.Parallel()
	shards := testShards(t)

	day := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	seeded := []*models.HistoryRecord{}
	for i := int64(1); i <= 29; i++ {
		seeded = append(seeded, record("seed", day.Unix()+i, i, "BV1seed"))
	}
	require.NoError(t, shards.AppendOrCreate(day, seeded))

	fresh := record("fresh", day.Unix()+100, 999, "BV1fresh")
	list := append(append([]*models.HistoryRecord{}, seeded...), fresh)
	fetcher := &scriptedFetcher{pages: []*Page{
		{Cursor: Cursor{}, List: list},
	}}

	ing, _ := newIngestor(t, fetcher, shards)
	result, err := ing.Run(context.Background())
	require.NoError(t, err)

	// 29 consecutive duplicates do not hit the cutoff of 30; the fresh record
	// resets the counter and is accepted.
	assert.Equal(t, StopNoMoreData, result.StopReason)
	assert.Equal(t, 1, result.Accepted)
}

func TestRun_UpstreamErrorAbortsWithoutWrites(t *testing.T) {
	t.Parallel()
	shards := testShards(t)

	viewAt := time.Date(2024, time.April, 1, 10, 0, 0, 0, time.UTC).Unix()
	fetcher := &scriptedFetcher{
		pages: []*Page{
			{Cursor: Cursor{Max: 5, ViewAt: viewAt}, List: []*models.HistoryRecord{
				record("lost", viewAt, 1, "BV1a"),
			}},
		},
		errAt: 2,
		err:   errors.New("history API error -101: not logged in"),
	}

	ing, ledgers := newIngestor(t, fetcher, shards)
	result, err := ing.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, result.Pages)

	// Nothing committed: no shard written, ledger untouched.
	assert.Empty(t, shards.Load(time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)))
	ledger, lerr := ledgers.Load(context.Background())
	require.NoError(t, lerr)
	assert.Empty(t, ledger.CursorsParsed)
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	t.Parallel()
	shards := testShards(t)

	viewAt := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC).Unix()
	page := func() *Page {
		return &Page{Cursor: Cursor{}, List: []*models.HistoryRecord{
			record("A", viewAt, 1, "BV1a"),
			record("B", viewAt+60, 2, "BV1b"),
		}}
	}

	ledgers := NewLedgerService(setupTestDB(t))

	first := New(&scriptedFetcher{pages: []*Page{page()}}, shards, ledgers, time.UTC, 0, 30)
	result, err := first.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)

	second := New(&scriptedFetcher{pages: []*Page{page()}}, shards, ledgers, time.UTC, 0, 30)
	result, err = second.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Accepted)

	day := shards.Load(time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC))
	assert.Len(t, day, 2)
}
