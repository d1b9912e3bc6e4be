// Package ingest walks the upstream paginated history API with a moving
// cursor, deduplicates against already-known records, and appends what is new
// to the sharded JSON log. Nothing touches disk until a run finishes: a crash
// mid-run loses only in-memory work, never commits a partial batch.
package ingest

import (
	"context"
	"sort"
	"time"

	"github.com/bilisync/bilisync/pkg/models"
	"github.com/bilisync/bilisync/pkg/shardlog"
	"github.com/robinjoseph08/golib/logger"
)

const (
	StopNoMoreData   = "no_more_data"
	StopDuplicateRun = "duplicate_run"
	StopCursorCycle  = "cursor_cycle"
)

// DayDetail reports what one run appended to a single day's shard.
type DayDetail struct {
	Date     string `json:"date"`
	Appended int    `json:"appended"`
}

// Result is the structured outcome of one ingest run.
type Result struct {
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Pages      int         `json:"pages"`
	Fetched    int         `json:"fetched"`
	Accepted   int         `json:"accepted"`
	StopReason string      `json:"stop_reason"`
	Days       []DayDetail `json:"days"`
}

type Ingestor struct {
	fetcher    Fetcher
	shards     *shardlog.Store
	ledgers    *LedgerService
	loc        *time.Location
	pageDelay  time.Duration
	dupeCutoff int
	log        logger.Logger
}

func New(fetcher Fetcher, shards *shardlog.Store, ledgers *LedgerService, loc *time.Location, pageDelay time.Duration, dupeCutoff int) *Ingestor {
	return &Ingestor{
		fetcher:    fetcher,
		shards:     shards,
		ledgers:    ledgers,
		loc:        loc,
		pageDelay:  pageDelay,
		dupeCutoff: dupeCutoff,
		log:        logger.New(),
	}
}

// Run executes one full ingest: fetch pages until the feed is exhausted, a
// bounded run of already-known records is hit, or the upstream cursor cycles.
// Accepted records are grouped by calendar day and appended to the shard log,
// then the cursor ledger is persisted, in that order.
func (ing *Ingestor) Run(ctx context.Context) (*Result, error) {
	result := &Result{StartedAt: time.Now(), Days: []DayDetail{}}

	ledger, err := ing.ledgers.Load(ctx)
	if err != nil {
		return result, err
	}

	known := make(map[int64]bool, len(ledger.KnownOidsParsed))
	for _, oid := range ledger.KnownOidsParsed {
		known[oid] = true
	}
	// Widen the seed beyond the ledger with the most recent local shard, so a
	// ledger lost or reset does not re-ingest the newest day.
	latest, err := ing.shards.Latest()
	if err != nil {
		return result, err
	}
	if latest != nil {
		for _, r := range latest.Records {
			known[r.History.Oid] = true
		}
	}

	seenCursors := make(map[string]bool, len(ledger.CursorsParsed))
	for _, c := range ledger.CursorsParsed {
		seenCursors[c] = true
	}

	accepted := []*models.HistoryRecord{}
	cursor := Cursor{}
	dupRun := 0

	for {
		page, err := ing.fetcher.FetchPage(ctx, cursor)
		if err != nil {
			// Transport, decode, and upstream logical errors all abort the
			// run; nothing has been written yet.
			return result, err
		}
		result.Pages++
		result.Fetched += len(page.List)

		if len(page.List) == 0 {
			result.StopReason = StopNoMoreData
			break
		}

		pageAccepted := []*models.HistoryRecord{}
		stopped := false
		for _, r := range page.List {
			if known[r.History.Oid] {
				dupRun++
				if dupRun >= ing.dupeCutoff {
					ing.log.Info("consecutive duplicate cutoff reached", logger.Data{"cutoff": ing.dupeCutoff})
					stopped = true
					break
				}
				continue
			}
			dupRun = 0
			known[r.History.Oid] = true
			pageAccepted = append(pageAccepted, r)
		}

		if stopped {
			// Keep everything accepted so far, including this page's records.
			accepted = append(accepted, pageAccepted...)
			result.StopReason = StopDuplicateRun
			break
		}

		next := page.Cursor
		if next.IsZero() {
			accepted = append(accepted, pageAccepted...)
			result.StopReason = StopNoMoreData
			break
		}
		if seenCursors[next.String()] {
			// The upstream cursor is cycling. Keep only records accepted on
			// strictly earlier pages; this page's are discarded.
			ing.log.Warn("cursor cycle detected", logger.Data{"cursor": next.String()})
			result.StopReason = StopCursorCycle
			break
		}

		accepted = append(accepted, pageAccepted...)
		seenCursors[next.String()] = true
		ledger.CursorsParsed = append(ledger.CursorsParsed, next.String())
		cursor = next

		if ing.pageDelay > 0 {
			time.Sleep(ing.pageDelay)
		}
	}

	result.Accepted = len(accepted)
	if len(accepted) == 0 {
		result.FinishedAt = time.Now()
		return result, nil
	}

	// Group by calendar day and append each group once. Appends happen before
	// the ledger write so a crash between the two leaves the ledger stale but
	// never loses data.
	byDay := map[time.Time][]*models.HistoryRecord{}
	for _, r := range accepted {
		day := r.Day(ing.loc)
		byDay[day] = append(byDay[day], r)
	}
	days := make([]time.Time, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	for _, day := range days {
		if err := ing.shards.AppendOrCreate(day, byDay[day]); err != nil {
			return result, err
		}
		result.Days = append(result.Days, DayDetail{
			Date:     day.Format("2006-01-02"),
			Appended: len(byDay[day]),
		})
		ing.log.Info("appended shard", logger.Data{"date": day.Format("2006-01-02"), "count": len(byDay[day])})
	}

	ledger.KnownOidsParsed = make([]int64, 0, len(known))
	for oid := range known {
		ledger.KnownOidsParsed = append(ledger.KnownOidsParsed, oid)
	}
	sort.Slice(ledger.KnownOidsParsed, func(i, j int) bool {
		return ledger.KnownOidsParsed[i] < ledger.KnownOidsParsed[j]
	})

	if err := ing.ledgers.Save(ctx, ledger); err != nil {
		return result, err
	}

	result.FinishedAt = time.Now()
	return result, nil
}
