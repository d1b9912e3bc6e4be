// Package reconcile keeps the sharded JSON log and the relational store
// convergent. The two passes are independent: json→db imports shard records
// the database is missing, db→json restores database rows a shard is missing.
// Either may run alone; both together form one sync.
package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bilisync/bilisync/pkg/histories"
	"github.com/bilisync/bilisync/pkg/models"
	"github.com/bilisync/bilisync/pkg/shardlog"
	"github.com/bilisync/bilisync/pkg/snowflake"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
)

const (
	maxSampleTitles = 10

	SourceJSONToDB = "json_to_db"
	SourceDBToJSON = "db_to_json"

	resultFilename = "sync_result.json"
)

type SyncOptions struct {
	SkipJSONToDB bool
	SkipDBToJSON bool
}

// DayDetail reports one day touched by a reconciliation pass.
type DayDetail struct {
	Date         string   `json:"date"`
	Imported     int      `json:"imported"`
	Source       string   `json:"source"`
	SampleTitles []string `json:"sample_titles"`
}

// Result is the unified outcome of one sync run. Local failures degrade to
// skipped units and are listed rather than aborting the run.
type Result struct {
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	JSONToDB   int         `json:"json_to_db"`
	DBToJSON   int         `json:"db_to_json"`
	Total      int         `json:"total"`
	Days       []DayDetail `json:"days"`
	Skipped    []string    `json:"skipped,omitempty"`
	ResultPath string      `json:"result_path,omitempty"`
}

type Service struct {
	shards    *shardlog.Store
	histories *histories.Service
	loc       *time.Location
	reportDir string
	log       logger.Logger
}

func NewService(shards *shardlog.Store, historyService *histories.Service, loc *time.Location, reportDir string) *Service {
	return &Service{
		shards:    shards,
		histories: historyService,
		loc:       loc,
		reportDir: reportDir,
		log:       logger.New(),
	}
}

// Sync runs the selected passes and persists the result artifact.
func (svc *Service) Sync(ctx context.Context, opts SyncOptions) (*Result, error) {
	result := &Result{StartedAt: time.Now(), Days: []DayDetail{}}

	if !opts.SkipJSONToDB {
		if err := svc.jsonToDB(ctx, result); err != nil {
			return result, err
		}
	}
	if !opts.SkipDBToJSON {
		if err := svc.dbToJSON(ctx, result); err != nil {
			return result, err
		}
	}

	result.Total = result.JSONToDB + result.DBToJSON
	result.FinishedAt = time.Now()

	if err := svc.writeResult(result); err != nil {
		// The sync itself succeeded; a failed artifact write is reported but
		// does not undo it.
		svc.log.Err(err).Error("sync result write error")
	}

	return result, nil
}

// jsonToDB imports every shard record whose (view_at, bvid) key is absent
// from the record's year table. A SQL failure abandons that table's remaining
// days for this run; other years continue.
func (svc *Service) jsonToDB(ctx context.Context, result *Result) error {
	shards, err := svc.shards.ListAll()
	if err != nil {
		return err
	}

	brokenYears := map[int]bool{}
	for _, shard := range shards {
		if len(shard.Records) == 0 {
			continue
		}
		year := shard.Day.Year()
		if brokenYears[year] {
			continue
		}

		from, to := histories.DayRange(shard.Day, svc.loc)

		existing := map[models.RecordKey]bool{}
		exists, err := svc.histories.TableExists(ctx, year)
		if err != nil {
			return err
		}
		if exists {
			existing, err = svc.histories.KeysInRange(ctx, year, from, to)
			if err != nil {
				svc.log.Err(err).Error("key query error; skipping year", logger.Data{"year": year})
				brokenYears[year] = true
				result.Skipped = append(result.Skipped, models.HistoryTableName(year))
				continue
			}
		}

		candidates := []*models.HistoryRecord{}
		for _, r := range shard.Records {
			key := r.Key()
			if existing[key] {
				continue
			}
			existing[key] = true
			candidates = append(candidates, r)
		}
		if len(candidates) == 0 {
			continue
		}

		imported, err := svc.histories.InsertRecords(ctx, year, candidates)
		if err != nil {
			if errors.Is(err, snowflake.ErrClockRegression) {
				// Threatens id collision safety; the whole run aborts.
				return err
			}
			svc.log.Err(err).Error("insert error; skipping year", logger.Data{"year": year})
			brokenYears[year] = true
			result.Skipped = append(result.Skipped, models.HistoryTableName(year))
			continue
		}
		if imported == 0 {
			continue
		}

		result.JSONToDB += imported
		result.Days = append(result.Days, DayDetail{
			Date:         shard.Day.Format("2006-01-02"),
			Imported:     imported,
			Source:       SourceJSONToDB,
			SampleTitles: sampleTitles(candidates),
		})
		svc.log.Info("imported shard into database", logger.Data{"date": shard.Day.Format("2006-01-02"), "count": imported})
	}

	return nil
}

// dbToJSON restores database rows missing from their day's shard. The merged
// shard is sorted by view_at descending; ties keep concatenation order, with
// existing JSON records ahead of recovered DB rows. A failed shard write
// skips that day only.
func (svc *Service) dbToJSON(ctx context.Context, result *Result) error {
	years, err := svc.histories.ListYears(ctx)
	if err != nil {
		return err
	}

	for _, year := range years {
		rows, err := svc.histories.ListAllRows(ctx, year)
		if err != nil {
			svc.log.Err(err).Error("row query error; skipping year", logger.Data{"year": year})
			result.Skipped = append(result.Skipped, models.HistoryTableName(year))
			continue
		}

		byDay := map[time.Time][]*models.HistoryRow{}
		for _, row := range rows {
			day := row.Day(svc.loc)
			byDay[day] = append(byDay[day], row)
		}
		days := make([]time.Time, 0, len(byDay))
		for day := range byDay {
			days = append(days, day)
		}
		sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

		for _, day := range days {
			existing := svc.shards.Load(day)
			keys := make(map[models.RecordKey]bool, len(existing))
			for _, r := range existing {
				keys[r.Key()] = true
			}

			recovered := []*models.HistoryRecord{}
			for _, row := range byDay[day] {
				key := row.Key()
				if keys[key] {
					continue
				}
				keys[key] = true
				recovered = append(recovered, models.RecordFromRow(row))
			}
			if len(recovered) == 0 {
				continue
			}

			merged := append(existing, recovered...)
			sort.SliceStable(merged, func(i, j int) bool { return merged[i].ViewAt > merged[j].ViewAt })

			if err := svc.shards.ReplaceWithBackup(day, merged); err != nil {
				svc.log.Err(err).Error("shard write error; skipping day", logger.Data{"date": day.Format("2006-01-02")})
				result.Skipped = append(result.Skipped, day.Format("2006-01-02"))
				continue
			}

			result.DBToJSON += len(recovered)
			result.Days = append(result.Days, DayDetail{
				Date:         day.Format("2006-01-02"),
				Imported:     len(recovered),
				Source:       SourceDBToJSON,
				SampleTitles: sampleTitles(recovered),
			})
			svc.log.Info("restored shard from database", logger.Data{"date": day.Format("2006-01-02"), "count": len(recovered)})
		}
	}

	return nil
}

func (svc *Service) writeResult(result *Result) error {
	if svc.reportDir == "" {
		return nil
	}
	if err := os.MkdirAll(svc.reportDir, 0755); err != nil {
		return errors.WithStack(err)
	}

	path := filepath.Join(svc.reportDir, resultFilename)
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil { //nolint:gosec
		return errors.WithStack(err)
	}

	result.ResultPath = path
	return nil
}

func sampleTitles(records []*models.HistoryRecord) []string {
	titles := []string{}
	for _, r := range records {
		if len(titles) == maxSampleTitles {
			break
		}
		titles = append(titles, r.Title)
	}
	return titles
}
