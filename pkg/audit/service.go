// Package audit compares the sharded JSON log against the relational store
// day by day and reports divergence. It never mutates either side.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bilisync/bilisync/pkg/histories"
	"github.com/bilisync/bilisync/pkg/shardlog"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
)

const (
	maxExampleTitles = 10

	DayStatusMatch   = "match"
	DayStatusMissing = "missing"
	DayStatusExtra   = "extra"

	resultFilename = "audit_result.json"
	reportFilename = "audit_report.md"
)

// DayReport is the per-day comparison between the two stores.
type DayReport struct {
	Date          string   `json:"date"`
	JSONCount     int      `json:"json_count"`
	DBCount       int      `json:"db_count"`
	Status        string   `json:"status"`
	MissingCount  int      `json:"missing_count"`
	MissingTitles []string `json:"missing_titles"`
	ExtraCount    int      `json:"extra_count"`
	ExtraTitles   []string `json:"extra_titles"`
}

// Report is an immutable snapshot of one audit. It is produced fresh on every
// run, never merged with a previous report.
type Report struct {
	GeneratedAt  time.Time   `json:"generated_at"`
	TotalJSON    int         `json:"total_json"`
	TotalDB      int         `json:"total_db"`
	MatchingDays int         `json:"matching_days"`
	MissingDays  int         `json:"missing_days"`
	ExtraDays    int         `json:"extra_days"`
	Days         []DayReport `json:"days"`
	ResultPath   string      `json:"result_path,omitempty"`
	ReportPath   string      `json:"report_path,omitempty"`
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

// Audit walks every shard, compares each day's counts and titles against the
// matching year table, and writes the JSON result and Markdown report to
// their fixed locations.
func (svc *Service) Audit(ctx context.Context) (*Report, error) {
	report := &Report{GeneratedAt: time.Now(), Days: []DayReport{}}

	shards, err := svc.shards.ListAll()
	if err != nil {
		return report, err
	}

	tableKnown := map[int]bool{}
	for _, shard := range shards {
		year := shard.Day.Year()

		exists, ok := tableKnown[year]
		if !ok {
			exists, err = svc.histories.TableExists(ctx, year)
			if err != nil {
				return report, err
			}
			tableKnown[year] = exists
		}

		day := DayReport{
			Date:          shard.Day.Format("2006-01-02"),
			JSONCount:     len(shard.Records),
			Status:        DayStatusMatch,
			MissingTitles: []string{},
			ExtraTitles:   []string{},
		}

		jsonTitles := map[string]int{}
		for _, r := range shard.Records {
			jsonTitles[r.Title]++
		}

		if !exists {
			// No table for the year: the whole day is missing from the DB and
			// there are no equivalent titles to enumerate against.
			day.Status = DayStatusMissing
			day.MissingCount, day.MissingTitles = diffTitles(jsonTitles, map[string]int{})
		} else {
			from, to := histories.DayRange(shard.Day, svc.loc)
			rows, err := svc.histories.ListRowsInRange(ctx, year, from, to)
			if err != nil {
				return report, err
			}
			day.DBCount = len(rows)

			dbTitles := map[string]int{}
			for _, row := range rows {
				dbTitles[row.Title]++
			}

			day.MissingCount, day.MissingTitles = diffTitles(jsonTitles, dbTitles)
			day.ExtraCount, day.ExtraTitles = diffTitles(dbTitles, jsonTitles)

			switch {
			case day.MissingCount > 0:
				day.Status = DayStatusMissing
			case day.ExtraCount > 0:
				day.Status = DayStatusExtra
			}
		}

		report.TotalJSON += day.JSONCount
		report.TotalDB += day.DBCount
		switch day.Status {
		case DayStatusMatch:
			report.MatchingDays++
		case DayStatusMissing:
			report.MissingDays++
		case DayStatusExtra:
			report.ExtraDays++
		}
		report.Days = append(report.Days, day)
	}

	if err := svc.writeArtifacts(report); err != nil {
		svc.log.Err(err).Error("audit artifact write error")
	}

	return report, nil
}

// diffTitles returns how many title occurrences of a are absent from b, with
// up to maxExampleTitles examples.
func diffTitles(a, b map[string]int) (int, []string) {
	count := 0
	titles := []string{}
	for title, n := range a {
		d := n - b[title]
		if d <= 0 {
			continue
		}
		count += d
		for i := 0; i < d && len(titles) < maxExampleTitles; i++ {
			titles = append(titles, title)
		}
	}
	return count, titles
}

func (svc *Service) writeArtifacts(report *Report) error {
	if svc.reportDir == "" {
		return nil
	}
	if err := os.MkdirAll(svc.reportDir, 0755); err != nil {
		return errors.WithStack(err)
	}

	resultPath := filepath.Join(svc.reportDir, resultFilename)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.WriteFile(resultPath, data, 0644); err != nil { //nolint:gosec
		return errors.WithStack(err)
	}

	reportPath := filepath.Join(svc.reportDir, reportFilename)
	if err := os.WriteFile(reportPath, []byte(svc.markdown(report)), 0644); err != nil { //nolint:gosec
		return errors.WithStack(err)
	}

	report.ResultPath = resultPath
	report.ReportPath = reportPath
	return nil
}

func (svc *Service) markdown(report *Report) string {
	b := &strings.Builder{}

	fmt.Fprintf(b, "# History Integrity Audit\n\n")
	fmt.Fprintf(b, "Generated at %s.\n\n", report.GeneratedAt.In(svc.loc).Format(time.RFC3339))
	fmt.Fprintf(b, "- JSON records: %d\n", report.TotalJSON)
	fmt.Fprintf(b, "- Database records: %d\n", report.TotalDB)
	fmt.Fprintf(b, "- Days matching: %d\n", report.MatchingDays)
	fmt.Fprintf(b, "- Days with records missing from the database: %d\n", report.MissingDays)
	fmt.Fprintf(b, "- Days with surplus database records: %d\n\n", report.ExtraDays)

	divergent := 0
	for _, day := range report.Days {
		if day.Status == DayStatusMatch {
			continue
		}
		divergent++
		fmt.Fprintf(b, "## %s\n\n", day.Date)
		fmt.Fprintf(b, "JSON %d, database %d.\n\n", day.JSONCount, day.DBCount)
		if day.MissingCount > 0 {
			fmt.Fprintf(b, "Missing from the database (%d):\n\n", day.MissingCount)
			for _, title := range day.MissingTitles {
				fmt.Fprintf(b, "- %s\n", title)
			}
			fmt.Fprintf(b, "\n")
		}
		if day.ExtraCount > 0 {
			fmt.Fprintf(b, "Only in the database (%d):\n\n", day.ExtraCount)
			for _, title := range day.ExtraTitles {
				fmt.Fprintf(b, "- %s\n", title)
			}
			fmt.Fprintf(b, "\n")
		}
	}

	if divergent == 0 {
		fmt.Fprintf(b, "The two stores are consistent.\n")
	}

	return b.String()
}
