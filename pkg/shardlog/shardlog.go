// Package shardlog owns the date-sharded JSON append log. One shard is one
// calendar day's records at {root}/{YYYY}/{MM}/{DD}.json; a day with no
// records has no file.
package shardlog

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bilisync/bilisync/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
)

const backupTimestampFormat = "20060102T150405"

type Store struct {
	root       string
	backupRoot string
	loc        *time.Location
	log        logger.Logger
}

// Shard is one day's file with its parsed records, in insertion order.
type Shard struct {
	Path    string
	Day     time.Time
	Records []*models.HistoryRecord
}

func New(root, backupRoot string, loc *time.Location) *Store {
	return &Store{
		root:       root,
		backupRoot: backupRoot,
		loc:        loc,
		log:        logger.New(),
	}
}

// ShardPath returns the file path for a calendar day.
func (s *Store) ShardPath(day time.Time) string {
	day = day.In(s.loc)
	return filepath.Join(
		s.root,
		fmt.Sprintf("%04d", day.Year()),
		fmt.Sprintf("%02d", int(day.Month())),
		fmt.Sprintf("%02d.json", day.Day()),
	)
}

// ListAll walks the year/month/day tree and returns every shard. Entries that
// are not numeric directories or .json day files are skipped. Order across
// shards carries no meaning beyond being deterministic.
func (s *Store) ListAll() ([]*Shard, error) {
	years, err := readNumericDirs(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}

	shards := []*Shard{}
	for _, year := range years {
		months, err := readNumericDirs(filepath.Join(s.root, year.name))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for _, month := range months {
			entries, err := os.ReadDir(filepath.Join(s.root, year.name, month.name))
			if err != nil {
				return nil, errors.WithStack(err)
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
			for _, entry := range entries {
				if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
					continue
				}
				dayNum, err := strconv.Atoi(entry.Name()[:len(entry.Name())-len(".json")])
				if err != nil {
					continue
				}
				day := time.Date(year.value, time.Month(month.value), dayNum, 0, 0, 0, 0, s.loc)
				shards = append(shards, &Shard{
					Path:    filepath.Join(s.root, year.name, month.name, entry.Name()),
					Day:     day,
					Records: s.Load(day),
				})
			}
		}
	}

	return shards, nil
}

// Latest returns the most recent shard in the tree, or nil when the log is
// empty.
func (s *Store) Latest() (*Shard, error) {
	years, err := readNumericDirs(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}

	for i := len(years) - 1; i >= 0; i-- {
		months, err := readNumericDirs(filepath.Join(s.root, years[i].name))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for j := len(months) - 1; j >= 0; j-- {
			entries, err := os.ReadDir(filepath.Join(s.root, years[i].name, months[j].name))
			if err != nil {
				return nil, errors.WithStack(err)
			}
			sort.Slice(entries, func(a, b int) bool { return entries[a].Name() > entries[b].Name() })
			for _, entry := range entries {
				if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
					continue
				}
				dayNum, err := strconv.Atoi(entry.Name()[:len(entry.Name())-len(".json")])
				if err != nil {
					continue
				}
				day := time.Date(years[i].value, time.Month(months[j].value), dayNum, 0, 0, 0, 0, s.loc)
				return &Shard{
					Path:    filepath.Join(s.root, years[i].name, months[j].name, entry.Name()),
					Day:     day,
					Records: s.Load(day),
				}, nil
			}
		}
	}

	return nil, nil
}

// Load reads one day's shard. A missing file or malformed JSON yields an
// empty result; both are logged and never surfaced as an error.
func (s *Store) Load(day time.Time) []*models.HistoryRecord {
	path := s.ShardPath(day)

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Err(err).Warn("shard read error", logger.Data{"path": path})
		}
		return []*models.HistoryRecord{}
	}

	records := []*models.HistoryRecord{}
	if err := json.Unmarshal(data, &records); err != nil {
		s.log.Err(err).Warn("shard contains malformed JSON", logger.Data{"path": path})
		return []*models.HistoryRecord{}
	}

	for _, r := range records {
		r.Normalize()
	}

	return records
}

// AppendOrCreate concatenates records onto a day's shard, creating the file
// and its parent directories when absent. It does not deduplicate; callers
// are responsible for only handing over new records.
func (s *Store) AppendOrCreate(day time.Time, records []*models.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	existing := s.Load(day)
	merged := append(existing, records...)
	return s.write(s.ShardPath(day), merged)
}

// ReplaceWithBackup overwrites a day's shard with the given records, first
// copying any existing content to a timestamped backup so the previous
// version stays recoverable.
func (s *Store) ReplaceWithBackup(day time.Time, records []*models.HistoryRecord) error {
	path := s.ShardPath(day)

	data, err := os.ReadFile(path)
	if err == nil {
		backupPath := s.backupPath(day, time.Now().In(s.loc))
		if err := os.MkdirAll(filepath.Dir(backupPath), 0755); err != nil {
			return errors.WithStack(err)
		}
		if err := os.WriteFile(backupPath, data, 0644); err != nil { //nolint:gosec
			return errors.WithStack(err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return errors.WithStack(err)
	}

	return s.write(path, records)
}

func (s *Store) backupPath(day, now time.Time) string {
	day = day.In(s.loc)
	return filepath.Join(
		s.backupRoot,
		fmt.Sprintf("%04d", day.Year()),
		fmt.Sprintf("%02d", int(day.Month())),
		fmt.Sprintf("%02d.json.%s.bak", day.Day(), now.Format(backupTimestampFormat)),
	)
}

func (s *Store) write(path string, records []*models.HistoryRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WithStack(err)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}

	// Shard files should be readable by users and other applications.
	return errors.WithStack(os.WriteFile(path, data, 0644)) //nolint:gosec
}

type numericDir struct {
	name  string
	value int
}

func readNumericDirs(path string) ([]numericDir, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	dirs := []numericDir{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		value, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		dirs = append(dirs, numericDir{name: entry.Name(), value: value})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].name < dirs[j].name })

	return dirs, nil
}
