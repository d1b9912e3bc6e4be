package models

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// HistoryRow is one HistoryRecord flattened into a per-year relational table.
// The bun table name here is a placeholder; every query selects the concrete
// year table via ModelTableExpr (see HistoryTableName).
type HistoryRow struct {
	bun.BaseModel `bun:"table:history,alias:h"`

	ID           int64   `bun:",pk" json:"id"`
	Title        string  `bun:",nullzero" json:"title"`
	LongTitle    string  `bun:",nullzero" json:"long_title,omitempty"`
	Cover        string  `bun:",nullzero" json:"cover,omitempty"`
	URI          string  `bun:",nullzero" json:"uri,omitempty"`
	Oid          int64   `json:"oid"`
	Epid         int64   `json:"epid,omitempty"`
	Bvid         string  `bun:",nullzero" json:"bvid"`
	Cid          int64   `json:"cid,omitempty"`
	Page         int     `json:"page,omitempty"`
	Part         string  `bun:",nullzero" json:"part,omitempty"`
	Business     string  `bun:",nullzero" json:"business"`
	Dt           int     `json:"dt,omitempty"`
	Videos       int     `json:"videos,omitempty"`
	AuthorName   string  `bun:",nullzero" json:"author_name,omitempty"`
	AuthorFace   string  `bun:",nullzero" json:"author_face,omitempty"`
	AuthorMid    int64   `json:"author_mid,omitempty"`
	ViewAt       int64   `json:"view_at"`
	Progress     int     `json:"progress,omitempty"`
	Badge        string  `bun:",nullzero" json:"badge,omitempty"`
	ShowTitle    string  `bun:",nullzero" json:"show_title,omitempty"`
	Duration     int     `json:"duration,omitempty"`
	Total        int     `json:"total,omitempty"`
	NewDesc      string  `bun:",nullzero" json:"new_desc,omitempty"`
	IsFinish     int     `json:"is_finish,omitempty"`
	IsFav        int     `json:"is_fav,omitempty"`
	Kid          int64   `json:"kid,omitempty"`
	TagName      string  `bun:",nullzero" json:"tag_name,omitempty"`
	LiveStatus   int     `json:"live_status,omitempty"`
	MainCategory *string `json:"main_category"`
}

// HistoryTableName returns the relational table for a calendar year.
func HistoryTableName(year int) string {
	return fmt.Sprintf("history_%d", year)
}

func (row *HistoryRow) Key() RecordKey {
	return RecordKey{ViewAt: row.ViewAt, Bvid: row.Bvid}
}

func (row *HistoryRow) Day(loc *time.Location) time.Time {
	t := time.Unix(row.ViewAt, 0).In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// RowFromRecord flattens a shard record into a relational row. The id is left
// zero; the caller assigns one at insert time.
func RowFromRecord(r *HistoryRecord) *HistoryRow {
	return &HistoryRow{
		Title:        r.Title,
		LongTitle:    r.LongTitle,
		Cover:        r.Cover,
		URI:          r.URI,
		Oid:          r.History.Oid,
		Epid:         r.History.Epid,
		Bvid:         r.History.Bvid,
		Cid:          r.History.Cid,
		Page:         r.History.Page,
		Part:         r.History.Part,
		Business:     r.History.Business,
		Dt:           r.History.Dt,
		Videos:       r.Videos,
		AuthorName:   r.AuthorName,
		AuthorFace:   r.AuthorFace,
		AuthorMid:    r.AuthorMid,
		ViewAt:       r.ViewAt,
		Progress:     r.Progress,
		Badge:        r.Badge,
		ShowTitle:    r.ShowTitle,
		Duration:     r.Duration,
		Total:        r.Total,
		NewDesc:      r.NewDesc,
		IsFinish:     r.IsFinish,
		IsFav:        r.IsFav,
		Kid:          r.Kid,
		TagName:      r.TagName,
		LiveStatus:   r.LiveStatus,
		MainCategory: r.MainCategory(),
	}
}

// RecordFromRow restores the shard-file shape of a relational row. Fields the
// relational schema doesn't keep (covers, current) come back as defaults.
func RecordFromRow(row *HistoryRow) *HistoryRecord {
	r := &HistoryRecord{
		Title:     row.Title,
		LongTitle: row.LongTitle,
		Cover:     row.Cover,
		URI:       row.URI,
		History: HistoryPointer{
			Oid:      row.Oid,
			Epid:     row.Epid,
			Bvid:     row.Bvid,
			Cid:      row.Cid,
			Page:     row.Page,
			Part:     row.Part,
			Business: row.Business,
			Dt:       row.Dt,
		},
		Videos:     row.Videos,
		AuthorName: row.AuthorName,
		AuthorFace: row.AuthorFace,
		AuthorMid:  row.AuthorMid,
		ViewAt:     row.ViewAt,
		Progress:   row.Progress,
		Badge:      row.Badge,
		ShowTitle:  row.ShowTitle,
		Duration:   row.Duration,
		Total:      row.Total,
		NewDesc:    row.NewDesc,
		IsFinish:   row.IsFinish,
		IsFav:      row.IsFav,
		Kid:        row.Kid,
		TagName:    row.TagName,
		LiveStatus: row.LiveStatus,
	}
	r.Normalize()
	return r
}
