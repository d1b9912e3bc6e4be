package models

import (
	"time"
)

const (
	BusinessArchive = "archive"
	BusinessPGC     = "pgc"
	BusinessLive    = "live"
	BusinessArticle = "article"
	BusinessCheese  = "cheese"
)

// HistoryPointer is the nested `history` object the upstream API attaches to
// every record. It identifies what was watched; none of its fields is a
// reliable unique key on its own.
type HistoryPointer struct {
	Oid      int64  `json:"oid"`
	Epid     int64  `json:"epid,omitempty"`
	Bvid     string `json:"bvid"`
	Cid      int64  `json:"cid,omitempty"`
	Page     int    `json:"page,omitempty"`
	Part     string `json:"part,omitempty"`
	Business string `json:"business"`
	Dt       int    `json:"dt,omitempty"`
}

// HistoryRecord is one watched item as it appears in the shard files and on
// the wire. ViewAt is the canonical ordering field; the practical identity of
// a record is the (ViewAt, Bvid) pair.
type HistoryRecord struct {
	Title      string         `json:"title"`
	LongTitle  string         `json:"long_title,omitempty"`
	Cover      string         `json:"cover,omitempty"`
	Covers     []string       `json:"covers,omitempty"`
	URI        string         `json:"uri,omitempty"`
	History    HistoryPointer `json:"history"`
	Videos     int            `json:"videos,omitempty"`
	AuthorName string         `json:"author_name,omitempty"`
	AuthorFace string         `json:"author_face,omitempty"`
	AuthorMid  int64          `json:"author_mid,omitempty"`
	ViewAt     int64          `json:"view_at"`
	Progress   int            `json:"progress,omitempty"`
	Badge      string         `json:"badge,omitempty"`
	ShowTitle  string         `json:"show_title,omitempty"`
	Duration   int            `json:"duration,omitempty"`
	Current    string         `json:"current,omitempty"`
	Total      int            `json:"total,omitempty"`
	NewDesc    string         `json:"new_desc,omitempty"`
	IsFinish   int            `json:"is_finish,omitempty"`
	IsFav      int            `json:"is_fav,omitempty"`
	Kid        int64          `json:"kid,omitempty"`
	TagName    string         `json:"tag_name,omitempty"`
	LiveStatus int            `json:"live_status,omitempty"`
}

// RecordKey is the dedup identity of a watch event: same video at the same
// recorded moment is the same event.
type RecordKey struct {
	ViewAt int64
	Bvid   string
}

func (r *HistoryRecord) Key() RecordKey {
	return RecordKey{ViewAt: r.ViewAt, Bvid: r.History.Bvid}
}

// Day returns the calendar day the record belongs to in the given zone.
func (r *HistoryRecord) Day(loc *time.Location) time.Time {
	t := time.Unix(r.ViewAt, 0).In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Normalize fills documented fallback values for optional fields so that
// records read from older shards or sparse API responses compare cleanly.
func (r *HistoryRecord) Normalize() {
	if r.Covers == nil {
		r.Covers = []string{}
	}
	if r.History.Business == "" {
		r.History.Business = BusinessArchive
	}
}

// MainCategory classifies a record for the relational store. Returns nil when
// the business value is unknown.
func (r *HistoryRecord) MainCategory() *string {
	var cat string
	switch r.History.Business {
	case BusinessArchive:
		cat = "video"
	case BusinessPGC:
		cat = "bangumi"
	case BusinessLive:
		cat = "live"
	case BusinessArticle:
		cat = "article"
	case BusinessCheese:
		cat = "course"
	default:
		return nil
	}
	return &cat
}
