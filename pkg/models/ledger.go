package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

// SyncLedger is the single persisted row tracking ingest state across runs:
// every pagination cursor already consumed (to detect a cycling upstream
// cursor) and the accumulated set of known platform object ids. It is loaded
// when an ingest run starts and written back only when the run finishes.
type SyncLedger struct {
	bun.BaseModel `bun:"table:sync_ledger,alias:sl"`

	ID              int       `bun:",pk,nullzero" json:"id"`
	Cursors         string    `bun:",nullzero" json:"-"`
	CursorsParsed   []string  `bun:"-" json:"cursors"`
	KnownOids       string    `bun:",nullzero" json:"-"`
	KnownOidsParsed []int64   `bun:"-" json:"known_oids"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (l *SyncLedger) UnmarshalData() error {
	l.CursorsParsed = []string{}
	l.KnownOidsParsed = []int64{}

	if l.Cursors != "" {
		if err := json.Unmarshal([]byte(l.Cursors), &l.CursorsParsed); err != nil {
			return errors.WithStack(err)
		}
	}
	if l.KnownOids != "" {
		if err := json.Unmarshal([]byte(l.KnownOids), &l.KnownOidsParsed); err != nil {
			return errors.WithStack(err)
		}
	}

	return nil
}

func (l *SyncLedger) MarshalData() error {
	cursors, err := json.Marshal(l.CursorsParsed)
	if err != nil {
		return errors.WithStack(err)
	}
	oids, err := json.Marshal(l.KnownOidsParsed)
	if err != nil {
		return errors.WithStack(err)
	}

	l.Cursors = string(cursors)
	l.KnownOids = string(oids)

	return nil
}
