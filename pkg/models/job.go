package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

const (
	JobStatusPending    = "pending"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

const (
	JobTypeIngest = "ingest"
	JobTypeSync   = "sync"
	JobTypeAudit  = "audit"
)

type Job struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID         int         `bun:",pk,nullzero" json:"id"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Type       string      `bun:",nullzero" json:"type"`
	Status     string      `bun:",nullzero" json:"status"`
	Data       string      `bun:",nullzero" json:"-"`
	DataParsed interface{} `bun:"-" json:"data"`
	Result     *string     `json:"result,omitempty"`
	Error      *string     `json:"error,omitempty"`
	ProcessID  *string     `json:"process_id,omitempty"`
}

func (job *Job) UnmarshalData() error {
	switch job.Type {
	case JobTypeIngest:
		job.DataParsed = &JobIngestData{}
	case JobTypeSync:
		job.DataParsed = &JobSyncData{}
	case JobTypeAudit:
		job.DataParsed = &JobAuditData{}
	}

	err := json.Unmarshal([]byte(job.Data), job.DataParsed)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

type JobIngestData struct{}

// JobSyncData selects which reconciliation passes to run. Both default to on.
type JobSyncData struct {
	SkipJSONToDB bool `json:"skip_json_to_db,omitempty"`
	SkipDBToJSON bool `json:"skip_db_to_json,omitempty"`
}

type JobAuditData struct{}
