package jobs

import "github.com/bilisync/bilisync/pkg/models"

type CreateJobPayload struct {
	// Data only carries options for sync jobs. Ingest and audit take none.
	Type string              `json:"type" validate:"required,oneof=ingest sync audit"`
	Data *models.JobSyncData `json:"data,omitempty"`
}

type ListJobsQuery struct {
	Limit  int      `query:"limit" json:"limit,omitempty" default:"10" validate:"min=1,max=100"`
	Offset int      `query:"offset" json:"offset,omitempty" validate:"min=0"`
	Status []string `query:"status" json:"status,omitempty" validate:"dive,oneof=pending in_progress completed failed"`
}
