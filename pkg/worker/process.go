package worker

import (
	"context"

	"github.com/bilisync/bilisync/pkg/models"
	"github.com/bilisync/bilisync/pkg/reconcile"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
)

// ProcessIngestJob pulls new history pages from the remote API and appends
// them to the sharded JSON log.
func (w *Worker) ProcessIngestJob(ctx context.Context, job *models.Job) error {
	log := logger.FromContext(ctx)

	result, err := w.ingestor.Run(ctx)
	if err != nil {
		return err
	}

	log.Info("ingest complete", logger.Data{
		"pages":       result.Pages,
		"fetched":     result.Fetched,
		"accepted":    result.Accepted,
		"stop_reason": result.StopReason,
	})

	return setJobResult(job, result)
}

// ProcessSyncJob runs the bidirectional reconciliation between the JSON log
// and the per-year tables.
func (w *Worker) ProcessSyncJob(ctx context.Context, job *models.Job) error {
	log := logger.FromContext(ctx)

	opts := reconcile.SyncOptions{}
	if data, ok := job.DataParsed.(*models.JobSyncData); ok && data != nil {
		opts.SkipJSONToDB = data.SkipJSONToDB
		opts.SkipDBToJSON = data.SkipDBToJSON
	}

	result, err := w.reconcileService.Sync(ctx, opts)
	if err != nil {
		return err
	}

	log.Info("sync complete", logger.Data{
		"json_to_db": result.JSONToDB,
		"db_to_json": result.DBToJSON,
		"total":      result.Total,
	})

	return setJobResult(job, result)
}

// ProcessAuditJob compares the two stores without mutating either.
func (w *Worker) ProcessAuditJob(ctx context.Context, job *models.Job) error {
	log := logger.FromContext(ctx)

	report, err := w.auditService.Audit(ctx)
	if err != nil {
		return err
	}

	log.Info("audit complete", logger.Data{
		"total_json":    report.TotalJSON,
		"total_db":      report.TotalDB,
		"matching_days": report.MatchingDays,
		"missing_days":  report.MissingDays,
		"extra_days":    report.ExtraDays,
	})

	return setJobResult(job, report)
}

func setJobResult(job *models.Job, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.WithStack(err)
	}
	s := string(data)
	job.Result = &s
	return nil
}
