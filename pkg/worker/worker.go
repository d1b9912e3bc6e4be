package worker

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/bilisync/bilisync/pkg/audit"
	"github.com/bilisync/bilisync/pkg/config"
	"github.com/bilisync/bilisync/pkg/histories"
	"github.com/bilisync/bilisync/pkg/ingest"
	"github.com/bilisync/bilisync/pkg/jobs"
	"github.com/bilisync/bilisync/pkg/models"
	"github.com/bilisync/bilisync/pkg/reconcile"
	"github.com/bilisync/bilisync/pkg/shardlog"
	"github.com/bilisync/bilisync/pkg/snowflake"
	"github.com/google/uuid"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/uptrace/bun"
)

var processID = randStringBytes(8)

type Worker struct {
	config *config.Config
	log    logger.Logger

	processFuncs map[string]func(ctx context.Context, job *models.Job) error

	jobService       *jobs.Service
	ingestor         *ingest.Ingestor
	reconcileService *reconcile.Service
	auditService     *audit.Service

	queue          chan *models.Job
	shutdown       chan struct{}
	doneFetching   chan struct{}
	doneProcessing chan struct{}
}

func New(cfg *config.Config, db *bun.DB) (*Worker, error) {
	idgen, err := snowflake.New(machineID(cfg.Hostname))
	if err != nil {
		return nil, err
	}

	shards := shardlog.New(cfg.ShardRoot(), cfg.BackupRoot(), cfg.Location)
	historyService := histories.NewService(db, idgen)
	client := ingest.NewClient(cfg.RemoteBaseURL, cfg.RemoteCookie, cfg.IngestPageSize)
	ledgers := ingest.NewLedgerService(db)

	w := &Worker{
		config: cfg,
		log:    logger.New(),

		jobService:       jobs.NewService(db),
		ingestor:         ingest.New(client, shards, ledgers, cfg.Location, cfg.IngestPageDelay, cfg.IngestDupeCutoff),
		reconcileService: reconcile.NewService(shards, historyService, cfg.Location, cfg.ReportDir()),
		auditService:     audit.NewService(shards, historyService, cfg.Location, cfg.ReportDir()),

		queue:          make(chan *models.Job, cfg.WorkerProcesses),
		shutdown:       make(chan struct{}),
		doneFetching:   make(chan struct{}),
		doneProcessing: make(chan struct{}, cfg.WorkerProcesses),
	}

	w.processFuncs = map[string]func(ctx context.Context, job *models.Job) error{
		models.JobTypeIngest: w.ProcessIngestJob,
		models.JobTypeSync:   w.ProcessSyncJob,
		models.JobTypeAudit:  w.ProcessAuditJob,
	}

	return w, nil
}

// machineID folds the hostname into the snowflake machine ID space so that
// distinct hosts sharing a database are unlikely to collide.
func machineID(hostname string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hostname))
	return int64(h.Sum32() % 1024)
}

func (w *Worker) Start() {
	go w.fetchJobs()
	for i := 0; i < w.config.WorkerProcesses; i++ {
		go w.processJobs()
	}
}

func (w *Worker) fetchJobs() {
	duration := 5 * time.Second
	timer := time.NewTimer(duration)

	for {
		select {
		case <-w.shutdown:
			// We're shutting down, so stop adding more jobs to the queue.
			w.doneFetching <- struct{}{}
			return
		case <-timer.C:
			j, err := w.jobService.ListJobs(context.Background(), jobs.ListJobsOptions{
				Limit:              pointerutil.Int(1),
				Statuses:           []string{models.JobStatusPending, models.JobStatusInProgress},
				ProcessIDToExclude: &processID,
			})
			if err != nil {
				w.log.Err(err).Error("list jobs error")
				timer.Reset(duration)
				continue
			}
			for _, job := range j {
				w.queue <- job
			}
			timer.Reset(duration)
		}
	}
}

func (w *Worker) processJobs() {
	for {
		select {
		case <-w.shutdown:
			w.doneProcessing <- struct{}{}
			return
		case job := <-w.queue:
			// Prep the context to be passed down to the process function.
			id, err := uuid.NewRandom()
			if err != nil {
				w.log.Err(err).Error("new uuid error")
				continue
			}
			log := w.log.ID(id.String()).Root(logger.Data{"job_id": job.ID, "type": job.Type, "process_id": processID})
			ctx := log.WithContext(context.Background())

			// Update job to be in progress and claimed by this process.
			job.Status = models.JobStatusInProgress
			job.ProcessID = &processID

			err = w.jobService.UpdateJob(ctx, job, jobs.UpdateJobOptions{
				Columns: []string{"status", "process_id"},
			})
			if err != nil {
				log.Err(err).Error("update job error")
				continue
			}

			// Find and invoke the appropriate process function.
			fn, ok := w.processFuncs[job.Type]
			if !ok {
				log.Warn("can't find process function for type")
				w.finishJob(ctx, job, models.JobStatusFailed, pointerutil.String("unknown job type"))
				continue
			}
			err = fn(ctx, job)
			if err != nil {
				log.Err(err).Error("process error")
				w.finishJob(ctx, job, models.JobStatusFailed, pointerutil.String(err.Error()))
				continue
			}

			// Update job to be completed so that it's not picked up anymore.
			w.finishJob(ctx, job, models.JobStatusCompleted, nil)
		}
	}
}

func (w *Worker) finishJob(ctx context.Context, job *models.Job, status string, errMsg *string) {
	job.Status = status
	job.Error = errMsg

	columns := []string{"status", "error", "result"}
	err := w.jobService.UpdateJob(ctx, job, jobs.UpdateJobOptions{Columns: columns})
	if err != nil {
		logger.FromContext(ctx).Err(err).Error("update job error")
	}
}

func (w *Worker) Shutdown() {
	close(w.shutdown)

	<-w.doneFetching
	for i := 0; i < w.config.WorkerProcesses; i++ {
		<-w.doneProcessing
	}
}

const letterBytes = "abcdef0123456789"

func randStringBytes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return string(b)
}
