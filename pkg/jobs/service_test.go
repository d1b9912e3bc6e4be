package jobs

import (
	"context"
	"database/sql"
	"testing"

	"github.com/bilisync/bilisync/pkg/errcodes"
	"github.com/bilisync/bilisync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = db.Exec(`CREATE TABLE jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT,
		result TEXT,
		error TEXT,
		process_id TEXT
	)`)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	job := &models.Job{
		Type:       models.JobTypeSync,
		Status:     models.JobStatusPending,
		DataParsed: &models.JobSyncData{SkipDBToJSON: true},
	}
	require.NoError(t, svc.CreateJob(ctx, job))
	assert.NotZero(t, job.ID)
	assert.False(t, job.CreatedAt.IsZero())

	fetched, err := svc.RetrieveJob(ctx, RetrieveJobOptions{ID: &job.ID})
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeSync, fetched.Type)

	data, ok := fetched.DataParsed.(*models.JobSyncData)
	require.True(t, ok)
	assert.True(t, data.SkipDBToJSON)
	assert.False(t, data.SkipJSONToDB)
}

func TestRetrieveJob_NotFound(t *testing.T) {
	t.Parallel()
	svc := NewService(setupTestDB(t))

	id := 42
	_, err := svc.RetrieveJob(context.Background(), RetrieveJobOptions{ID: &id})
	assert.ErrorIs(t, err, errcodes.NotFound("Job"))
}

func TestHasActiveJobByType(t *testing.T) {
	t.Parallel()
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	active, err := svc.HasActiveJobByType(ctx, models.JobTypeIngest)
	require.NoError(t, err)
	assert.False(t, active)

	job := &models.Job{
		Type:       models.JobTypeIngest,
		Status:     models.JobStatusPending,
		DataParsed: &models.JobIngestData{},
	}
	require.NoError(t, svc.CreateJob(ctx, job))

	active, err = svc.HasActiveJobByType(ctx, models.JobTypeIngest)
	require.NoError(t, err)
	assert.True(t, active)

	// A different type stays inactive.
	active, err = svc.HasActiveJobByType(ctx, models.JobTypeAudit)
	require.NoError(t, err)
	assert.False(t, active)

	job.Status = models.JobStatusCompleted
	require.NoError(t, svc.UpdateJob(ctx, job, UpdateJobOptions{Columns: []string{"status"}}))

	active, err = svc.HasActiveJobByType(ctx, models.JobTypeIngest)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestListJobsWithTotal(t *testing.T) {
	t.Parallel()
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	for _, status := range []string{
		models.JobStatusPending,
		models.JobStatusCompleted,
		models.JobStatusFailed,
	} {
		job := &models.Job{
			Type:       models.JobTypeAudit,
			Status:     status,
			DataParsed: &models.JobAuditData{},
		}
		require.NoError(t, svc.CreateJob(ctx, job))
	}

	jobs, total, err := svc.ListJobsWithTotal(ctx, ListJobsOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, jobs, 3)

	jobs, total, err = svc.ListJobsWithTotal(ctx, ListJobsOptions{
		Statuses: []string{models.JobStatusPending, models.JobStatusFailed},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, jobs, 2)
}

func TestUpdateJob(t *testing.T) {
	t.Parallel()
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	job := &models.Job{
		Type:       models.JobTypeSync,
		Status:     models.JobStatusPending,
		DataParsed: &models.JobSyncData{},
	}
	require.NoError(t, svc.CreateJob(ctx, job))

	errMsg := "remote unavailable"
	job.Status = models.JobStatusFailed
	job.Error = &errMsg
	require.NoError(t, svc.UpdateJob(ctx, job, UpdateJobOptions{Columns: []string{"status", "error"}}))

	fetched, err := svc.RetrieveJob(ctx, RetrieveJobOptions{ID: &job.ID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, fetched.Status)
	require.NotNil(t, fetched.Error)
	assert.Equal(t, errMsg, *fetched.Error)

	// No columns means no write.
	require.NoError(t, svc.UpdateJob(ctx, fetched, UpdateJobOptions{}))
}
