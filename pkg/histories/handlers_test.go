package histories

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bilisync/bilisync/pkg/binder"
	"github.com/bilisync/bilisync/pkg/config"
	"github.com/bilisync/bilisync/pkg/errcodes"
	"github.com/bilisync/bilisync/pkg/migrations"
	"github.com/bilisync/bilisync/pkg/models"
	"github.com/bilisync/bilisync/pkg/snowflake"
	"github.com/labstack/echo/v4"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupHandlerTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func setupEcho(t *testing.T, db *bun.DB) (*echo.Echo, *Service) {
	t.Helper()

	e := echo.New()
	b, err := binder.New()
	require.NoError(t, err)
	e.Binder = b
	e.HTTPErrorHandler = errcodes.NewHandler().Handle

	idgen, err := snowflake.New(1)
	require.NoError(t, err)

	cfg := config.NewForTest()
	RegisterRoutesWithGroup(e.Group("/history"), db, cfg, idgen)

	return e, NewService(db, idgen)
}

func executeRequest(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)
	return rr
}

func TestListHandler(t *testing.T) {
	t.Parallel()
	db := setupHandlerTestDB(t)
	e, svc := setupEcho(t, db)
	ctx := context.Background()

	// No table yet.
	rr := executeRequest(e, http.MethodGet, "/history?year=2024", "")
	require.Equal(t, http.StatusOK, rr.Code)

	resp := struct {
		Records []*models.HistoryRow `json:"records"`
		Total   int                  `json:"total"`
	}{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Empty(t, resp.Records)
	assert.Equal(t, 0, resp.Total)

	day := time.Date(2024, time.May, 5, 0, 0, 0, 0, time.UTC)
	_, err := svc.InsertRecords(ctx, 2024, []*models.HistoryRecord{
		{
			Title:  "A",
			ViewAt: day.Unix() + 10,
			History: models.HistoryPointer{
				Oid:      1,
				Bvid:     "BV1a",
				Business: models.BusinessArchive,
			},
		},
		{
			Title:  "B",
			ViewAt: day.Unix() + 20,
			History: models.HistoryPointer{
				Oid:      2,
				Bvid:     "BV1b",
				Business: models.BusinessArchive,
			},
		},
	})
	require.NoError(t, err)

	rr = executeRequest(e, http.MethodGet, "/history?year=2024&limit=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, "B", resp.Records[0].Title)
}

func TestStatsHandler(t *testing.T) {
	t.Parallel()
	db := setupHandlerTestDB(t)
	e, svc := setupEcho(t, db)
	ctx := context.Background()

	for _, year := range []int{2023, 2024} {
		day := time.Date(year, time.May, 5, 0, 0, 0, 0, time.UTC)
		_, err := svc.InsertRecords(ctx, year, []*models.HistoryRecord{
			{
				Title:  "A",
				ViewAt: day.Unix() + 10,
				History: models.HistoryPointer{
					Oid:      int64(year),
					Bvid:     "BV1a",
					Business: models.BusinessArchive,
				},
			},
		})
		require.NoError(t, err)
	}

	rr := executeRequest(e, http.MethodGet, "/history/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)

	resp := struct {
		Years []struct {
			Year  int `json:"year"`
			Count int `json:"count"`
		} `json:"years"`
		Total int `json:"total"`
	}{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Years, 2)
	assert.Equal(t, 2, resp.Total)
}

func TestTriggerHandlers(t *testing.T) {
	t.Parallel()
	db := setupHandlerTestDB(t)
	e, _ := setupEcho(t, db)

	rr := executeRequest(e, http.MethodPost, "/history/ingest", "")
	require.Equal(t, http.StatusOK, rr.Code)

	job := &models.Job{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), job))
	assert.Equal(t, models.JobTypeIngest, job.Type)
	assert.Equal(t, models.JobStatusPending, job.Status)

	// A second trigger while one is pending conflicts.
	rr = executeRequest(e, http.MethodPost, "/history/ingest", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	// Other types are unaffected.
	rr = executeRequest(e, http.MethodPost, "/history/audit", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTriggerSyncHandler(t *testing.T) {
	t.Parallel()
	db := setupHandlerTestDB(t)
	e, _ := setupEcho(t, db)

	rr := executeRequest(e, http.MethodPost, "/history/sync", `{"skip_db_to_json":true}`)
	require.Equal(t, http.StatusOK, rr.Code)

	job := &models.Job{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), job))
	assert.Equal(t, models.JobTypeSync, job.Type)

	data, ok := job.DataParsed.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["skip_db_to_json"])

	// Empty body is allowed and defaults both passes on.
	rr = executeRequest(e, http.MethodPost, "/history/sync", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}
