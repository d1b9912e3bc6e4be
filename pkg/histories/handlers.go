package histories

import (
	"net/http"
	"time"

	"github.com/bilisync/bilisync/pkg/errcodes"
	"github.com/bilisync/bilisync/pkg/jobs"
	"github.com/bilisync/bilisync/pkg/models"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

type handler struct {
	historyService *Service
	jobService     *jobs.Service
	loc            *time.Location
}

func (h *handler) list(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := ListHistoryQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	year := time.Now().In(h.loc).Year()
	if params.Year != nil {
		year = *params.Year
	}

	resp := struct {
		Records []*models.HistoryRow `json:"records"`
		Total   int                  `json:"total"`
	}{Records: []*models.HistoryRow{}}

	// A year with no table has no records yet.
	exists, err := h.historyService.TableExists(ctx, year)
	if err != nil {
		return errors.WithStack(err)
	}
	if !exists {
		return errors.WithStack(c.JSON(http.StatusOK, resp))
	}

	rows, total, err := h.historyService.ListRowsWithTotal(ctx, year, ListRowsOptions{
		Limit:  &params.Limit,
		Offset: &params.Offset,
		From:   params.From,
		To:     params.To,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	resp.Records = rows
	resp.Total = total
	return errors.WithStack(c.JSON(http.StatusOK, resp))
}

func (h *handler) stats(c echo.Context) error {
	ctx := c.Request().Context()

	years, err := h.historyService.ListYears(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	type yearStats struct {
		Year  int `json:"year"`
		Count int `json:"count"`
	}

	resp := struct {
		Years []yearStats `json:"years"`
		Total int         `json:"total"`
	}{Years: []yearStats{}}

	for _, year := range years {
		count, err := h.historyService.CountInRange(ctx, year, 0, time.Now().Unix()+1)
		if err != nil {
			return errors.WithStack(err)
		}
		resp.Years = append(resp.Years, yearStats{Year: year, Count: count})
		resp.Total += count
	}

	return errors.WithStack(c.JSON(http.StatusOK, resp))
}

func (h *handler) triggerIngest(c echo.Context) error {
	return h.enqueue(c, models.JobTypeIngest, &models.JobIngestData{})
}

func (h *handler) triggerSync(c echo.Context) error {
	c.Set("disallow_empty_body", false)

	params := SyncPayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	return h.enqueue(c, models.JobTypeSync, &models.JobSyncData{
		SkipJSONToDB: params.SkipJSONToDB,
		SkipDBToJSON: params.SkipDBToJSON,
	})
}

func (h *handler) triggerAudit(c echo.Context) error {
	return h.enqueue(c, models.JobTypeAudit, &models.JobAuditData{})
}

func (h *handler) enqueue(c echo.Context, jobType string, data interface{}) error {
	ctx := c.Request().Context()

	hasActive, err := h.jobService.HasActiveJobByType(ctx, jobType)
	if err != nil {
		return errors.WithStack(err)
	}
	if hasActive {
		return errcodes.Conflict("A " + jobType + " job is already running or pending.")
	}

	job := &models.Job{
		Type:       jobType,
		Status:     models.JobStatusPending,
		DataParsed: data,
	}
	if err := h.jobService.CreateJob(ctx, job); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, job))
}
