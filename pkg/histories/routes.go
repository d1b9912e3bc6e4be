package histories

import (
	"github.com/bilisync/bilisync/pkg/config"
	"github.com/bilisync/bilisync/pkg/jobs"
	"github.com/bilisync/bilisync/pkg/snowflake"
	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

// RegisterRoutesWithGroup registers history routes on a pre-configured group.
func RegisterRoutesWithGroup(g *echo.Group, db *bun.DB, cfg *config.Config, idgen *snowflake.Generator) {
	h := &handler{
		historyService: NewService(db, idgen),
		jobService:     jobs.NewService(db),
		loc:            cfg.Location,
	}

	g.GET("", h.list)
	g.GET("/stats", h.stats)
	g.POST("/ingest", h.triggerIngest)
	g.POST("/sync", h.triggerSync)
	g.POST("/audit", h.triggerAudit)
}
