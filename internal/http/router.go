package http

import (
    "github.com/gin-gonic/gin"
    "github.com/google/uuid"
    "github.com/rs/zerolog"

    "github.com/aadiby/epic-dod-management/internal/config"
)

func NewRouter(cfg config.Config, log zerolog.Logger, svc service) *gin.Engine {
    if cfg.AppEnv != "dev" { gin.SetMode(gin.ReleaseMode) }
    r := gin.New()
    r.Use(gin.Recovery())
    r.Use(func(c *gin.Context) {
        requestID := c.GetHeader("X-Request-ID")
        if requestID == "" { requestID = uuid.NewString() }
        c.Writer.Header().Set("X-Request-ID", requestID)
        c.Next()
        log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).
            Str("request_id", requestID).Msg("http")
    })

    h := NewHandlers(cfg, log, svc)

    r.GET("/healthz", h.Healthz)

    api := r.Group("/api")
    api.GET("/metrics", h.Metrics)
    api.GET("/epics", h.Epics)
    api.GET("/epics/non-compliant", h.NonCompliantEpics)
    api.POST("/epics/:key/nudge", h.NudgeEpic)
    api.GET("/nudges", h.NudgeHistory)
    api.GET("/teams", h.Teams)
    api.POST("/teams/:key/recipients", h.TeamRecipients)
    api.POST("/teams/:key/scrum-masters", h.TeamScrumMasters)
    api.GET("/sync/status", h.SyncStatus)
    api.POST("/sync/run", h.RunSync)

    return r
}
