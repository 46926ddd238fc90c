package http

import (
    "context"
    "errors"
    "net/http"
    "strconv"
    "strings"

    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"

    "github.com/aadiby/epic-dod-management/internal/config"
    "github.com/aadiby/epic-dod-management/internal/domain"
    "github.com/aadiby/epic-dod-management/internal/services"
)

type service interface {
    RunSync(ctx context.Context, trigger, actor string) (domain.SyncRun, error)
    GetSyncStatus(ctx context.Context) (services.SyncStatus, error)
    ComputeMetrics(ctx context.Context, f services.ScopeFilter) (services.MetricsResult, error)
    ListEpics(ctx context.Context, f services.ScopeFilter) (services.EpicList, error)
    ListNonCompliantEpics(ctx context.Context, f services.ScopeFilter) (services.EpicList, error)
    RequestNudge(ctx context.Context, epicKey string, recipients []string, actor string) (services.NudgeResult, error)
    ListNudgeHistory(ctx context.Context, f services.ScopeFilter, limit int) (services.NudgeHistory, error)
    ListTeams(ctx context.Context) (services.TeamList, error)
    SetTeamRecipients(ctx context.Context, teamKey string, recipients []string) (*services.TeamView, error)
    SetTeamScrumMasters(ctx context.Context, teamKey string, scrumMasters []string) (*services.TeamView, error)
}

type Handlers struct {
    cfg config.Config
    log zerolog.Logger
    svc service
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc service) *Handlers {
    return &Handlers{cfg: cfg, log: log, svc: svc}
}

func (h *Handlers) Healthz(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{"ok": true})
}

func actorFrom(c *gin.Context) string {
    if actor := strings.TrimSpace(c.GetHeader("X-Actor")); actor != "" { return actor }
    return "anonymous"
}

func parseCSV(raw string) []string {
    var out []string
    for _, item := range strings.Split(raw, ",") {
        if v := strings.TrimSpace(item); v != "" { out = append(out, v) }
    }
    return out
}

func scopeFilterFrom(c *gin.Context) services.ScopeFilter {
    f := services.ScopeFilter{
        Squads:           parseCSV(c.Query("squad")),
        Category:         strings.TrimSpace(c.Query("category")),
        EpicStatus:       strings.ToLower(strings.TrimSpace(c.Query("epic_status"))),
        ComplianceStatus: strings.ToLower(strings.TrimSpace(c.Query("compliance_status"))),
    }
    if raw := strings.TrimSpace(c.Query("sprint_snapshot_id")); raw != "" {
        if id, err := strconv.ParseInt(raw, 10, 64); err == nil { f.SprintSnapshotID = id }
    }
    switch f.EpicStatus {
    case "open", "done":
    default:
        f.EpicStatus = "all"
    }
    switch f.ComplianceStatus {
    case "compliant", "non_compliant":
    default:
        f.ComplianceStatus = "all"
    }
    return f
}

func (h *Handlers) internalError(c *gin.Context, err error) {
    h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
    c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (h *Handlers) Metrics(c *gin.Context) {
    out, err := h.svc.ComputeMetrics(c.Request.Context(), scopeFilterFrom(c))
    if err != nil { h.internalError(c, err); return }
    c.JSON(http.StatusOK, out)
}

func (h *Handlers) Epics(c *gin.Context) {
    out, err := h.svc.ListEpics(c.Request.Context(), scopeFilterFrom(c))
    if err != nil { h.internalError(c, err); return }
    c.JSON(http.StatusOK, out)
}

func (h *Handlers) NonCompliantEpics(c *gin.Context) {
    out, err := h.svc.ListNonCompliantEpics(c.Request.Context(), scopeFilterFrom(c))
    if err != nil { h.internalError(c, err); return }
    c.JSON(http.StatusOK, out)
}

func (h *Handlers) NudgeEpic(c *gin.Context) {
    var body struct {
        Recipients []string `json:"recipients"`
    }
    _ = c.ShouldBindJSON(&body)

    result, err := h.svc.RequestNudge(c.Request.Context(), c.Param("key"), body.Recipients, actorFrom(c))
    if err != nil { h.internalError(c, err); return }
    if result.Outcome == services.NudgeOutcomeSent {
        c.JSON(http.StatusOK, result)
        return
    }
    status := http.StatusBadRequest
    switch result.Reason {
    case services.NudgeRejectNoSnapshot, services.NudgeRejectEpicNotFound:
        status = http.StatusNotFound
    case services.NudgeRejectCooldownActive:
        status = http.StatusTooManyRequests
    }
    c.JSON(status, result)
}

func (h *Handlers) NudgeHistory(c *gin.Context) {
    limit := 50
    if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
        if n, err := strconv.Atoi(raw); err == nil { limit = n }
    }
    out, err := h.svc.ListNudgeHistory(c.Request.Context(), scopeFilterFrom(c), limit)
    if err != nil { h.internalError(c, err); return }
    c.JSON(http.StatusOK, out)
}

func (h *Handlers) Teams(c *gin.Context) {
    out, err := h.svc.ListTeams(c.Request.Context())
    if err != nil { h.internalError(c, err); return }
    c.JSON(http.StatusOK, out)
}

func (h *Handlers) TeamRecipients(c *gin.Context) {
    var body struct {
        Recipients *[]string `json:"recipients"`
    }
    if err := c.ShouldBindJSON(&body); err != nil || body.Recipients == nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "field 'recipients' must be a list"})
        return
    }
    team, err := h.svc.SetTeamRecipients(c.Request.Context(), c.Param("key"), *body.Recipients)
    if err != nil { h.internalError(c, err); return }
    if team == nil {
        c.JSON(http.StatusNotFound, gin.H{"error": "team not found"})
        return
    }
    c.JSON(http.StatusOK, gin.H{"detail": "team recipients updated", "team": team})
}

func (h *Handlers) TeamScrumMasters(c *gin.Context) {
    var body struct {
        ScrumMasters *[]string `json:"scrum_masters"`
    }
    if err := c.ShouldBindJSON(&body); err != nil || body.ScrumMasters == nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "field 'scrum_masters' must be a list"})
        return
    }
    team, err := h.svc.SetTeamScrumMasters(c.Request.Context(), c.Param("key"), *body.ScrumMasters)
    if err != nil { h.internalError(c, err); return }
    if team == nil {
        c.JSON(http.StatusNotFound, gin.H{"error": "team not found"})
        return
    }
    c.JSON(http.StatusOK, gin.H{"detail": "team scrum masters updated", "team": team})
}

func (h *Handlers) SyncStatus(c *gin.Context) {
    out, err := h.svc.GetSyncStatus(c.Request.Context())
    if err != nil { h.internalError(c, err); return }
    c.JSON(http.StatusOK, out)
}

// RunSync executes a full sync inline and reports the finished run. A sync
// already holding the project lock yields 409 instead of queueing.
func (h *Handlers) RunSync(c *gin.Context) {
    run, err := h.svc.RunSync(c.Request.Context(), domain.SyncTriggerManual, actorFrom(c))
    if errors.Is(err, domain.ErrConcurrentSync) {
        c.JSON(http.StatusConflict, gin.H{"error": "a sync is already running"})
        return
    }
    if err != nil { h.internalError(c, err); return }
    c.JSON(http.StatusOK, gin.H{"detail": "sync finished", "run": runPayload(run)})
}

func runPayload(run domain.SyncRun) gin.H {
    return gin.H{
        "id":                 run.ID,
        "status":             run.Status,
        "trigger":            run.Trigger,
        "triggered_by":       run.TriggeredBy,
        "project_key":        run.ProjectKey,
        "sprint_snapshots":   run.SprintSnapshots,
        "epic_snapshots":     run.EpicSnapshots,
        "dod_task_snapshots": run.DoDTaskSnapshots,
        "error_message":      run.ErrorMessage,
    }
}
