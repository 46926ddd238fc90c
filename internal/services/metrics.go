package services

import (
    "context"
    "fmt"
    "math"
    "sort"
    "time"

    "github.com/aadiby/epic-dod-management/internal/domain"
)

// ScopeFilter narrows the snapshot scope and the epics within it.
type ScopeFilter struct {
    SprintSnapshotID int64
    Squads           []string
    Category         string
    EpicStatus       string // open | done | all
    ComplianceStatus string // compliant | non_compliant | all
}

// Scope describes which sprint snapshots a response was computed over.
// Single-snapshot scopes expose scalar sprint fields; aggregate scopes keep
// them populated with sentinel values for older clients.
type Scope struct {
    ScopeMode           string    `json:"scope_mode"`
    SprintSnapshotCount int       `json:"sprint_snapshot_count"`
    SprintSnapshotIDs   []int64   `json:"sprint_snapshot_ids"`
    SprintSnapshotID    int64     `json:"sprint_snapshot_id"`
    JiraSprintID        string    `json:"jira_sprint_id"`
    SprintName          string    `json:"sprint_name"`
    SprintState         string    `json:"sprint_state"`
    SyncTimestamp       time.Time `json:"sync_timestamp"`
}

type Summary struct {
    TotalEpics                  int     `json:"total_epics"`
    CompliantEpics              int     `json:"compliant_epics"`
    NonCompliantEpics           int     `json:"non_compliant_epics"`
    CompliancePercentage        float64 `json:"compliance_percentage"`
    EpicsWithMissingSquadLabels int     `json:"epics_with_missing_squad_labels"`
    EpicsWithInvalidSquadLabels int     `json:"epics_with_invalid_squad_labels"`
}

type TeamMetric struct {
    Team                 string  `json:"team"`
    TotalEpics           int     `json:"total_epics"`
    CompliantEpics       int     `json:"compliant_epics"`
    NonCompliantEpics    int     `json:"non_compliant_epics"`
    CompliancePercentage float64 `json:"compliance_percentage"`
    Rank                 int     `json:"rank"`
}

type CategoryMetric struct {
    Category             string  `json:"category"`
    TotalTasks           int     `json:"total_tasks"`
    CompliantTasks       int     `json:"compliant_tasks"`
    NonCompliantTasks    int     `json:"non_compliant_tasks"`
    CompliancePercentage float64 `json:"compliance_percentage"`
}

type MetricsResult struct {
    Scope      *Scope           `json:"scope"`
    Summary    Summary          `json:"summary"`
    ByTeam     []TeamMetric     `json:"by_team"`
    ByCategory []CategoryMetric `json:"by_category"`
}

type TaskView struct {
    JiraKey             string `json:"jira_key"`
    Summary             string `json:"summary"`
    Category            string `json:"category"`
    IsDone              bool   `json:"is_done"`
    JiraURL             string `json:"jira_url"`
    HasEvidenceLink     bool   `json:"has_evidence_link"`
    EvidenceLink        string `json:"evidence_link"`
    NonComplianceReason string `json:"non_compliance_reason"`
}

type NudgeState struct {
    CooldownActive   bool       `json:"cooldown_active"`
    SecondsRemaining int64      `json:"seconds_remaining"`
    LastSentAt       *time.Time `json:"last_sent_at"`
}

type EpicView struct {
    SprintSnapshotID   int64      `json:"sprint_snapshot_id"`
    JiraSprintID       string     `json:"jira_sprint_id"`
    SprintName         string     `json:"sprint_name"`
    JiraKey            string     `json:"jira_key"`
    Summary            string     `json:"summary"`
    StatusName         string     `json:"status_name"`
    ResolutionName     string     `json:"resolution_name"`
    IsDone             bool       `json:"is_done"`
    IsCompliant        bool       `json:"is_compliant"`
    JiraURL            string     `json:"jira_url"`
    Teams              []string   `json:"teams"`
    MissingSquadLabels bool       `json:"missing_squad_labels"`
    SquadLabelWarnings []string   `json:"squad_label_warnings"`
    ComplianceReasons  []string   `json:"compliance_reasons"`
    FailingDoDTasks    []TaskView `json:"failing_dod_tasks"`
    Nudge              NudgeState `json:"nudge"`
}

type EpicList struct {
    Scope *Scope     `json:"scope"`
    Count int        `json:"count"`
    Epics []EpicView `json:"epics"`
}

// epicEvaluation is the per-request verdict over an epic's tasks, scoped by
// the optional category filter. Without a filter it reproduces the stored
// verdict; with one, compliance is judged over the matching tasks only.
type epicEvaluation struct {
    compliant    bool
    reasons      []string
    failingTasks []domain.DoDTaskSnapshot
    scopedTasks  []domain.DoDTaskSnapshot
}

func evaluateEpic(epic domain.EpicSnapshot, category string) (epicEvaluation, bool) {
    scoped := epic.Tasks
    if category != "" {
        scoped = nil
        for _, t := range epic.Tasks {
            if t.Category == category { scoped = append(scoped, t) }
        }
        if len(scoped) == 0 { return epicEvaluation{}, false }
    }
    if len(scoped) == 0 {
        return epicEvaluation{compliant: false, reasons: []string{ReasonNoDoDTasks}, scopedTasks: []domain.DoDTaskSnapshot{}}, true
    }
    var failing []domain.DoDTaskSnapshot
    for _, t := range scoped {
        if !t.IsCompliant() { failing = append(failing, t) }
    }
    ev := epicEvaluation{compliant: len(failing) == 0, reasons: []string{}, failingTasks: failing, scopedTasks: scoped}
    if len(failing) > 0 { ev.reasons = []string{ReasonIncompleteTasks} }
    return ev, true
}

// resolveScope picks the sprint snapshots a request operates on: an explicit
// snapshot id wins; otherwise the latest snapshot of every active sprint;
// with no active sprints, the latest sync batch.
func (s *Service) resolveScope(ctx context.Context, snapshotID int64) ([]domain.SprintSnapshot, error) {
    if snapshotID > 0 {
        snap, err := s.store.SprintSnapshotByID(ctx, snapshotID)
        if err != nil { return nil, err }
        if snap == nil { return nil, nil }
        return []domain.SprintSnapshot{*snap}, nil
    }
    active, err := s.store.LatestActiveSnapshots(ctx)
    if err != nil { return nil, err }
    if len(active) > 0 {
        sort.Slice(active, func(i, j int) bool {
            if !active[i].SyncTimestamp.Equal(active[j].SyncTimestamp) {
                return active[i].SyncTimestamp.After(active[j].SyncTimestamp)
            }
            return active[i].ID > active[j].ID
        })
        return active, nil
    }
    return s.store.LatestSnapshotBatch(ctx)
}

func scopePayload(snapshots []domain.SprintSnapshot) *Scope {
    if len(snapshots) == 0 { return nil }
    latest := snapshots[0]
    ids := make([]int64, 0, len(snapshots))
    for _, snap := range snapshots { ids = append(ids, snap.ID) }
    if len(snapshots) == 1 {
        return &Scope{
            ScopeMode: "single", SprintSnapshotCount: 1, SprintSnapshotIDs: ids,
            SprintSnapshotID: latest.ID, JiraSprintID: latest.JiraSprintID,
            SprintName: latest.SprintName, SprintState: latest.SprintState,
            SyncTimestamp: latest.SyncTimestamp,
        }
    }
    return &Scope{
        ScopeMode: "aggregate", SprintSnapshotCount: len(snapshots), SprintSnapshotIDs: ids,
        SprintSnapshotID: latest.ID, JiraSprintID: "aggregate",
        SprintName: fmt.Sprintf("All Active Sprints (%d)", len(snapshots)), SprintState: "mixed",
        SyncTimestamp: latest.SyncTimestamp,
    }
}

func snapshotIDs(snapshots []domain.SprintSnapshot) []int64 {
    ids := make([]int64, 0, len(snapshots))
    for _, snap := range snapshots { ids = append(ids, snap.ID) }
    return ids
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func percentage(compliant, total int) float64 {
    if total == 0 { return 0.0 }
    return round2(float64(compliant) / float64(total) * 100)
}

func matchesSquads(teams, squads []string) bool {
    if len(squads) == 0 { return true }
    set := map[string]struct{}{}
    for _, t := range teams { set[t] = struct{}{} }
    for _, sq := range squads {
        if _, ok := set[sq]; ok { return true }
    }
    return false
}

func matchesEpicStatus(isDone bool, epicStatus string) bool {
    switch epicStatus {
    case "done":
        return isDone
    case "open":
        return !isDone
    default:
        return true
    }
}

// scopedEpics loads the epics of the resolved snapshots and applies the squad
// and epic-status filters, ordered by jira key then newest snapshot.
func (s *Service) scopedEpics(ctx context.Context, snapshots []domain.SprintSnapshot, f ScopeFilter) ([]domain.EpicSnapshot, error) {
    epics, err := s.store.EpicsBySnapshotIDs(ctx, snapshotIDs(snapshots))
    if err != nil { return nil, err }
    filtered := epics[:0]
    for _, epic := range epics {
        if !matchesSquads(epic.Teams, f.Squads) { continue }
        if !matchesEpicStatus(epic.IsDone, f.EpicStatus) { continue }
        filtered = append(filtered, epic)
    }
    sort.SliceStable(filtered, func(i, j int) bool {
        if filtered[i].JiraKey != filtered[j].JiraKey { return filtered[i].JiraKey < filtered[j].JiraKey }
        return filtered[i].SprintSnapshotID > filtered[j].SprintSnapshotID
    })
    return filtered, nil
}

// ComputeMetrics builds the compliance dashboard numbers for the resolved
// scope: overall summary, ranked team leaderboard, and per-category task
// breakdown.
func (s *Service) ComputeMetrics(ctx context.Context, f ScopeFilter) (MetricsResult, error) {
    snapshots, err := s.resolveScope(ctx, f.SprintSnapshotID)
    if err != nil { return MetricsResult{}, err }
    if len(snapshots) == 0 {
        return MetricsResult{Scope: nil, Summary: Summary{}, ByTeam: []TeamMetric{}, ByCategory: []CategoryMetric{}}, nil
    }
    epics, err := s.scopedEpics(ctx, snapshots, f)
    if err != nil { return MetricsResult{}, err }

    type evaluated struct {
        epic domain.EpicSnapshot
        ev   epicEvaluation
    }
    var rows []evaluated
    for _, epic := range epics {
        ev, ok := evaluateEpic(epic, f.Category)
        if !ok { continue }
        rows = append(rows, evaluated{epic: epic, ev: ev})
    }

    var summary Summary
    summary.TotalEpics = len(rows)
    for _, row := range rows {
        if row.ev.compliant { summary.CompliantEpics++ }
        if row.epic.MissingSquadLabels { summary.EpicsWithMissingSquadLabels++ }
        if len(row.epic.SquadLabelWarnings) > 0 { summary.EpicsWithInvalidSquadLabels++ }
    }
    summary.NonCompliantEpics = summary.TotalEpics - summary.CompliantEpics
    summary.CompliancePercentage = percentage(summary.CompliantEpics, summary.TotalEpics)

    teamCounts := map[string]*TeamMetric{}
    for _, row := range rows {
        for _, team := range row.epic.Teams {
            tm, ok := teamCounts[team]
            if !ok { tm = &TeamMetric{Team: team}; teamCounts[team] = tm }
            tm.TotalEpics++
            if row.ev.compliant { tm.CompliantEpics++ }
        }
    }
    byTeam := make([]TeamMetric, 0, len(teamCounts))
    for _, tm := range teamCounts {
        tm.NonCompliantEpics = tm.TotalEpics - tm.CompliantEpics
        tm.CompliancePercentage = percentage(tm.CompliantEpics, tm.TotalEpics)
        byTeam = append(byTeam, *tm)
    }
    sort.Slice(byTeam, func(i, j int) bool {
        a, b := byTeam[i], byTeam[j]
        if a.CompliancePercentage != b.CompliancePercentage { return a.CompliancePercentage > b.CompliancePercentage }
        if a.CompliantEpics != b.CompliantEpics { return a.CompliantEpics > b.CompliantEpics }
        if a.TotalEpics != b.TotalEpics { return a.TotalEpics > b.TotalEpics }
        return a.Team < b.Team
    })
    for i := range byTeam { byTeam[i].Rank = i + 1 }

    categoryCounts := map[string]*CategoryMetric{}
    for _, row := range rows {
        for _, task := range row.ev.scopedTasks {
            cm, ok := categoryCounts[task.Category]
            if !ok { cm = &CategoryMetric{Category: task.Category}; categoryCounts[task.Category] = cm }
            cm.TotalTasks++
            if task.IsCompliant() { cm.CompliantTasks++ }
        }
    }
    var categories []string
    if f.Category != "" {
        categories = []string{f.Category}
    } else {
        for c := range categoryCounts { categories = append(categories, c) }
        sort.Strings(categories)
    }
    byCategory := make([]CategoryMetric, 0, len(categories))
    for _, c := range categories {
        cm := categoryCounts[c]
        if cm == nil { cm = &CategoryMetric{Category: c} }
        cm.NonCompliantTasks = cm.TotalTasks - cm.CompliantTasks
        cm.CompliancePercentage = percentage(cm.CompliantTasks, cm.TotalTasks)
        byCategory = append(byCategory, *cm)
    }

    return MetricsResult{Scope: scopePayload(snapshots), Summary: summary, ByTeam: byTeam, ByCategory: byCategory}, nil
}

// ListEpics returns epic rows for the scope, optionally restricted to
// compliant or non_compliant verdicts.
func (s *Service) ListEpics(ctx context.Context, f ScopeFilter) (EpicList, error) {
    snapshots, err := s.resolveScope(ctx, f.SprintSnapshotID)
    if err != nil { return EpicList{}, err }
    if len(snapshots) == 0 { return EpicList{Scope: nil, Count: 0, Epics: []EpicView{}}, nil }
    epics, err := s.scopedEpics(ctx, snapshots, f)
    if err != nil { return EpicList{}, err }

    nudgeTimes, err := s.latestNudgeTimes(ctx, epics)
    if err != nil { return EpicList{}, err }

    now := s.now()
    views := []EpicView{}
    for _, epic := range epics {
        ev, ok := evaluateEpic(epic, f.Category)
        if !ok { continue }
        switch f.ComplianceStatus {
        case "compliant":
            if !ev.compliant { continue }
        case "non_compliant":
            if ev.compliant { continue }
        }
        views = append(views, s.epicView(epic, ev, nudgeTimes[epic.JiraKey], now))
    }
    return EpicList{Scope: scopePayload(snapshots), Count: len(views), Epics: views}, nil
}

// ListNonCompliantEpics is the dedicated non-compliant listing.
func (s *Service) ListNonCompliantEpics(ctx context.Context, f ScopeFilter) (EpicList, error) {
    f.ComplianceStatus = "non_compliant"
    return s.ListEpics(ctx, f)
}

func (s *Service) latestNudgeTimes(ctx context.Context, epics []domain.EpicSnapshot) (map[string]time.Time, error) {
    seen := map[string]struct{}{}
    var keys []string
    for _, epic := range epics {
        if _, ok := seen[epic.JiraKey]; ok { continue }
        seen[epic.JiraKey] = struct{}{}
        keys = append(keys, epic.JiraKey)
    }
    if len(keys) == 0 { return map[string]time.Time{}, nil }
    return s.store.LatestNudgeTimes(ctx, keys)
}

func (s *Service) epicView(epic domain.EpicSnapshot, ev epicEvaluation, lastNudge time.Time, now time.Time) EpicView {
    teams := epic.Teams
    if teams == nil { teams = []string{} }
    warnings := epic.SquadLabelWarnings
    if warnings == nil { warnings = []string{} }
    failing := make([]TaskView, 0, len(ev.failingTasks))
    for _, t := range ev.failingTasks {
        failing = append(failing, TaskView{
            JiraKey: t.JiraKey, Summary: t.Summary, Category: t.Category, IsDone: t.IsDone,
            JiraURL: t.JiraURL, HasEvidenceLink: t.HasEvidenceLink, EvidenceLink: t.EvidenceLink,
            NonComplianceReason: t.NonComplianceReason,
        })
    }
    return EpicView{
        SprintSnapshotID:   epic.SprintSnapshotID,
        JiraSprintID:       epic.JiraSprintID,
        SprintName:         epic.SprintName,
        JiraKey:            epic.JiraKey,
        Summary:            epic.Summary,
        StatusName:         epic.StatusName,
        ResolutionName:     epic.ResolutionName,
        IsDone:             epic.IsDone,
        IsCompliant:        ev.compliant,
        JiraURL:            epic.JiraURL,
        Teams:              teams,
        MissingSquadLabels: epic.MissingSquadLabels,
        SquadLabelWarnings: warnings,
        ComplianceReasons:  ev.reasons,
        FailingDoDTasks:    failing,
        Nudge:              nudgeStateAt(lastNudge, now, s.cfg.NudgeCooldown),
    }
}

// nudgeStateAt reports the cooldown window relative to the last sent nudge.
// A zero lastNudge means no nudge has ever been sent for the epic.
func nudgeStateAt(lastNudge, now time.Time, cooldown time.Duration) NudgeState {
    if lastNudge.IsZero() { return NudgeState{CooldownActive: false, SecondsRemaining: 0, LastSentAt: nil} }
    sent := lastNudge
    remaining := int64(sent.Add(cooldown).Sub(now).Seconds())
    if remaining < 0 { remaining = 0 }
    return NudgeState{CooldownActive: remaining > 0, SecondsRemaining: remaining, LastSentAt: &sent}
}
