package services

import (
    "context"
    "fmt"
    "sort"
    "strings"
    "time"

    "github.com/aadiby/epic-dod-management/internal/domain"
)

// Nudge request outcomes.
const (
    NudgeOutcomeSent     = "sent"
    NudgeOutcomeRejected = "rejected"

    NudgeRejectNoSnapshot     = "no_sprint_snapshot"
    NudgeRejectEpicNotFound   = "epic_not_found"
    NudgeRejectEpicCompliant  = "already_compliant"
    NudgeRejectCooldownActive = "cooldown_active"
    NudgeRejectNoRecipients   = "no_recipients"
)

type NudgeResult struct {
    Outcome    string     `json:"outcome"`
    Reason     string     `json:"reason,omitempty"`
    EpicKey    string     `json:"epic_key"`
    Recipients []string   `json:"recipients,omitempty"`
    SentAt     *time.Time `json:"sent_at,omitempty"`
    Nudge      NudgeState `json:"nudge"`
}

type NudgeRecord struct {
    EpicKey          string    `json:"epic_key"`
    SprintSnapshotID int64     `json:"sprint_snapshot_id"`
    SprintName       string    `json:"sprint_name"`
    EpicSummary      string    `json:"epic_summary"`
    Team             *string   `json:"team"`
    EpicTeams        []string  `json:"epic_teams"`
    TriggeredBy      string    `json:"triggered_by"`
    RecipientEmails  []string  `json:"recipient_emails"`
    SentAt           time.Time `json:"sent_at"`
}

type NudgeHistory struct {
    Scope      *Scope        `json:"scope"`
    Count      int           `json:"count"`
    TotalCount int           `json:"total_count"`
    Nudges     []NudgeRecord `json:"nudges"`
}

// RequestNudge evaluates the nudge gate chain for an epic and, when every
// gate passes, dispatches the notification and records the nudge log.
// Requests for the same epic are serialized so two concurrent callers cannot
// both pass the cooldown check.
func (s *Service) RequestNudge(ctx context.Context, epicKey string, explicitRecipients []string, actor string) (NudgeResult, error) {
    mu := s.epicLock(epicKey)
    mu.Lock()
    defer mu.Unlock()

    reject := func(reason string, state NudgeState) NudgeResult {
        s.log.Warn().Str("event", "nudge.rejected").Str("epic_key", epicKey).Str("actor", actor).Str("reason", reason).Msg("nudge rejected")
        return NudgeResult{Outcome: NudgeOutcomeRejected, Reason: reason, EpicKey: epicKey, Nudge: state}
    }

    snapshots, err := s.resolveScope(ctx, 0)
    if err != nil { return NudgeResult{}, err }
    if len(snapshots) == 0 { return reject(NudgeRejectNoSnapshot, NudgeState{}), nil }

    epic, ok, err := s.findEpic(ctx, snapshots, epicKey)
    if err != nil { return NudgeResult{}, err }
    if !ok { return reject(NudgeRejectEpicNotFound, NudgeState{}), nil }

    ev, _ := evaluateEpic(epic, "")
    if ev.compliant { return reject(NudgeRejectEpicCompliant, NudgeState{}), nil }

    now := s.now()
    latest, err := s.store.LatestNudgeFor(ctx, epicKey)
    if err != nil { return NudgeResult{}, err }
    var lastSent time.Time
    if latest != nil { lastSent = latest.SentAt }
    state := nudgeStateAt(lastSent, now, s.cfg.NudgeCooldown)
    if state.CooldownActive { return reject(NudgeRejectCooldownActive, state), nil }

    recipients, err := s.resolveRecipients(ctx, epic, explicitRecipients)
    if err != nil { return NudgeResult{}, err }
    if len(recipients) == 0 { return reject(NudgeRejectNoRecipients, state), nil }

    subject := fmt.Sprintf("[DoD Nudge] %s is non-compliant", epic.JiraKey)
    body := buildNudgeBody(epic, ev.failingTasks)
    if err := s.notifier.Dispatch(ctx, recipients, subject, body); err != nil {
        return NudgeResult{}, fmt.Errorf("dispatch nudge for %s: %w", epic.JiraKey, err)
    }

    entry, err := s.store.InsertNudgeLog(ctx, domain.NudgeLog{
        EpicSnapshotID:  epic.ID,
        EpicKey:         epic.JiraKey,
        TriggeredBy:     actor,
        RecipientEmails: recipients,
        MessagePreview:  body,
        SentAt:          now,
    })
    if err != nil { return NudgeResult{}, err }

    s.log.Info().Str("event", "nudge.sent").Str("epic_key", epic.JiraKey).Str("actor", actor).
        Int64("nudge_log_id", entry.ID).Int("recipient_count", len(recipients)).
        Int("failing_task_count", len(ev.failingTasks)).Msg("nudge sent")

    sentAt := entry.SentAt
    return NudgeResult{
        Outcome:    NudgeOutcomeSent,
        EpicKey:    epic.JiraKey,
        Recipients: recipients,
        SentAt:     &sentAt,
        Nudge:      nudgeStateAt(sentAt, now, s.cfg.NudgeCooldown),
    }, nil
}

// findEpic locates the newest snapshot row for the epic key within scope.
func (s *Service) findEpic(ctx context.Context, snapshots []domain.SprintSnapshot, epicKey string) (domain.EpicSnapshot, bool, error) {
    epics, err := s.store.EpicsBySnapshotIDs(ctx, snapshotIDs(snapshots))
    if err != nil { return domain.EpicSnapshot{}, false, err }
    var best domain.EpicSnapshot
    found := false
    for _, epic := range epics {
        if epic.JiraKey != epicKey { continue }
        if !found || epic.SprintSnapshotID > best.SprintSnapshotID { best = epic }
        found = true
    }
    return best, found, nil
}

// resolveRecipients walks the recipient chain: explicit request recipients,
// then team notification emails, then the per-team env mapping, then the
// global default list. Each stage deduplicates and sorts.
func (s *Service) resolveRecipients(ctx context.Context, epic domain.EpicSnapshot, explicit []string) ([]string, error) {
    if out := cleanEmails(explicit); len(out) > 0 { return out, nil }

    teams, err := s.store.TeamsByKeys(ctx, epic.Teams)
    if err != nil { return nil, err }
    var fromTeams []string
    for _, team := range teams { fromTeams = append(fromTeams, team.NotificationEmails...) }
    if out := cleanEmails(fromTeams); len(out) > 0 { return out, nil }

    var fromEnv []string
    for _, key := range epic.Teams { fromEnv = append(fromEnv, s.cfg.NudgeTeamRecipients[key]...) }
    if out := cleanEmails(fromEnv); len(out) > 0 { return out, nil }

    return cleanEmails(s.cfg.NudgeDefaultRecipients), nil
}

func cleanEmails(in []string) []string {
    set := map[string]struct{}{}
    for _, item := range in {
        if v := strings.TrimSpace(item); v != "" { set[v] = struct{}{} }
    }
    out := make([]string, 0, len(set))
    for v := range set { out = append(out, v) }
    sort.Strings(out)
    return out
}

func buildNudgeBody(epic domain.EpicSnapshot, failing []domain.DoDTaskSnapshot) string {
    lines := []string{
        fmt.Sprintf("Epic: %s - %s", epic.JiraKey, epic.Summary),
        fmt.Sprintf("Jira: %s", epic.JiraURL),
    }
    if len(epic.Teams) > 0 { lines = append(lines, fmt.Sprintf("Teams: %s", strings.Join(epic.Teams, ", "))) }
    lines = append(lines, "", "Non-compliant DoD tasks:")
    for _, task := range failing {
        reason := task.NonComplianceReason
        if reason == "" { reason = "incomplete" }
        lines = append(lines, fmt.Sprintf("- %s: %s (%s)", task.JiraKey, task.Summary, reason))
        if task.EvidenceLink != "" { lines = append(lines, fmt.Sprintf("  evidence: %s", task.EvidenceLink)) }
    }
    return strings.Join(lines, "\n")
}

// ListNudgeHistory returns recent nudges within scope, newest first, with an
// optional squad filter and a capped limit.
func (s *Service) ListNudgeHistory(ctx context.Context, f ScopeFilter, limit int) (NudgeHistory, error) {
    snapshots, err := s.resolveScope(ctx, f.SprintSnapshotID)
    if err != nil { return NudgeHistory{}, err }
    if len(snapshots) == 0 {
        return NudgeHistory{Scope: nil, Count: 0, TotalCount: 0, Nudges: []NudgeRecord{}}, nil
    }
    if limit <= 0 { limit = 50 }
    if limit > 200 { limit = 200 }

    logs, err := s.store.NudgeLogsBySnapshotIDs(ctx, snapshotIDs(snapshots))
    if err != nil { return NudgeHistory{}, err }

    var matched []domain.NudgeLog
    for _, entry := range logs {
        if !matchesSquads(entry.EpicTeams, f.Squads) { continue }
        matched = append(matched, entry)
    }
    total := len(matched)
    if len(matched) > limit { matched = matched[:limit] }

    records := []NudgeRecord{}
    for _, entry := range matched {
        teams := entry.EpicTeams
        if teams == nil { teams = []string{} }
        var team *string
        if len(teams) > 0 { team = &teams[0] }
        records = append(records, NudgeRecord{
            EpicKey:          entry.EpicKey,
            SprintSnapshotID: entry.SprintSnapshotID,
            SprintName:       entry.SprintName,
            EpicSummary:      entry.EpicSummary,
            Team:             team,
            EpicTeams:        teams,
            TriggeredBy:      entry.TriggeredBy,
            RecipientEmails:  entry.RecipientEmails,
            SentAt:           entry.SentAt,
        })
    }
    return NudgeHistory{Scope: scopePayload(snapshots), Count: len(records), TotalCount: total, Nudges: records}, nil
}
