package services

import (
    "context"
    "errors"
    "sort"
    "strings"
    "time"

    "github.com/aadiby/epic-dod-management/internal/domain"
)

// RunSync executes one full sync cycle for the project: fetch active-sprint
// issues, group them per sprint, and persist immutable snapshot sets for the
// sprints whose issue versions changed since their latest snapshot. Only one
// sync per project runs at a time; a second caller gets ErrConcurrentSync.
func (s *Service) RunSync(ctx context.Context, trigger, actor string) (domain.SyncRun, error) {
    projectKey := s.cfg.JiraProjectKey
    lockKey := advisoryKey("dod:sync:" + projectKey)
    ok, err := s.store.TryAdvisoryLock(ctx, lockKey)
    if err != nil { return domain.SyncRun{}, err }
    if !ok {
        s.log.Warn().Str("event", "sync.run.skipped").Str("project", projectKey).Msg("another sync holds the lock")
        return domain.SyncRun{}, domain.ErrConcurrentSync
    }
    defer func() { _ = s.store.AdvisoryUnlock(context.Background(), lockKey) }()

    run, err := s.store.StartSyncRun(ctx, trigger, actor, projectKey)
    if err != nil { return domain.SyncRun{}, err }
    s.log.Info().Str("event", "sync.run.started").Int64("run_id", run.ID).Str("trigger", trigger).Str("actor", actor).Msg("sync started")

    err = s.syncActiveSprints(ctx, &run)
    if err != nil {
        run.Status = domain.SyncStatusFailed
        run.ErrorMessage = err.Error()
    } else {
        // partial sprint failures stay on ErrorMessage; the run still succeeded
        run.Status = domain.SyncStatusSuccess
    }
    if ferr := s.store.FinishSyncRun(ctx, &run); ferr != nil {
        s.log.Error().Err(ferr).Int64("run_id", run.ID).Msg("finish sync run")
        if err == nil { err = ferr }
    }
    s.log.Info().Str("event", "sync.run.finished").Int64("run_id", run.ID).Str("status", run.Status).
        Int("sprints", run.SprintSnapshots).Int("epics", run.EpicSnapshots).Int("tasks", run.DoDTaskSnapshots).
        Str("error", run.ErrorMessage).Msg("sync finished")
    return run, err
}

func (s *Service) syncActiveSprints(ctx context.Context, run *domain.SyncRun) error {
    raw, err := s.tracker.SearchActiveSprintIssues(ctx, run.ProjectKey)
    if err != nil { return &domain.TrackerError{Operation: "search_active_sprint_issues", Err: err} }

    issues := make([]domain.NormalizedIssue, 0, len(raw))
    for _, record := range raw {
        issue, nerr := NormalizeIssue(record, s.cfg.JiraEpicLinkField)
        if nerr != nil {
            s.log.Warn().Err(nerr).Str("event", "sync.issue.malformed").Msg("skipping malformed issue")
            continue
        }
        issues = append(issues, issue)
    }

    syncedAt := s.now()
    var sprintErrs []string
    for _, sprint := range collectSprints(issues) {
        inSprint := issuesInSprint(issues, sprint.ID)
        if len(inSprint) == 0 { continue }
        created, serr := s.syncSprint(ctx, sprint, inSprint, run, syncedAt)
        if serr != nil {
            s.log.Error().Err(serr).Str("jira_sprint_id", sprint.ID).Msg("sprint snapshot failed")
            sprintErrs = append(sprintErrs, serr.Error())
            continue
        }
        if created { run.SprintSnapshots++ }
    }
    if len(sprintErrs) > 0 {
        if run.SprintSnapshots == 0 { return errors.New(strings.Join(sprintErrs, "; ")) }
        run.ErrorMessage = strings.Join(sprintErrs, "; ")
    }
    return nil
}

func (s *Service) syncSprint(ctx context.Context, sprint domain.SprintRef, inSprint []domain.NormalizedIssue, run *domain.SyncRun, syncedAt time.Time) (bool, error) {
    byKey := map[string]domain.NormalizedIssue{}
    for _, issue := range inSprint { byKey[issue.Key] = issue }
    epicWarnings := s.resolveParentEpics(ctx, inSprint, byKey)

    versions := buildIssueVersions(byKey)
    prior, err := s.store.LatestSprintSnapshotFor(ctx, sprint.ID)
    if err != nil { return false, &domain.SnapshotPersistenceError{JiraSprintID: sprint.ID, Err: err} }
    if prior != nil && equalVersions(prior.IssueVersions, versions) {
        s.log.Debug().Str("event", "sync.sprint.unchanged").Str("jira_sprint_id", sprint.ID).Msg("issue versions unchanged, skipping snapshot")
        return false, nil
    }

    epics := s.buildEpicSnapshots(ctx, sprint, inSprint, byKey, epicWarnings)
    if keys := teamKeys(epics); len(keys) > 0 {
        if terr := s.store.EnsureTeams(ctx, keys); terr != nil {
            return false, &domain.SnapshotPersistenceError{JiraSprintID: sprint.ID, Err: terr}
        }
    }

    snap := domain.SprintSnapshot{
        JiraSprintID:  sprint.ID,
        SprintName:    sprint.Name,
        SprintState:   sprint.State,
        SyncTimestamp: syncedAt,
        IssueVersions: versions,
    }
    _, epicCount, persistedTasks, err := s.store.CreateSprintSnapshotSet(ctx, snap, epics)
    if err != nil { return false, &domain.SnapshotPersistenceError{JiraSprintID: sprint.ID, Err: err} }
    run.EpicSnapshots += epicCount
    run.DoDTaskSnapshots += persistedTasks
    return true, nil
}

// resolveParentEpics fetches epics that are referenced by in-sprint issues
// but absent from the search feed, and adds them to byKey before the issue
// version map is built so an epic-only change still invalidates the prior
// snapshot. A fetch failure leaves a placeholder with a warning instead of
// aborting the sprint.
func (s *Service) resolveParentEpics(ctx context.Context, inSprint []domain.NormalizedIssue, byKey map[string]domain.NormalizedIssue) map[string][]string {
    warnings := map[string][]string{}
    for _, issue := range inSprint {
        epicKey := owningEpicKey(issue)
        if epicKey == "" { continue }
        if _, ok := byKey[epicKey]; ok { continue }
        resolved, err := s.fetchEpic(ctx, epicKey)
        if err != nil {
            s.log.Warn().Err(err).Str("epic_key", epicKey).Msg("epic fetch failed, keeping placeholder")
            resolved = domain.NormalizedIssue{Key: epicKey, Type: domain.IssueTypeEpic, Status: "Unknown"}
            warnings[epicKey] = append(warnings[epicKey], "epic_fetch_failed")
        }
        byKey[epicKey] = resolved
    }
    return warnings
}

// buildEpicSnapshots groups in-sprint issues under their owning epic and
// evaluates compliance for each group. Parent epics have already been
// resolved into byKey; epicWarnings carries per-epic fetch degradations.
func (s *Service) buildEpicSnapshots(ctx context.Context, sprint domain.SprintRef, inSprint []domain.NormalizedIssue, byKey map[string]domain.NormalizedIssue, epicWarnings map[string][]string) []domain.EpicSnapshot {
    epicMap := map[string][]domain.NormalizedIssue{}
    var epicOrder []string
    for _, issue := range inSprint {
        epicKey := owningEpicKey(issue)
        if epicKey == "" { continue }
        if _, seen := epicMap[epicKey]; !seen { epicOrder = append(epicOrder, epicKey) }
        epicMap[epicKey] = append(epicMap[epicKey], issue)
    }

    var epics []domain.EpicSnapshot
    for _, epicKey := range epicOrder {
        linked := epicMap[epicKey]
        epicIssue := byKey[epicKey]

        teams, missing, warnings := ExtractTeamMetadata(append([]domain.NormalizedIssue{epicIssue}, linked...))
        warnings = append(warnings, epicWarnings[epicKey]...)

        var tasks []domain.DoDTaskSnapshot
        for _, issue := range linked {
            if issue.Type == domain.IssueTypeEpic || !IsDoDTask(issue.Summary) { continue }
            links, lerr := s.remoteLinks(ctx, issue.Key)
            if lerr != nil {
                // the verdict is computed without evidence; record that the
                // snapshot row is degraded rather than silently baking a
                // missing_evidence_link verdict.
                s.log.Warn().Err(lerr).Str("issue_key", issue.Key).Msg("remote links fetch failed")
                warnings = append(warnings, "remote_links_fetch_failed:"+issue.Key)
            }
            issue.RemoteLinks = links
            tasks = append(tasks, BuildDoDTask(issue, s.browseURL(issue.Key)))
        }
        reasons, compliant := EvaluateEpicTasks(tasks)

        epics = append(epics, domain.EpicSnapshot{
            JiraSprintID:       sprint.ID,
            SprintName:         sprint.Name,
            JiraKey:            epicIssue.Key,
            Summary:            epicIssue.Summary,
            StatusName:         epicIssue.Status,
            ResolutionName:     epicIssue.Resolution,
            IsDone:             epicIssue.IsDone,
            JiraURL:            s.browseURL(epicIssue.Key),
            Teams:              teams,
            MissingSquadLabels: missing,
            SquadLabelWarnings: warnings,
            ComplianceReasons:  reasons,
            IsCompliant:        compliant,
            Tasks:              tasks,
        })
    }
    return epics
}

func (s *Service) fetchEpic(ctx context.Context, key string) (domain.NormalizedIssue, error) {
    raw, err := s.tracker.Issue(ctx, key)
    if err != nil { return domain.NormalizedIssue{}, err }
    return NormalizeIssue(raw, s.cfg.JiraEpicLinkField)
}

func (s *Service) remoteLinks(ctx context.Context, key string) ([]string, error) {
    raw, err := s.tracker.RemoteLinks(ctx, key)
    if err != nil { return nil, err }
    var urls []string
    for _, link := range raw {
        url := strings.TrimSpace(asString(asMap(link["object"])["url"]))
        if url != "" { urls = append(urls, url) }
    }
    return urls, nil
}

func (s *Service) browseURL(key string) string { return s.tracker.BaseURL() + "/browse/" + key }

// owningEpicKey maps an issue to the epic group it belongs to: epics group
// under themselves so childless epics still appear in the snapshot.
func owningEpicKey(issue domain.NormalizedIssue) string {
    if issue.Type == domain.IssueTypeEpic { return issue.Key }
    return issue.ParentKey
}

func collectSprints(issues []domain.NormalizedIssue) []domain.SprintRef {
    seen := map[string]struct{}{}
    var out []domain.SprintRef
    for _, issue := range issues {
        for _, ref := range issue.Sprints {
            if _, ok := seen[ref.ID]; ok { continue }
            seen[ref.ID] = struct{}{}
            out = append(out, ref)
        }
    }
    return out
}

func issuesInSprint(issues []domain.NormalizedIssue, sprintID string) []domain.NormalizedIssue {
    var out []domain.NormalizedIssue
    for _, issue := range issues {
        for _, ref := range issue.Sprints {
            if ref.ID == sprintID { out = append(out, issue); break }
        }
    }
    return out
}

func buildIssueVersions(byKey map[string]domain.NormalizedIssue) map[string]string {
    versions := map[string]string{}
    for key, issue := range byKey {
        if key == "" { continue }
        versions[key] = issue.UpdateVersion
    }
    return versions
}

func equalVersions(a, b map[string]string) bool {
    if len(a) != len(b) { return false }
    for k, v := range a {
        if b[k] != v { return false }
    }
    return true
}

func teamKeys(epics []domain.EpicSnapshot) []string {
    seen := map[string]struct{}{}
    var keys []string
    for _, e := range epics {
        for _, t := range e.Teams {
            if _, ok := seen[t]; ok { continue }
            seen[t] = struct{}{}
            keys = append(keys, t)
        }
    }
    sort.Strings(keys)
    return keys
}
