package services

import (
    "context"
    "errors"
    "testing"

    "github.com/aadiby/epic-dod-management/internal/domain"
)

func trackerFixture() *fakeTracker {
    return &fakeTracker{
        searchResults: []map[string]any{
            rawIssue("PROJ-1", "Epic", "Checkout revamp", "In Progress", "indeterminate", "", "", []string{"squad_alpha"}, "42"),
            rawIssue("PROJ-5", "Task", "DoD - QA signoff", "To Do", "new", "", "PROJ-1", nil, "42"),
            rawIssue("PROJ-6", "Task", "DoD - Security review", "Done", "done", "Done", "PROJ-1", nil, "42"),
            rawIssue("PROJ-7", "Task", "Implement checkout", "In Progress", "indeterminate", "", "PROJ-1", nil, "42"),
        },
        issues: map[string]map[string]any{},
        links: map[string][]map[string]any{
            "PROJ-6": {{"object": map[string]any{"url": "https://wiki.example.com/security"}}},
        },
    }
}

func TestRunSyncCreatesSnapshotSet(t *testing.T) {
    store := newFakeStore()
    tracker := trackerFixture()
    svc := newTestService(store, tracker, &fakeNotifier{})

    run, err := svc.RunSync(context.Background(), domain.SyncTriggerManual, "tester")
    if err != nil { t.Fatalf("RunSync: %v", err) }
    if run.Status != domain.SyncStatusSuccess { t.Fatalf("status = %q", run.Status) }
    if run.SprintSnapshots != 1 || run.EpicSnapshots != 1 || run.DoDTaskSnapshots != 2 {
        t.Fatalf("counts = %d/%d/%d", run.SprintSnapshots, run.EpicSnapshots, run.DoDTaskSnapshots)
    }

    snap, err := store.LatestSprintSnapshotFor(context.Background(), "42")
    if err != nil || snap == nil { t.Fatalf("snapshot missing: %v", err) }
    if snap.SprintName != "Sprint 42" { t.Fatalf("sprint name = %q", snap.SprintName) }
    if len(snap.IssueVersions) != 4 { t.Fatalf("issue versions = %v", snap.IssueVersions) }

    epics, err := store.EpicsBySnapshotIDs(context.Background(), []int64{snap.ID})
    if err != nil || len(epics) != 1 { t.Fatalf("epics = %v (%v)", epics, err) }
    epic := epics[0]
    if epic.JiraKey != "PROJ-1" { t.Fatalf("epic key = %q", epic.JiraKey) }
    if epic.IsCompliant { t.Fatalf("epic with undone DoD task must be non-compliant") }
    if len(epic.ComplianceReasons) != 1 || epic.ComplianceReasons[0] != ReasonIncompleteTasks {
        t.Fatalf("reasons = %v", epic.ComplianceReasons)
    }
    if len(epic.Teams) != 1 || epic.Teams[0] != "squad_alpha" { t.Fatalf("teams = %v", epic.Teams) }
    if len(epic.Tasks) != 2 { t.Fatalf("tasks = %v", epic.Tasks) }
    for _, task := range epic.Tasks {
        switch task.JiraKey {
        case "PROJ-5":
            if task.NonComplianceReason != ReasonTaskNotDone { t.Fatalf("PROJ-5 reason = %q", task.NonComplianceReason) }
        case "PROJ-6":
            if !task.IsCompliant() { t.Fatalf("PROJ-6 must be compliant") }
            if task.EvidenceLink != "https://wiki.example.com/security" { t.Fatalf("PROJ-6 link = %q", task.EvidenceLink) }
        default:
            t.Fatalf("unexpected task %q", task.JiraKey)
        }
    }

    if _, ok := store.teams["squad_alpha"]; !ok { t.Fatalf("team squad_alpha not ensured") }
}

func TestRunSyncIdempotentWhenUnchanged(t *testing.T) {
    store := newFakeStore()
    tracker := trackerFixture()
    svc := newTestService(store, tracker, &fakeNotifier{})

    if _, err := svc.RunSync(context.Background(), domain.SyncTriggerManual, "tester"); err != nil {
        t.Fatalf("first RunSync: %v", err)
    }
    run, err := svc.RunSync(context.Background(), domain.SyncTriggerScheduled, "scheduler")
    if err != nil { t.Fatalf("second RunSync: %v", err) }
    if run.Status != domain.SyncStatusSuccess { t.Fatalf("status = %q", run.Status) }
    if run.SprintSnapshots != 0 { t.Fatalf("unchanged data created %d snapshots", run.SprintSnapshots) }
    if len(store.snapshots) != 1 { t.Fatalf("store has %d snapshots, want 1", len(store.snapshots)) }
}

func TestRunSyncCreatesNewSnapshotOnChange(t *testing.T) {
    store := newFakeStore()
    tracker := trackerFixture()
    svc := newTestService(store, tracker, &fakeNotifier{})

    if _, err := svc.RunSync(context.Background(), domain.SyncTriggerManual, "tester"); err != nil {
        t.Fatalf("first RunSync: %v", err)
    }
    tracker.searchResults[1]["fields"].(map[string]any)["updated"] = "2026-08-29T09:00:00.000+0000"
    run, err := svc.RunSync(context.Background(), domain.SyncTriggerManual, "tester")
    if err != nil { t.Fatalf("second RunSync: %v", err) }
    if run.SprintSnapshots != 1 { t.Fatalf("changed data created %d snapshots, want 1", run.SprintSnapshots) }
    if len(store.snapshots) != 2 { t.Fatalf("store has %d snapshots, want 2", len(store.snapshots)) }
}

func TestRunSyncConcurrentLock(t *testing.T) {
    store := newFakeStore()
    store.lockDenied = true
    svc := newTestService(store, trackerFixture(), &fakeNotifier{})

    _, err := svc.RunSync(context.Background(), domain.SyncTriggerManual, "tester")
    if !errors.Is(err, domain.ErrConcurrentSync) {
        t.Fatalf("err = %v, want ErrConcurrentSync", err)
    }
    if len(store.runs) != 0 { t.Fatalf("lock-denied sync must not record a run") }
}

func TestRunSyncTrackerFailure(t *testing.T) {
    store := newFakeStore()
    tracker := trackerFixture()
    tracker.searchErr = errors.New("jira down")
    svc := newTestService(store, tracker, &fakeNotifier{})

    run, err := svc.RunSync(context.Background(), domain.SyncTriggerManual, "tester")
    if err == nil { t.Fatalf("expected error") }
    var terr *domain.TrackerError
    if !errors.As(err, &terr) { t.Fatalf("err = %T, want TrackerError", err) }
    if run.Status != domain.SyncStatusFailed { t.Fatalf("status = %q", run.Status) }
    if run.ErrorMessage == "" { t.Fatalf("failed run must record the error") }
}

func TestRunSyncFetchesEpicOutsideSearch(t *testing.T) {
    store := newFakeStore()
    tracker := trackerFixture()
    tracker.searchResults = []map[string]any{
        rawIssue("PROJ-8", "Task", "DoD - Docs", "Done", "done", "Done", "PROJ-2", nil, "42"),
    }
    tracker.issues["PROJ-2"] = rawIssue("PROJ-2", "Epic", "Search revamp", "In Progress", "indeterminate", "", "", []string{"squad_beta"})
    svc := newTestService(store, tracker, &fakeNotifier{})

    run, err := svc.RunSync(context.Background(), domain.SyncTriggerManual, "tester")
    if err != nil { t.Fatalf("RunSync: %v", err) }
    if run.EpicSnapshots != 1 { t.Fatalf("epics = %d", run.EpicSnapshots) }
    epics, _ := store.EpicsBySnapshotIDs(context.Background(), []int64{store.snapshots[0].ID})
    if epics[0].Summary != "Search revamp" { t.Fatalf("epic summary = %q", epics[0].Summary) }
    if len(epics[0].Teams) != 1 || epics[0].Teams[0] != "squad_beta" { t.Fatalf("teams = %v", epics[0].Teams) }
}

func TestRunSyncEpicOnlyChangeCreatesSnapshot(t *testing.T) {
    store := newFakeStore()
    tracker := trackerFixture()
    tracker.searchResults = []map[string]any{
        rawIssue("PROJ-8", "Task", "DoD - Docs", "Done", "done", "Done", "PROJ-2", nil, "42"),
    }
    tracker.issues["PROJ-2"] = rawIssue("PROJ-2", "Epic", "Search revamp", "In Progress", "indeterminate", "", "", []string{"squad_beta"})
    svc := newTestService(store, tracker, &fakeNotifier{})

    if _, err := svc.RunSync(context.Background(), domain.SyncTriggerManual, "tester"); err != nil {
        t.Fatalf("first RunSync: %v", err)
    }
    snap, _ := store.LatestSprintSnapshotFor(context.Background(), "42")
    if _, ok := snap.IssueVersions["PROJ-2"]; !ok {
        t.Fatalf("fetched epic missing from issue versions: %v", snap.IssueVersions)
    }

    // the epic resolves outside the sprint feed; only its state changes
    tracker.issues["PROJ-2"] = rawIssue("PROJ-2", "Epic", "Search revamp", "Done", "done", "Done", "", []string{"squad_beta"})
    tracker.issues["PROJ-2"]["fields"].(map[string]any)["updated"] = "2026-08-29T09:00:00.000+0000"

    run, err := svc.RunSync(context.Background(), domain.SyncTriggerManual, "tester")
    if err != nil { t.Fatalf("second RunSync: %v", err) }
    if run.SprintSnapshots != 1 {
        t.Fatalf("epic-only change created %d snapshots, want 1", run.SprintSnapshots)
    }
    latest, _ := store.LatestSprintSnapshotFor(context.Background(), "42")
    epics, _ := store.EpicsBySnapshotIDs(context.Background(), []int64{latest.ID})
    if len(epics) != 1 || !epics[0].IsDone {
        t.Fatalf("latest snapshot must carry the epic's new state: %+v", epics)
    }
}

func TestRunSyncWarnsWhenRemoteLinksFetchFails(t *testing.T) {
    store := newFakeStore()
    tracker := trackerFixture()
    tracker.linksErr = errors.New("links endpoint down")
    svc := newTestService(store, tracker, &fakeNotifier{})

    if _, err := svc.RunSync(context.Background(), domain.SyncTriggerManual, "tester"); err != nil {
        t.Fatalf("RunSync: %v", err)
    }
    epics, _ := store.EpicsBySnapshotIDs(context.Background(), []int64{store.snapshots[0].ID})
    if len(epics) != 1 { t.Fatalf("epics = %v", epics) }
    epic := epics[0]
    found := false
    for _, w := range epic.SquadLabelWarnings {
        if w == "remote_links_fetch_failed:PROJ-6" { found = true }
    }
    if !found { t.Fatalf("warnings = %v, want remote_links_fetch_failed:PROJ-6", epic.SquadLabelWarnings) }
    for _, task := range epic.Tasks {
        if task.JiraKey == "PROJ-6" && task.HasEvidenceLink {
            t.Fatalf("evidence must be absent when the links fetch fails")
        }
    }
}

func TestRunSyncKeepsPlaceholderWhenEpicFetchFails(t *testing.T) {
    store := newFakeStore()
    tracker := trackerFixture()
    tracker.searchResults = []map[string]any{
        rawIssue("PROJ-8", "Task", "DoD - Docs", "Done", "done", "Done", "PROJ-404", nil, "42"),
    }
    svc := newTestService(store, tracker, &fakeNotifier{})

    run, err := svc.RunSync(context.Background(), domain.SyncTriggerManual, "tester")
    if err != nil { t.Fatalf("RunSync: %v", err) }
    if run.EpicSnapshots != 1 { t.Fatalf("epics = %d", run.EpicSnapshots) }
    epics, _ := store.EpicsBySnapshotIDs(context.Background(), []int64{store.snapshots[0].ID})
    epic := epics[0]
    if epic.JiraKey != "PROJ-404" { t.Fatalf("epic key = %q", epic.JiraKey) }
    found := false
    for _, w := range epic.SquadLabelWarnings {
        if w == "epic_fetch_failed" { found = true }
    }
    if !found { t.Fatalf("warnings = %v, want epic_fetch_failed", epic.SquadLabelWarnings) }
}

func TestRunSyncChildlessEpicIsNonCompliant(t *testing.T) {
    store := newFakeStore()
    tracker := trackerFixture()
    tracker.searchResults = []map[string]any{
        rawIssue("PROJ-1", "Epic", "Checkout revamp", "In Progress", "indeterminate", "", "", []string{"squad_alpha"}, "42"),
    }
    svc := newTestService(store, tracker, &fakeNotifier{})

    if _, err := svc.RunSync(context.Background(), domain.SyncTriggerManual, "tester"); err != nil {
        t.Fatalf("RunSync: %v", err)
    }
    epics, _ := store.EpicsBySnapshotIDs(context.Background(), []int64{store.snapshots[0].ID})
    if len(epics) != 1 { t.Fatalf("epics = %v", epics) }
    if epics[0].IsCompliant { t.Fatalf("epic without DoD tasks must be non-compliant") }
    if len(epics[0].ComplianceReasons) != 1 || epics[0].ComplianceReasons[0] != ReasonNoDoDTasks {
        t.Fatalf("reasons = %v", epics[0].ComplianceReasons)
    }
}
