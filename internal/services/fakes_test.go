package services

import (
    "context"
    "errors"
    "sort"
    "sync"
    "time"

    "github.com/aadiby/epic-dod-management/internal/config"
    "github.com/aadiby/epic-dod-management/internal/domain"
    "github.com/rs/zerolog"
)

type fakeStore struct {
    mu        sync.Mutex
    locks     map[int64]bool
    runs      []domain.SyncRun
    snapshots []domain.SprintSnapshot
    epics     []domain.EpicSnapshot
    teams     map[string]*domain.Team
    nudges    []domain.NudgeLog
    nextID    int64

    createErr error
    lockDenied bool
}

func newFakeStore() *fakeStore {
    return &fakeStore{locks: map[int64]bool{}, teams: map[string]*domain.Team{}}
}

func (f *fakeStore) id() int64 { f.nextID++; return f.nextID }

func (f *fakeStore) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    if f.lockDenied || f.locks[key] { return false, nil }
    f.locks[key] = true
    return true, nil
}

func (f *fakeStore) AdvisoryUnlock(ctx context.Context, key int64) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    delete(f.locks, key)
    return nil
}

func (f *fakeStore) StartSyncRun(ctx context.Context, trigger, triggeredBy, projectKey string) (domain.SyncRun, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    run := domain.SyncRun{ID: f.id(), StartedAt: time.Now().UTC(), Status: domain.SyncStatusRunning,
        Trigger: trigger, TriggeredBy: triggeredBy, ProjectKey: projectKey}
    f.runs = append(f.runs, run)
    return run, nil
}

func (f *fakeStore) FinishSyncRun(ctx context.Context, run *domain.SyncRun) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    now := time.Now().UTC()
    run.FinishedAt = &now
    for i := range f.runs {
        if f.runs[i].ID == run.ID { f.runs[i] = *run }
    }
    return nil
}

func (f *fakeStore) LatestSyncRun(ctx context.Context) (*domain.SyncRun, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    if len(f.runs) == 0 { return nil, nil }
    run := f.runs[len(f.runs)-1]
    return &run, nil
}

func (f *fakeStore) LatestSprintSnapshotFor(ctx context.Context, jiraSprintID string) (*domain.SprintSnapshot, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    var best *domain.SprintSnapshot
    for i := range f.snapshots {
        snap := f.snapshots[i]
        if snap.JiraSprintID != jiraSprintID { continue }
        if best == nil || snap.SyncTimestamp.After(best.SyncTimestamp) || (snap.SyncTimestamp.Equal(best.SyncTimestamp) && snap.ID > best.ID) {
            copied := snap
            best = &copied
        }
    }
    return best, nil
}

func (f *fakeStore) LatestSprintSnapshot(ctx context.Context) (*domain.SprintSnapshot, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    var best *domain.SprintSnapshot
    for i := range f.snapshots {
        snap := f.snapshots[i]
        if best == nil || snap.SyncTimestamp.After(best.SyncTimestamp) || (snap.SyncTimestamp.Equal(best.SyncTimestamp) && snap.ID > best.ID) {
            copied := snap
            best = &copied
        }
    }
    return best, nil
}

func (f *fakeStore) SprintSnapshotByID(ctx context.Context, id int64) (*domain.SprintSnapshot, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    for _, snap := range f.snapshots {
        if snap.ID == id {
            copied := snap
            return &copied, nil
        }
    }
    return nil, nil
}

func (f *fakeStore) LatestActiveSnapshots(ctx context.Context) ([]domain.SprintSnapshot, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    latest := map[string]domain.SprintSnapshot{}
    for _, snap := range f.snapshots {
        if snap.SprintState != "active" { continue }
        cur, ok := latest[snap.JiraSprintID]
        if !ok || snap.SyncTimestamp.After(cur.SyncTimestamp) || (snap.SyncTimestamp.Equal(cur.SyncTimestamp) && snap.ID > cur.ID) {
            latest[snap.JiraSprintID] = snap
        }
    }
    out := make([]domain.SprintSnapshot, 0, len(latest))
    for _, snap := range latest { out = append(out, snap) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
    return out, nil
}

func (f *fakeStore) LatestSnapshotBatch(ctx context.Context) ([]domain.SprintSnapshot, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    if len(f.snapshots) == 0 { return nil, nil }
    var max time.Time
    for _, snap := range f.snapshots {
        if snap.SyncTimestamp.After(max) { max = snap.SyncTimestamp }
    }
    var out []domain.SprintSnapshot
    for _, snap := range f.snapshots {
        if snap.SyncTimestamp.Equal(max) { out = append(out, snap) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
    return out, nil
}

func (f *fakeStore) CreateSprintSnapshotSet(ctx context.Context, snap domain.SprintSnapshot, epics []domain.EpicSnapshot) (domain.SprintSnapshot, int, int, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    if f.createErr != nil { return domain.SprintSnapshot{}, 0, 0, f.createErr }
    snap.ID = f.id()
    f.snapshots = append(f.snapshots, snap)
    tasks := 0
    for _, epic := range epics {
        epic.ID = f.id()
        epic.SprintSnapshotID = snap.ID
        for i := range epic.Tasks {
            epic.Tasks[i].ID = f.id()
            epic.Tasks[i].EpicSnapshotID = epic.ID
        }
        tasks += len(epic.Tasks)
        f.epics = append(f.epics, epic)
    }
    return snap, len(epics), tasks, nil
}

func (f *fakeStore) EpicsBySnapshotIDs(ctx context.Context, ids []int64) ([]domain.EpicSnapshot, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    want := map[int64]struct{}{}
    for _, id := range ids { want[id] = struct{}{} }
    var out []domain.EpicSnapshot
    for _, epic := range f.epics {
        if _, ok := want[epic.SprintSnapshotID]; ok { out = append(out, epic) }
    }
    return out, nil
}

func (f *fakeStore) Teams(ctx context.Context) ([]domain.Team, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    var out []domain.Team
    for _, team := range f.teams { out = append(out, *team) }
    sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
    return out, nil
}

func (f *fakeStore) TeamByKey(ctx context.Context, key string) (*domain.Team, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    team, ok := f.teams[key]
    if !ok { return nil, nil }
    copied := *team
    return &copied, nil
}

func (f *fakeStore) TeamsByKeys(ctx context.Context, keys []string) ([]domain.Team, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    var out []domain.Team
    for _, key := range keys {
        if team, ok := f.teams[key]; ok { out = append(out, *team) }
    }
    return out, nil
}

func (f *fakeStore) EnsureTeams(ctx context.Context, keys []string) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    for _, key := range keys {
        if _, ok := f.teams[key]; !ok {
            f.teams[key] = &domain.Team{ID: f.id(), Key: key, IsActive: true}
        }
    }
    return nil
}

func (f *fakeStore) UpdateTeamRecipients(ctx context.Context, key string, recipients []string) (*domain.Team, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    team, ok := f.teams[key]
    if !ok { return nil, nil }
    team.NotificationEmails = recipients
    copied := *team
    return &copied, nil
}

func (f *fakeStore) UpdateTeamScrumMasters(ctx context.Context, key string, scrumMasters []string) (*domain.Team, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    team, ok := f.teams[key]
    if !ok { return nil, nil }
    team.ScrumMasters = scrumMasters
    copied := *team
    return &copied, nil
}

func (f *fakeStore) LatestNudgeFor(ctx context.Context, epicKey string) (*domain.NudgeLog, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    var best *domain.NudgeLog
    for i := range f.nudges {
        n := f.nudges[i]
        if n.EpicKey != epicKey { continue }
        if best == nil || n.SentAt.After(best.SentAt) {
            copied := n
            best = &copied
        }
    }
    return best, nil
}

func (f *fakeStore) LatestNudgeTimes(ctx context.Context, epicKeys []string) (map[string]time.Time, error) {
    out := map[string]time.Time{}
    for _, key := range epicKeys {
        latest, _ := f.LatestNudgeFor(context.Background(), key)
        if latest != nil { out[key] = latest.SentAt }
    }
    return out, nil
}

func (f *fakeStore) InsertNudgeLog(ctx context.Context, n domain.NudgeLog) (domain.NudgeLog, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    n.ID = f.id()
    if n.SentAt.IsZero() { n.SentAt = time.Now().UTC() }
    for _, epic := range f.epics {
        if epic.ID == n.EpicSnapshotID {
            n.SprintSnapshotID = epic.SprintSnapshotID
            n.EpicSummary = epic.Summary
            n.EpicTeams = epic.Teams
        }
    }
    for _, snap := range f.snapshots {
        if snap.ID == n.SprintSnapshotID { n.SprintName = snap.SprintName }
    }
    f.nudges = append(f.nudges, n)
    return n, nil
}

func (f *fakeStore) NudgeLogsBySnapshotIDs(ctx context.Context, ids []int64) ([]domain.NudgeLog, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    want := map[int64]struct{}{}
    for _, id := range ids { want[id] = struct{}{} }
    var out []domain.NudgeLog
    for _, n := range f.nudges {
        if _, ok := want[n.SprintSnapshotID]; ok { out = append(out, n) }
    }
    sort.Slice(out, func(i, j int) bool {
        if !out[i].SentAt.Equal(out[j].SentAt) { return out[i].SentAt.After(out[j].SentAt) }
        return out[i].ID > out[j].ID
    })
    return out, nil
}

type fakeTracker struct {
    searchResults []map[string]any
    searchErr     error
    issues        map[string]map[string]any
    issueErr      error
    links         map[string][]map[string]any
    linksErr      error
}

func (f *fakeTracker) SearchActiveSprintIssues(ctx context.Context, projectKey string) ([]map[string]any, error) {
    if f.searchErr != nil { return nil, f.searchErr }
    return f.searchResults, nil
}

func (f *fakeTracker) Issue(ctx context.Context, key string) (map[string]any, error) {
    if f.issueErr != nil { return nil, f.issueErr }
    if raw, ok := f.issues[key]; ok { return raw, nil }
    return nil, errors.New("issue not found: " + key)
}

func (f *fakeTracker) RemoteLinks(ctx context.Context, key string) ([]map[string]any, error) {
    if f.linksErr != nil { return nil, f.linksErr }
    return f.links[key], nil
}

func (f *fakeTracker) BaseURL() string { return "https://jira.example.com" }

type fakeNotifier struct {
    mu         sync.Mutex
    dispatches []dispatched
    err        error
}

type dispatched struct {
    recipients []string
    subject    string
    body       string
}

func (f *fakeNotifier) Dispatch(ctx context.Context, recipients []string, subject, body string) error {
    if f.err != nil { return f.err }
    f.mu.Lock()
    defer f.mu.Unlock()
    f.dispatches = append(f.dispatches, dispatched{recipients: recipients, subject: subject, body: body})
    return nil
}

func testConfig() config.Config {
    return config.Config{
        AppEnv:            "dev",
        JiraProjectKey:    "PROJ",
        JiraEpicLinkField: "customfield_10014",
        StaleThreshold:    30 * time.Minute,
        NudgeCooldown:     24 * time.Hour,
        SyncTimeout:       5 * time.Minute,
    }
}

func newTestService(store *fakeStore, tracker *fakeTracker, notifier *fakeNotifier) *Service {
    svc := New(testConfig(), zerolog.Nop(), store, tracker, notifier)
    return svc
}

// rawIssue builds a search record in tracker wire shape.
func rawIssue(key, issueType, summary, statusName, statusCategory, resolution, parentEpic string, labels []string, sprintIDs ...string) map[string]any {
    fields := map[string]any{
        "issuetype": map[string]any{"name": issueType},
        "summary":   summary,
        "status":    map[string]any{"name": statusName, "statusCategory": map[string]any{"key": statusCategory}},
        "updated":   "2026-08-28T10:00:00.000+0000",
    }
    if resolution != "" { fields["resolution"] = map[string]any{"name": resolution} }
    if parentEpic != "" { fields["customfield_10014"] = parentEpic }
    if labels != nil {
        converted := make([]any, 0, len(labels))
        for _, l := range labels { converted = append(converted, l) }
        fields["labels"] = converted
    }
    if len(sprintIDs) > 0 {
        var sprints []any
        for _, id := range sprintIDs {
            sprints = append(sprints, map[string]any{"id": id, "name": "Sprint " + id, "state": "active"})
        }
        fields["sprint"] = sprints
    }
    return map[string]any{"key": key, "fields": fields}
}
