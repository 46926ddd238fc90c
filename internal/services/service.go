package services

import (
    "context"
    "hash/fnv"
    "sync"
    "time"

    "github.com/aadiby/epic-dod-management/internal/config"
    "github.com/aadiby/epic-dod-management/internal/domain"
    "github.com/rs/zerolog"
)

// Tracker is the external issue-tracker collaborator. It returns raw records;
// normalization into domain types happens in this package.
type Tracker interface {
    SearchActiveSprintIssues(ctx context.Context, projectKey string) ([]map[string]any, error)
    Issue(ctx context.Context, key string) (map[string]any, error)
    RemoteLinks(ctx context.Context, key string) ([]map[string]any, error)
    BaseURL() string
}

// Notifier delivers an approved nudge. Transport is owned by the dispatcher;
// this package only decides when, to whom, and what.
type Notifier interface {
    Dispatch(ctx context.Context, recipients []string, subject, body string) error
}

// Store is the persistence collaborator backing snapshots, teams, nudge logs
// and sync runs.
type Store interface {
    TryAdvisoryLock(ctx context.Context, key int64) (bool, error)
    AdvisoryUnlock(ctx context.Context, key int64) error

    StartSyncRun(ctx context.Context, trigger, triggeredBy, projectKey string) (domain.SyncRun, error)
    FinishSyncRun(ctx context.Context, run *domain.SyncRun) error
    LatestSyncRun(ctx context.Context) (*domain.SyncRun, error)

    LatestSprintSnapshotFor(ctx context.Context, jiraSprintID string) (*domain.SprintSnapshot, error)
    LatestSprintSnapshot(ctx context.Context) (*domain.SprintSnapshot, error)
    SprintSnapshotByID(ctx context.Context, id int64) (*domain.SprintSnapshot, error)
    LatestActiveSnapshots(ctx context.Context) ([]domain.SprintSnapshot, error)
    LatestSnapshotBatch(ctx context.Context) ([]domain.SprintSnapshot, error)
    CreateSprintSnapshotSet(ctx context.Context, snap domain.SprintSnapshot, epics []domain.EpicSnapshot) (domain.SprintSnapshot, int, int, error)
    EpicsBySnapshotIDs(ctx context.Context, ids []int64) ([]domain.EpicSnapshot, error)

    Teams(ctx context.Context) ([]domain.Team, error)
    TeamByKey(ctx context.Context, key string) (*domain.Team, error)
    TeamsByKeys(ctx context.Context, keys []string) ([]domain.Team, error)
    EnsureTeams(ctx context.Context, keys []string) error
    UpdateTeamRecipients(ctx context.Context, key string, recipients []string) (*domain.Team, error)
    UpdateTeamScrumMasters(ctx context.Context, key string, scrumMasters []string) (*domain.Team, error)

    LatestNudgeFor(ctx context.Context, epicKey string) (*domain.NudgeLog, error)
    LatestNudgeTimes(ctx context.Context, epicKeys []string) (map[string]time.Time, error)
    InsertNudgeLog(ctx context.Context, n domain.NudgeLog) (domain.NudgeLog, error)
    NudgeLogsBySnapshotIDs(ctx context.Context, ids []int64) ([]domain.NudgeLog, error)
}

type Service struct {
    cfg      config.Config
    log      zerolog.Logger
    store    Store
    tracker  Tracker
    notifier Notifier

    now func() time.Time

    // nudgeKeys serializes check-then-act of concurrent nudge requests for
    // the same epic key. Different epics proceed independently.
    nudgeMu   sync.Mutex
    nudgeKeys map[string]*sync.Mutex

    // freshness edge-trigger state
    freshMu         sync.Mutex
    lastFreshStatus string
}

func New(cfg config.Config, log zerolog.Logger, store Store, tracker Tracker, notifier Notifier) *Service {
    return &Service{
        cfg:       cfg,
        log:       log,
        store:     store,
        tracker:   tracker,
        notifier:  notifier,
        now:       func() time.Time { return time.Now().UTC() },
        nudgeKeys: map[string]*sync.Mutex{},
    }
}

// advisoryKey hashes a scope name into a Postgres advisory lock key.
func advisoryKey(scope string) int64 {
    h := fnv.New64a()
    _, _ = h.Write([]byte(scope))
    return int64(h.Sum64())
}

func (s *Service) epicLock(epicKey string) *sync.Mutex {
    s.nudgeMu.Lock()
    defer s.nudgeMu.Unlock()
    mu, ok := s.nudgeKeys[epicKey]
    if !ok { mu = &sync.Mutex{}; s.nudgeKeys[epicKey] = mu }
    return mu
}

// RunView and SnapshotView are the serialized shapes handed to the API layer.
type RunView struct {
    ID               int64      `json:"id"`
    StartedAt        time.Time  `json:"started_at"`
    FinishedAt       *time.Time `json:"finished_at"`
    Status           string     `json:"status"`
    Trigger          string     `json:"trigger"`
    TriggeredBy      string     `json:"triggered_by"`
    ProjectKey       string     `json:"project_key"`
    SprintSnapshots  int        `json:"sprint_snapshots"`
    EpicSnapshots    int        `json:"epic_snapshots"`
    DoDTaskSnapshots int        `json:"dod_task_snapshots"`
    ErrorMessage     string     `json:"error_message,omitempty"`
}

type SnapshotView struct {
    ID            int64     `json:"id"`
    JiraSprintID  string    `json:"jira_sprint_id"`
    SprintName    string    `json:"sprint_name"`
    SprintState   string    `json:"sprint_state"`
    SyncTimestamp time.Time `json:"sync_timestamp"`
}

type SyncStatus struct {
    ServerTime     time.Time     `json:"server_time"`
    LatestRun      *RunView      `json:"latest_run"`
    LatestSnapshot *SnapshotView `json:"latest_snapshot"`
    Freshness      Freshness     `json:"freshness"`
}

func runView(run *domain.SyncRun) *RunView {
    if run == nil { return nil }
    return &RunView{
        ID: run.ID, StartedAt: run.StartedAt, FinishedAt: run.FinishedAt, Status: run.Status,
        Trigger: run.Trigger, TriggeredBy: run.TriggeredBy, ProjectKey: run.ProjectKey,
        SprintSnapshots: run.SprintSnapshots, EpicSnapshots: run.EpicSnapshots,
        DoDTaskSnapshots: run.DoDTaskSnapshots, ErrorMessage: run.ErrorMessage,
    }
}

func snapshotView(sn *domain.SprintSnapshot) *SnapshotView {
    if sn == nil { return nil }
    return &SnapshotView{ID: sn.ID, JiraSprintID: sn.JiraSprintID, SprintName: sn.SprintName,
        SprintState: sn.SprintState, SyncTimestamp: sn.SyncTimestamp}
}

// GetSyncStatus reports the latest run, latest snapshot and data freshness.
// Stale and missing observations raise an alert event on state transition only.
func (s *Service) GetSyncStatus(ctx context.Context) (SyncStatus, error) {
    now := s.now()
    run, err := s.store.LatestSyncRun(ctx)
    if err != nil { return SyncStatus{}, err }
    snap, err := s.store.LatestSprintSnapshot(ctx)
    if err != nil { return SyncStatus{}, err }
    fresh := ComputeFreshness(snap, now, s.cfg.StaleThreshold)
    s.observeFreshness(fresh, snap)
    return SyncStatus{ServerTime: now, LatestRun: runView(run), LatestSnapshot: snapshotView(snap), Freshness: fresh}, nil
}
