package domain

import "time"

// Issue types as classified by the normalizer.
const (
    IssueTypeEpic  = "epic"
    IssueTypeTask  = "task"
    IssueTypeOther = "other"
)

// SprintRef identifies a sprint an issue belongs to within a sync cycle.
type SprintRef struct {
    ID    string
    Name  string
    State string
}

// NormalizedIssue is the per-cycle shape produced from raw tracker records.
// It is never persisted; only its version token survives inside a snapshot.
type NormalizedIssue struct {
    Key            string
    Type           string
    Status         string
    StatusCategory string
    Resolution     string
    IsDone         bool
    Summary        string
    Labels         []string
    ParentKey      string
    RemoteLinks    []string
    UpdateVersion  string
    Sprints        []SprintRef
}

// SprintSnapshot is immutable once created. Multiple snapshots may exist per
// jira_sprint_id; the latest is the one with max sync_timestamp.
type SprintSnapshot struct {
    ID            int64
    JiraSprintID  string
    SprintName    string
    SprintState   string
    SyncTimestamp time.Time
    IssueVersions map[string]string
}

type EpicSnapshot struct {
    ID                 int64
    SprintSnapshotID   int64
    JiraSprintID       string
    SprintName         string
    JiraKey            string
    Summary            string
    StatusName         string
    ResolutionName     string
    IsDone             bool
    JiraURL            string
    Teams              []string
    MissingSquadLabels bool
    SquadLabelWarnings []string
    ComplianceReasons  []string
    IsCompliant        bool
    Tasks              []DoDTaskSnapshot
}

type DoDTaskSnapshot struct {
    ID                  int64
    EpicSnapshotID      int64
    JiraKey             string
    Summary             string
    Category            string
    StatusName          string
    ResolutionName      string
    IsDone              bool
    JiraURL             string
    HasEvidenceLink     bool
    EvidenceLink        string
    NonComplianceReason string
}

// IsCompliant reports task-level compliance: done with at least one evidence link.
func (t DoDTaskSnapshot) IsCompliant() bool { return t.IsDone && t.HasEvidenceLink }

type Team struct {
    ID                 int64
    Key                string
    DisplayName        string
    NotificationEmails []string
    ScrumMasters       []string
    IsActive           bool
}

type NudgeLog struct {
    ID               int64
    EpicSnapshotID   int64
    EpicKey          string
    SprintSnapshotID int64
    SprintName       string
    EpicSummary      string
    EpicTeams        []string
    TriggeredBy      string
    RecipientEmails  []string
    MessagePreview   string
    SentAt           time.Time
}

// Sync run statuses and triggers.
const (
    SyncStatusRunning = "RUNNING"
    SyncStatusSuccess = "SUCCESS"
    SyncStatusFailed  = "FAILED"

    SyncTriggerManual    = "manual"
    SyncTriggerScheduled = "scheduled"
)

type SyncRun struct {
    ID               int64
    StartedAt        time.Time
    FinishedAt       *time.Time
    Status           string
    Trigger          string
    TriggeredBy      string
    ProjectKey       string
    SprintSnapshots  int
    EpicSnapshots    int
    DoDTaskSnapshots int
    ErrorMessage     string
}
