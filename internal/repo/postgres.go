package repo

import (
    "context"
    "errors"
    "time"

    "github.com/aadiby/epic-dod-management/internal/config"
    "github.com/aadiby/epic-dod-management/internal/domain"
    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/rs/zerolog"
)

type DB struct {
    Pool *pgxpool.Pool
    log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
    pool, err := pgxpool.New(ctx, cfg.DBDSN)
    if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
    ctx2, cancel := context.WithTimeout(ctx, 10*time.Second); defer cancel()
    if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
    return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

type Repository struct {
    db  *DB
    log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
    return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
    if !ok && err == nil { return errors.New("advisory unlock returned false") }
    return err
}

// Migrate creates the schema when absent. Snapshot tables are append-only;
// there is no UPDATE path for them anywhere in this package.
func (r *Repository) Migrate(ctx context.Context) error {
    const ddl = `
    CREATE TABLE IF NOT EXISTS sprint_snapshots(
        id BIGSERIAL PRIMARY KEY,
        jira_sprint_id TEXT NOT NULL,
        sprint_name TEXT NOT NULL DEFAULT '',
        sprint_state TEXT NOT NULL DEFAULT 'active',
        sync_timestamp TIMESTAMPTZ NOT NULL,
        issue_versions JSONB NOT NULL DEFAULT '{}'::jsonb
    );
    CREATE INDEX IF NOT EXISTS idx_sprint_snapshots_sprint_ts
        ON sprint_snapshots(jira_sprint_id, sync_timestamp DESC);

    CREATE TABLE IF NOT EXISTS epic_snapshots(
        id BIGSERIAL PRIMARY KEY,
        sprint_snapshot_id BIGINT NOT NULL REFERENCES sprint_snapshots(id) ON DELETE CASCADE,
        jira_key TEXT NOT NULL,
        summary TEXT NOT NULL DEFAULT '',
        status_name TEXT NOT NULL DEFAULT '',
        resolution_name TEXT NOT NULL DEFAULT '',
        is_done BOOLEAN NOT NULL DEFAULT FALSE,
        jira_url TEXT NOT NULL DEFAULT '',
        teams JSONB NOT NULL DEFAULT '[]'::jsonb,
        missing_squad_labels BOOLEAN NOT NULL DEFAULT FALSE,
        squad_label_warnings JSONB NOT NULL DEFAULT '[]'::jsonb,
        compliance_reasons JSONB NOT NULL DEFAULT '[]'::jsonb,
        is_compliant BOOLEAN NOT NULL DEFAULT FALSE,
        UNIQUE(sprint_snapshot_id, jira_key)
    );
    CREATE INDEX IF NOT EXISTS idx_epic_snapshots_key ON epic_snapshots(jira_key);

    CREATE TABLE IF NOT EXISTS dod_task_snapshots(
        id BIGSERIAL PRIMARY KEY,
        epic_snapshot_id BIGINT NOT NULL REFERENCES epic_snapshots(id) ON DELETE CASCADE,
        jira_key TEXT NOT NULL,
        summary TEXT NOT NULL DEFAULT '',
        category TEXT NOT NULL DEFAULT '',
        status_name TEXT NOT NULL DEFAULT '',
        resolution_name TEXT NOT NULL DEFAULT '',
        is_done BOOLEAN NOT NULL DEFAULT FALSE,
        jira_url TEXT NOT NULL DEFAULT '',
        has_evidence_link BOOLEAN NOT NULL DEFAULT FALSE,
        evidence_link TEXT NOT NULL DEFAULT '',
        non_compliance_reason TEXT NOT NULL DEFAULT '',
        UNIQUE(epic_snapshot_id, jira_key)
    );
    CREATE INDEX IF NOT EXISTS idx_dod_task_snapshots_category ON dod_task_snapshots(category);

    CREATE TABLE IF NOT EXISTS teams(
        id BIGSERIAL PRIMARY KEY,
        key TEXT NOT NULL UNIQUE,
        display_name TEXT NOT NULL DEFAULT '',
        notification_emails JSONB NOT NULL DEFAULT '[]'::jsonb,
        scrum_masters JSONB NOT NULL DEFAULT '[]'::jsonb,
        is_active BOOLEAN NOT NULL DEFAULT TRUE
    );

    CREATE TABLE IF NOT EXISTS nudge_logs(
        id BIGSERIAL PRIMARY KEY,
        epic_snapshot_id BIGINT NOT NULL REFERENCES epic_snapshots(id) ON DELETE CASCADE,
        epic_key TEXT NOT NULL,
        triggered_by TEXT NOT NULL DEFAULT '',
        recipient_emails JSONB NOT NULL DEFAULT '[]'::jsonb,
        message_preview TEXT NOT NULL DEFAULT '',
        sent_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS idx_nudge_logs_epic_sent ON nudge_logs(epic_key, sent_at DESC);

    CREATE TABLE IF NOT EXISTS sync_runs(
        id BIGSERIAL PRIMARY KEY,
        started_at TIMESTAMPTZ NOT NULL,
        finished_at TIMESTAMPTZ,
        status TEXT NOT NULL,
        trigger TEXT NOT NULL DEFAULT 'manual',
        triggered_by TEXT NOT NULL DEFAULT '',
        project_key TEXT NOT NULL DEFAULT '',
        sprint_snapshots INT NOT NULL DEFAULT 0,
        epic_snapshots INT NOT NULL DEFAULT 0,
        dod_task_snapshots INT NOT NULL DEFAULT 0,
        error_message TEXT NOT NULL DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at DESC);
    `
    _, err := r.db.Pool.Exec(ctx, ddl)
    return err
}

// ---- sync runs ----

func (r *Repository) StartSyncRun(ctx context.Context, trigger, triggeredBy, projectKey string) (domain.SyncRun, error) {
    run := domain.SyncRun{
        StartedAt:   time.Now().UTC(),
        Status:      domain.SyncStatusRunning,
        Trigger:     trigger,
        TriggeredBy: triggeredBy,
        ProjectKey:  projectKey,
    }
    const q = `INSERT INTO sync_runs(started_at, status, trigger, triggered_by, project_key)
        VALUES($1,$2,$3,$4,$5) RETURNING id`
    err := r.db.Pool.QueryRow(ctx, q, run.StartedAt, run.Status, run.Trigger, run.TriggeredBy, run.ProjectKey).Scan(&run.ID)
    return run, err
}

func (r *Repository) FinishSyncRun(ctx context.Context, run *domain.SyncRun) error {
    now := time.Now().UTC()
    run.FinishedAt = &now
    const q = `UPDATE sync_runs SET finished_at=$2, status=$3, sprint_snapshots=$4,
        epic_snapshots=$5, dod_task_snapshots=$6, error_message=$7 WHERE id=$1`
    _, err := r.db.Pool.Exec(ctx, q, run.ID, run.FinishedAt, run.Status,
        run.SprintSnapshots, run.EpicSnapshots, run.DoDTaskSnapshots, run.ErrorMessage)
    return err
}

func (r *Repository) LatestSyncRun(ctx context.Context) (*domain.SyncRun, error) {
    const q = `SELECT id, started_at, finished_at, status, trigger, triggered_by, project_key,
        sprint_snapshots, epic_snapshots, dod_task_snapshots, error_message
        FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT 1`
    var run domain.SyncRun
    err := r.db.Pool.QueryRow(ctx, q).Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Status,
        &run.Trigger, &run.TriggeredBy, &run.ProjectKey,
        &run.SprintSnapshots, &run.EpicSnapshots, &run.DoDTaskSnapshots, &run.ErrorMessage)
    if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
    if err != nil { return nil, err }
    return &run, nil
}

// ---- sprint snapshots ----

const sprintSnapshotCols = `id, jira_sprint_id, sprint_name, sprint_state, sync_timestamp, issue_versions`

func scanSprintSnapshot(row pgx.Row) (*domain.SprintSnapshot, error) {
    var s domain.SprintSnapshot
    err := row.Scan(&s.ID, &s.JiraSprintID, &s.SprintName, &s.SprintState, &s.SyncTimestamp, &s.IssueVersions)
    if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
    if err != nil { return nil, err }
    return &s, nil
}

// LatestSprintSnapshotFor returns the newest snapshot for one sprint id, or
// nil when none exists. This is the idempotency reference for the builder.
func (r *Repository) LatestSprintSnapshotFor(ctx context.Context, jiraSprintID string) (*domain.SprintSnapshot, error) {
    const q = `SELECT ` + sprintSnapshotCols + ` FROM sprint_snapshots
        WHERE jira_sprint_id=$1 ORDER BY sync_timestamp DESC, id DESC LIMIT 1`
    return scanSprintSnapshot(r.db.Pool.QueryRow(ctx, q, jiraSprintID))
}

func (r *Repository) LatestSprintSnapshot(ctx context.Context) (*domain.SprintSnapshot, error) {
    const q = `SELECT ` + sprintSnapshotCols + ` FROM sprint_snapshots
        ORDER BY sync_timestamp DESC, id DESC LIMIT 1`
    return scanSprintSnapshot(r.db.Pool.QueryRow(ctx, q))
}

func (r *Repository) SprintSnapshotByID(ctx context.Context, id int64) (*domain.SprintSnapshot, error) {
    const q = `SELECT ` + sprintSnapshotCols + ` FROM sprint_snapshots WHERE id=$1`
    return scanSprintSnapshot(r.db.Pool.QueryRow(ctx, q, id))
}

// LatestActiveSnapshots returns the latest snapshot per sprint currently in
// active state, newest first.
func (r *Repository) LatestActiveSnapshots(ctx context.Context) ([]domain.SprintSnapshot, error) {
    const q = `SELECT DISTINCT ON (jira_sprint_id) ` + sprintSnapshotCols + `
        FROM sprint_snapshots WHERE lower(sprint_state)='active'
        ORDER BY jira_sprint_id, sync_timestamp DESC, id DESC`
    rows, err := r.db.Pool.Query(ctx, q)
    if err != nil { return nil, err }
    defer rows.Close()
    return collectSprintSnapshots(rows)
}

// LatestSnapshotBatch returns every snapshot sharing the newest
// sync_timestamp. Used as scope fallback when no sprint is active.
func (r *Repository) LatestSnapshotBatch(ctx context.Context) ([]domain.SprintSnapshot, error) {
    const q = `SELECT ` + sprintSnapshotCols + ` FROM sprint_snapshots
        WHERE sync_timestamp = (SELECT max(sync_timestamp) FROM sprint_snapshots)
        ORDER BY sync_timestamp DESC, id DESC`
    rows, err := r.db.Pool.Query(ctx, q)
    if err != nil { return nil, err }
    defer rows.Close()
    return collectSprintSnapshots(rows)
}

func collectSprintSnapshots(rows pgx.Rows) ([]domain.SprintSnapshot, error) {
    var out []domain.SprintSnapshot
    for rows.Next() {
        var s domain.SprintSnapshot
        if err := rows.Scan(&s.ID, &s.JiraSprintID, &s.SprintName, &s.SprintState, &s.SyncTimestamp, &s.IssueVersions); err != nil { return nil, err }
        out = append(out, s)
    }
    return out, rows.Err()
}

// CreateSprintSnapshotSet writes one sprint snapshot with all of its epic and
// task rows in a single transaction. Readers never see a partial set.
func (r *Repository) CreateSprintSnapshotSet(ctx context.Context, snap domain.SprintSnapshot, epics []domain.EpicSnapshot) (domain.SprintSnapshot, int, int, error) {
    tx, err := r.db.Pool.Begin(ctx)
    if err != nil { return snap, 0, 0, err }
    defer func() { _ = tx.Rollback(ctx) }()

    const qs = `INSERT INTO sprint_snapshots(jira_sprint_id, sprint_name, sprint_state, sync_timestamp, issue_versions)
        VALUES($1,$2,$3,$4,$5) RETURNING id`
    if err := tx.QueryRow(ctx, qs, snap.JiraSprintID, snap.SprintName, snap.SprintState, snap.SyncTimestamp, snap.IssueVersions).Scan(&snap.ID); err != nil {
        return snap, 0, 0, err
    }

    epicCount := 0
    taskCount := 0
    const qe = `INSERT INTO epic_snapshots(sprint_snapshot_id, jira_key, summary, status_name, resolution_name,
            is_done, jira_url, teams, missing_squad_labels, squad_label_warnings, compliance_reasons, is_compliant)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`
    const qt = `INSERT INTO dod_task_snapshots(epic_snapshot_id, jira_key, summary, category, status_name,
            resolution_name, is_done, jira_url, has_evidence_link, evidence_link, non_compliance_reason)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
    for _, e := range epics {
        var epicID int64
        if err := tx.QueryRow(ctx, qe, snap.ID, e.JiraKey, e.Summary, e.StatusName, e.ResolutionName,
            e.IsDone, e.JiraURL, jsonStrings(e.Teams), e.MissingSquadLabels, jsonStrings(e.SquadLabelWarnings),
            jsonStrings(e.ComplianceReasons), e.IsCompliant).Scan(&epicID); err != nil {
            return snap, 0, 0, err
        }
        epicCount++
        if len(e.Tasks) == 0 { continue }
        batch := &pgx.Batch{}
        for _, t := range e.Tasks {
            batch.Queue(qt, epicID, t.JiraKey, t.Summary, t.Category, t.StatusName,
                t.ResolutionName, t.IsDone, t.JiraURL, t.HasEvidenceLink, t.EvidenceLink, t.NonComplianceReason)
        }
        br := tx.SendBatch(ctx, batch)
        for range e.Tasks {
            if _, err := br.Exec(); err != nil { _ = br.Close(); return snap, 0, 0, err }
        }
        if err := br.Close(); err != nil { return snap, 0, 0, err }
        taskCount += len(e.Tasks)
    }

    if err := tx.Commit(ctx); err != nil { return snap, 0, 0, err }
    return snap, epicCount, taskCount, nil
}

// jsonStrings keeps jsonb array columns non-null for empty slices.
func jsonStrings(in []string) []string {
    if in == nil { return []string{} }
    return in
}

// ---- epic snapshots ----

// EpicsBySnapshotIDs loads epics with their task rows for a set of sprint
// snapshots, ordered by jira_key.
func (r *Repository) EpicsBySnapshotIDs(ctx context.Context, ids []int64) ([]domain.EpicSnapshot, error) {
    if len(ids) == 0 { return nil, nil }
    const q = `SELECT e.id, e.sprint_snapshot_id, s.jira_sprint_id, s.sprint_name, e.jira_key, e.summary,
            e.status_name, e.resolution_name, e.is_done, e.jira_url, e.teams, e.missing_squad_labels,
            e.squad_label_warnings, e.compliance_reasons, e.is_compliant
        FROM epic_snapshots e
        JOIN sprint_snapshots s ON s.id = e.sprint_snapshot_id
        WHERE e.sprint_snapshot_id = ANY($1)
        ORDER BY e.jira_key, e.sprint_snapshot_id DESC`
    rows, err := r.db.Pool.Query(ctx, q, ids)
    if err != nil { return nil, err }
    defer rows.Close()

    var epics []domain.EpicSnapshot
    index := map[int64]int{}
    var epicIDs []int64
    for rows.Next() {
        var e domain.EpicSnapshot
        if err := rows.Scan(&e.ID, &e.SprintSnapshotID, &e.JiraSprintID, &e.SprintName, &e.JiraKey, &e.Summary,
            &e.StatusName, &e.ResolutionName, &e.IsDone, &e.JiraURL, &e.Teams, &e.MissingSquadLabels,
            &e.SquadLabelWarnings, &e.ComplianceReasons, &e.IsCompliant); err != nil { return nil, err }
        index[e.ID] = len(epics)
        epics = append(epics, e)
        epicIDs = append(epicIDs, e.ID)
    }
    if err := rows.Err(); err != nil { return nil, err }
    if len(epics) == 0 { return nil, nil }

    const qt = `SELECT id, epic_snapshot_id, jira_key, summary, category, status_name, resolution_name,
            is_done, jira_url, has_evidence_link, evidence_link, non_compliance_reason
        FROM dod_task_snapshots WHERE epic_snapshot_id = ANY($1) ORDER BY jira_key`
    trows, err := r.db.Pool.Query(ctx, qt, epicIDs)
    if err != nil { return nil, err }
    defer trows.Close()
    for trows.Next() {
        var t domain.DoDTaskSnapshot
        if err := trows.Scan(&t.ID, &t.EpicSnapshotID, &t.JiraKey, &t.Summary, &t.Category, &t.StatusName,
            &t.ResolutionName, &t.IsDone, &t.JiraURL, &t.HasEvidenceLink, &t.EvidenceLink, &t.NonComplianceReason); err != nil { return nil, err }
        if i, ok := index[t.EpicSnapshotID]; ok { epics[i].Tasks = append(epics[i].Tasks, t) }
    }
    return epics, trows.Err()
}

// ---- teams ----

const teamCols = `id, key, display_name, notification_emails, scrum_masters, is_active`

func (r *Repository) Teams(ctx context.Context) ([]domain.Team, error) {
    rows, err := r.db.Pool.Query(ctx, `SELECT `+teamCols+` FROM teams ORDER BY key`)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []domain.Team
    for rows.Next() {
        var t domain.Team
        if err := rows.Scan(&t.ID, &t.Key, &t.DisplayName, &t.NotificationEmails, &t.ScrumMasters, &t.IsActive); err != nil { return nil, err }
        out = append(out, t)
    }
    return out, rows.Err()
}

func (r *Repository) TeamByKey(ctx context.Context, key string) (*domain.Team, error) {
    var t domain.Team
    err := r.db.Pool.QueryRow(ctx, `SELECT `+teamCols+` FROM teams WHERE key=$1`, key).
        Scan(&t.ID, &t.Key, &t.DisplayName, &t.NotificationEmails, &t.ScrumMasters, &t.IsActive)
    if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
    if err != nil { return nil, err }
    return &t, nil
}

func (r *Repository) TeamsByKeys(ctx context.Context, keys []string) ([]domain.Team, error) {
    if len(keys) == 0 { return nil, nil }
    rows, err := r.db.Pool.Query(ctx, `SELECT `+teamCols+` FROM teams WHERE key = ANY($1) ORDER BY key`, keys)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []domain.Team
    for rows.Next() {
        var t domain.Team
        if err := rows.Scan(&t.ID, &t.Key, &t.DisplayName, &t.NotificationEmails, &t.ScrumMasters, &t.IsActive); err != nil { return nil, err }
        out = append(out, t)
    }
    return out, rows.Err()
}

// EnsureTeams creates team rows for keys seen for the first time during sync.
// Existing rows are never touched here; recipients are admin-managed.
func (r *Repository) EnsureTeams(ctx context.Context, keys []string) error {
    if len(keys) == 0 { return nil }
    batch := &pgx.Batch{}
    const q = `INSERT INTO teams(key) VALUES($1) ON CONFLICT(key) DO NOTHING`
    for _, k := range keys { batch.Queue(q, k) }
    br := r.db.Pool.SendBatch(ctx, batch)
    defer br.Close()
    for range keys { if _, err := br.Exec(); err != nil { return err } }
    return nil
}

func (r *Repository) UpdateTeamRecipients(ctx context.Context, key string, recipients []string) (*domain.Team, error) {
    const q = `UPDATE teams SET notification_emails=$2 WHERE key=$1 RETURNING ` + teamCols
    var t domain.Team
    err := r.db.Pool.QueryRow(ctx, q, key, jsonStrings(recipients)).
        Scan(&t.ID, &t.Key, &t.DisplayName, &t.NotificationEmails, &t.ScrumMasters, &t.IsActive)
    if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
    if err != nil { return nil, err }
    return &t, nil
}

func (r *Repository) UpdateTeamScrumMasters(ctx context.Context, key string, scrumMasters []string) (*domain.Team, error) {
    const q = `UPDATE teams SET scrum_masters=$2 WHERE key=$1 RETURNING ` + teamCols
    var t domain.Team
    err := r.db.Pool.QueryRow(ctx, q, key, jsonStrings(scrumMasters)).
        Scan(&t.ID, &t.Key, &t.DisplayName, &t.NotificationEmails, &t.ScrumMasters, &t.IsActive)
    if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
    if err != nil { return nil, err }
    return &t, nil
}

// ---- nudge logs ----

// LatestNudgeFor computes the cooldown reference for one epic key, across all
// snapshots. Cooldown survives snapshot churn.
func (r *Repository) LatestNudgeFor(ctx context.Context, epicKey string) (*domain.NudgeLog, error) {
    const q = `SELECT id, epic_snapshot_id, epic_key, triggered_by, recipient_emails, message_preview, sent_at
        FROM nudge_logs WHERE epic_key=$1 ORDER BY sent_at DESC, id DESC LIMIT 1`
    var n domain.NudgeLog
    err := r.db.Pool.QueryRow(ctx, q, epicKey).
        Scan(&n.ID, &n.EpicSnapshotID, &n.EpicKey, &n.TriggeredBy, &n.RecipientEmails, &n.MessagePreview, &n.SentAt)
    if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
    if err != nil { return nil, err }
    return &n, nil
}

// LatestNudgeTimes returns the most recent sent_at per epic key, for epics
// that have been nudged at least once.
func (r *Repository) LatestNudgeTimes(ctx context.Context, epicKeys []string) (map[string]time.Time, error) {
    out := map[string]time.Time{}
    if len(epicKeys) == 0 { return out, nil }
    const q = `SELECT epic_key, max(sent_at) FROM nudge_logs WHERE epic_key = ANY($1) GROUP BY epic_key`
    rows, err := r.db.Pool.Query(ctx, q, epicKeys)
    if err != nil { return nil, err }
    defer rows.Close()
    for rows.Next() {
        var key string
        var sentAt time.Time
        if err := rows.Scan(&key, &sentAt); err != nil { return nil, err }
        out[key] = sentAt
    }
    return out, rows.Err()
}

func (r *Repository) InsertNudgeLog(ctx context.Context, n domain.NudgeLog) (domain.NudgeLog, error) {
    if n.SentAt.IsZero() { n.SentAt = time.Now().UTC() }
    const q = `INSERT INTO nudge_logs(epic_snapshot_id, epic_key, triggered_by, recipient_emails, message_preview, sent_at)
        VALUES($1,$2,$3,$4,$5,$6) RETURNING id`
    err := r.db.Pool.QueryRow(ctx, q, n.EpicSnapshotID, n.EpicKey, n.TriggeredBy,
        jsonStrings(n.RecipientEmails), n.MessagePreview, n.SentAt).Scan(&n.ID)
    return n, err
}

// NudgeLogsBySnapshotIDs returns all nudges against epics of the given sprint
// snapshots, newest first, with epic context joined in.
func (r *Repository) NudgeLogsBySnapshotIDs(ctx context.Context, ids []int64) ([]domain.NudgeLog, error) {
    if len(ids) == 0 { return nil, nil }
    const q = `SELECT n.id, n.epic_snapshot_id, n.epic_key, n.triggered_by, n.recipient_emails,
            n.message_preview, n.sent_at, e.sprint_snapshot_id, s.sprint_name, e.summary, e.teams
        FROM nudge_logs n
        JOIN epic_snapshots e ON e.id = n.epic_snapshot_id
        JOIN sprint_snapshots s ON s.id = e.sprint_snapshot_id
        WHERE e.sprint_snapshot_id = ANY($1)
        ORDER BY n.sent_at DESC, n.id DESC`
    rows, err := r.db.Pool.Query(ctx, q, ids)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []domain.NudgeLog
    for rows.Next() {
        var n domain.NudgeLog
        if err := rows.Scan(&n.ID, &n.EpicSnapshotID, &n.EpicKey, &n.TriggeredBy, &n.RecipientEmails,
            &n.MessagePreview, &n.SentAt, &n.SprintSnapshotID, &n.SprintName, &n.EpicSummary, &n.EpicTeams); err != nil { return nil, err }
        out = append(out, n)
    }
    return out, rows.Err()
}
