package services

import (
    "regexp"
    "strings"

    "github.com/aadiby/epic-dod-management/internal/domain"
)

// DoD task detection and compliance rules. All functions here are pure; the
// sync pipeline applies them while building snapshots so stored rows carry
// the verdicts.

const (
    dodPrefix   = "DoD - "
    squadPrefix = "squad_"
)

// Task-level non-compliance reasons, in precedence order.
const (
    ReasonTaskNotDone     = "task_not_done"
    ReasonMissingEvidence = "missing_evidence_link"
)

// Epic-level compliance reasons.
const (
    ReasonNoDoDTasks      = "no_dod_tasks"
    ReasonIncompleteTasks = "incomplete_dod_tasks"
)

var categorySepRe = regexp.MustCompile(`[^a-z0-9]+`)

// IsDoDTask reports whether a summary marks a Definition-of-Done task.
// Leading whitespace is ignored; the prefix match itself is case sensitive.
func IsDoDTask(summary string) bool {
    return strings.HasPrefix(strings.TrimSpace(summary), dodPrefix)
}

// DoDCategory derives the normalized category slug from a DoD task summary:
// the text after the prefix, lowercased, with runs of non-alphanumerics
// collapsed to underscores. Empty remainders fall back to "general".
func DoDCategory(summary string) string {
    // trim the prefix without its trailing space: a summary whose remainder
    // is all whitespace trims down to "DoD -" and must still land on the
    // "general" fallback.
    rest := strings.TrimSpace(summary)
    rest = strings.TrimPrefix(rest, strings.TrimSuffix(dodPrefix, " "))
    rest = strings.ToLower(strings.TrimSpace(rest))
    rest = categorySepRe.ReplaceAllString(rest, "_")
    rest = strings.Trim(rest, "_")
    if rest == "" { return "general" }
    return rest
}

// TaskNonComplianceReason returns the single reason a task fails, or "" when
// it is compliant. An undone task reports task_not_done even when evidence is
// also missing.
func TaskNonComplianceReason(isDone, hasEvidence bool) string {
    if !isDone { return ReasonTaskNotDone }
    if !hasEvidence { return ReasonMissingEvidence }
    return ""
}

// BuildDoDTask materializes a task snapshot from a normalized issue. The
// first non-empty remote link is kept as the evidence link.
func BuildDoDTask(issue domain.NormalizedIssue, jiraURL string) domain.DoDTaskSnapshot {
    evidence := ""
    for _, l := range issue.RemoteLinks {
        if strings.TrimSpace(l) != "" { evidence = l; break }
    }
    return domain.DoDTaskSnapshot{
        JiraKey:             issue.Key,
        Summary:             issue.Summary,
        Category:            DoDCategory(issue.Summary),
        StatusName:          issue.Status,
        ResolutionName:      issue.Resolution,
        IsDone:              issue.IsDone,
        JiraURL:             jiraURL,
        HasEvidenceLink:     evidence != "",
        EvidenceLink:        evidence,
        NonComplianceReason: TaskNonComplianceReason(issue.IsDone, evidence != ""),
    }
}

// EvaluateEpicTasks computes the epic verdict over its DoD tasks. An epic
// with no DoD tasks is non-compliant (no_dod_tasks); one with any failing
// task is non-compliant (incomplete_dod_tasks).
func EvaluateEpicTasks(tasks []domain.DoDTaskSnapshot) (reasons []string, compliant bool) {
    if len(tasks) == 0 { return []string{ReasonNoDoDTasks}, false }
    for _, t := range tasks {
        if !t.IsCompliant() { return []string{ReasonIncompleteTasks}, false }
    }
    return []string{}, true
}
