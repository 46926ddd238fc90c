package services

import (
    "fmt"
    "sort"
    "strings"

    "github.com/aadiby/epic-dod-management/internal/domain"
)

// Raw tracker records arrive as nested map[string]any. The helpers below keep
// the navigation noise out of the normalizer itself.

func asMap(v any) map[string]any {
    m, _ := v.(map[string]any)
    return m
}

func asString(v any) string {
    s, _ := v.(string)
    return s
}

func asSlice(v any) []any {
    l, _ := v.([]any)
    return l
}

// NormalizeIssue converts one raw search record into a NormalizedIssue.
// Records without a key or an issue type are rejected as malformed.
func NormalizeIssue(raw map[string]any, epicLinkField string) (domain.NormalizedIssue, error) {
    key := strings.TrimSpace(asString(raw["key"]))
    if key == "" { return domain.NormalizedIssue{}, &domain.NormalizationError{Field: "key"} }
    fields := asMap(raw["fields"])
    if fields == nil { return domain.NormalizedIssue{}, &domain.NormalizationError{Field: "fields", Key: key} }

    typeName := asString(asMap(fields["issuetype"])["name"])
    if strings.TrimSpace(typeName) == "" {
        return domain.NormalizedIssue{}, &domain.NormalizationError{Field: "issuetype", Key: key}
    }

    status := asMap(fields["status"])
    statusName := asString(status["name"])
    if statusName == "" { statusName = "Unknown" }
    statusCategory := asString(asMap(status["statusCategory"])["key"])
    resolution := asString(asMap(fields["resolution"])["name"])

    issue := domain.NormalizedIssue{
        Key:            key,
        Type:           classifyIssueType(typeName),
        Status:         statusName,
        StatusCategory: statusCategory,
        Resolution:     resolution,
        IsDone:         isDone(resolution, statusCategory),
        Summary:        asString(fields["summary"]),
        Labels:         stringSlice(fields["labels"]),
        ParentKey:      extractParentEpicKey(fields, epicLinkField),
        UpdateVersion:  versionToken(raw, fields),
        Sprints:        issueSprints(fields),
    }
    return issue, nil
}

func classifyIssueType(name string) string {
    switch n := strings.ToLower(strings.TrimSpace(name)); {
    case n == "epic":
        return domain.IssueTypeEpic
    case strings.Contains(n, "sub-task") || strings.Contains(n, "subtask"):
        return domain.IssueTypeOther
    default:
        return domain.IssueTypeTask
    }
}

func isDone(resolution, statusCategory string) bool {
    if strings.EqualFold(strings.TrimSpace(resolution), "done") { return true }
    return strings.EqualFold(statusCategory, "done")
}

func stringSlice(v any) []string {
    out := []string{}
    for _, item := range asSlice(v) {
        if s, ok := item.(string); ok { out = append(out, s) }
    }
    return out
}

// extractParentEpicKey resolves the owning epic for a non-epic issue:
// a parent whose issue type is Epic wins, then the configured epic-link
// custom field. Epics themselves carry no parent.
func extractParentEpicKey(fields map[string]any, epicLinkField string) string {
    if strings.EqualFold(strings.TrimSpace(asString(asMap(fields["issuetype"])["name"])), "epic") {
        return ""
    }
    if parent := asMap(fields["parent"]); parent != nil {
        parentType := asString(asMap(asMap(parent["fields"])["issuetype"])["name"])
        if strings.EqualFold(strings.TrimSpace(parentType), "epic") {
            if k := strings.TrimSpace(asString(parent["key"])); k != "" { return k }
        }
    }
    return strings.TrimSpace(asString(fields[epicLinkField]))
}

// versionToken derives the change marker used for snapshot idempotency.
// The updated timestamp is preferred; records without one fall back to a
// composite of visible fields so a status or summary change still registers.
func versionToken(raw, fields map[string]any) string {
    switch u := fields["updated"].(type) {
    case string:
        if s := strings.TrimSpace(u); s != "" { return s }
    case float64:
        return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", u), "0"), ".")
    }
    if v, ok := raw["version"]; ok && v != nil { return fmt.Sprintf("%v", v) }
    statusName := asString(asMap(fields["status"])["name"])
    resolution := asString(asMap(fields["resolution"])["name"])
    return fmt.Sprintf("fallback:%s|%s|%s", statusName, resolution, asString(fields["summary"]))
}

// issueSprints reads sprint membership from the canonical field, falling back
// to the agile board custom field some instances expose instead.
func issueSprints(fields map[string]any) []domain.SprintRef {
    if refs := sprintRefs(fields["sprint"]); len(refs) > 0 { return refs }
    return sprintRefs(fields["customfield_10020"])
}

func sprintRefs(v any) []domain.SprintRef {
    items := asSlice(v)
    if items == nil {
        if m := asMap(v); m != nil { items = []any{m} }
    }
    var out []domain.SprintRef
    for _, item := range items {
        m := asMap(item)
        if m == nil || m["id"] == nil { continue }
        id := strings.TrimSpace(fmt.Sprintf("%v", m["id"]))
        if id == "" || id == "<nil>" { continue }
        if f, ok := m["id"].(float64); ok { id = fmt.Sprintf("%d", int64(f)) }
        name := asString(m["name"])
        if name == "" { name = "Sprint " + id }
        state := asString(m["state"])
        if state == "" { state = "active" }
        out = append(out, domain.SprintRef{ID: id, Name: name, State: state})
    }
    return out
}

// ExtractTeamMetadata inspects the labels of an epic and its linked issues
// for squad ownership. A well-formed label squad_<name> assigns the epic to
// that team; labels that look squad-like but carry no usable name are kept
// as warnings for the metrics surface.
func ExtractTeamMetadata(issues []domain.NormalizedIssue) (teams []string, missing bool, warnings []string) {
    teamSet := map[string]struct{}{}
    warnSet := map[string]struct{}{}
    for _, issue := range issues {
        for _, label := range issue.Labels {
            raw := strings.TrimSpace(label)
            if raw == "" { continue }
            normalized := strings.ToLower(raw)
            if strings.HasPrefix(normalized, squadPrefix) {
                name := strings.TrimSpace(normalized[len(squadPrefix):])
                if name != "" {
                    teamSet[squadPrefix+name] = struct{}{}
                } else {
                    warnSet[raw] = struct{}{}
                }
            } else if strings.HasPrefix(normalized, "squad") {
                warnSet[raw] = struct{}{}
            }
        }
    }
    teams = make([]string, 0, len(teamSet))
    for t := range teamSet { teams = append(teams, t) }
    sort.Strings(teams)
    warnings = make([]string, 0, len(warnSet))
    for w := range warnSet { warnings = append(warnings, w) }
    sort.Strings(warnings)
    return teams, len(teams) == 0, warnings
}
