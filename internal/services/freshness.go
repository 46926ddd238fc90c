package services

import (
    "fmt"
    "time"

    "github.com/aadiby/epic-dod-management/internal/domain"
)

// Freshness statuses.
const (
    FreshnessMissing = "missing"
    FreshnessStale   = "stale"
    FreshnessFresh   = "fresh"
)

type Freshness struct {
    Status                string     `json:"status"`
    IsStale               bool       `json:"is_stale"`
    StaleThresholdMinutes int        `json:"stale_threshold_minutes"`
    AgeSeconds            *int64     `json:"age_seconds"`
    AgeMinutes            *float64   `json:"age_minutes"`
    LastSnapshotAt        *time.Time `json:"last_snapshot_at"`
    Message               string     `json:"message"`
}

// ComputeFreshness grades the age of the latest sprint snapshot against the
// configured stale threshold. No snapshot at all reads as missing, which is
// also stale.
func ComputeFreshness(snapshot *domain.SprintSnapshot, now time.Time, threshold time.Duration) Freshness {
    thresholdMinutes := int(threshold.Minutes())
    if thresholdMinutes < 1 { thresholdMinutes = 1 }
    if snapshot == nil {
        return Freshness{
            Status:                FreshnessMissing,
            IsStale:               true,
            StaleThresholdMinutes: thresholdMinutes,
            Message:               "No sprint snapshot available yet.",
        }
    }
    ageSeconds := int64(now.Sub(snapshot.SyncTimestamp).Seconds())
    if ageSeconds < 0 { ageSeconds = 0 }
    ageMinutes := round2(float64(ageSeconds) / 60)
    isStale := ageSeconds > int64(thresholdMinutes)*60
    status := FreshnessFresh
    message := "Latest snapshot is fresh."
    if isStale {
        status = FreshnessStale
        message = fmt.Sprintf("Latest snapshot is stale (>%d minutes old).", thresholdMinutes)
    }
    lastAt := snapshot.SyncTimestamp
    return Freshness{
        Status:                status,
        IsStale:               isStale,
        StaleThresholdMinutes: thresholdMinutes,
        AgeSeconds:            &ageSeconds,
        AgeMinutes:            &ageMinutes,
        LastSnapshotAt:        &lastAt,
        Message:               message,
    }
}

// observeFreshness raises an alert log when the freshness status transitions
// into stale or missing. Repeated observations of the same degraded state
// stay quiet so the alert stream marks edges, not polls.
func (s *Service) observeFreshness(fresh Freshness, snapshot *domain.SprintSnapshot) {
    s.freshMu.Lock()
    prev := s.lastFreshStatus
    s.lastFreshStatus = fresh.Status
    s.freshMu.Unlock()
    if fresh.Status == prev || fresh.Status == FreshnessFresh { return }
    ev := s.log.Warn().Str("event", "alert.sync.stale").
        Str("freshness_status", fresh.Status).
        Int("stale_threshold_minutes", fresh.StaleThresholdMinutes)
    if fresh.AgeSeconds != nil { ev = ev.Int64("age_seconds", *fresh.AgeSeconds) }
    if snapshot != nil { ev = ev.Int64("latest_snapshot_id", snapshot.ID) }
    ev.Msg("sync data is not fresh")
}
