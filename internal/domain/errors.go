package domain

import (
    "errors"
    "fmt"
)

// ErrConcurrentSync is returned when a sync is requested while another run
// holds the lock for the same scope. Retryable conflict, not a fault.
var ErrConcurrentSync = errors.New("sync already in progress for this scope")

// NormalizationError marks a single raw issue that cannot be normalized.
// The issue is skipped; the sync continues.
type NormalizationError struct {
    Field string
    Key   string
}

func (e *NormalizationError) Error() string {
    if e.Key == "" { return fmt.Sprintf("issue missing required field %q", e.Field) }
    return fmt.Sprintf("issue %s missing required field %q", e.Key, e.Field)
}

// TrackerError wraps a failed tracker call. Run-scoped and fatal: the sync
// run is marked FAILED and no snapshots are written for unreached sprints.
type TrackerError struct {
    Operation string
    Err       error
}

func (e *TrackerError) Error() string {
    return fmt.Sprintf("tracker call failed (%s): %v", e.Operation, e.Err)
}

func (e *TrackerError) Unwrap() error { return e.Err }

// SnapshotPersistenceError is scoped to one sprint's snapshot set. Other
// sprints in the same run still get their snapshots.
type SnapshotPersistenceError struct {
    JiraSprintID string
    Err          error
}

func (e *SnapshotPersistenceError) Error() string {
    return fmt.Sprintf("snapshot write failed for sprint %s: %v", e.JiraSprintID, e.Err)
}

func (e *SnapshotPersistenceError) Unwrap() error { return e.Err }
