package ledger

import (
	"errors"
	"time"

	"github.com/mailrun/mailrun/internal/task"
)

// ErrCorrupt is returned when a prior ledger cannot be replayed. Resume
// fails fast rather than guessing at campaign state.
var ErrCorrupt = errors.New("ledger corrupt")

// Entry records one task state transition. The ledger is append-only;
// an entry is written durably before the in-memory transition commits.
type Entry struct {
	TaskID    string      `json:"task_id"`
	Status    task.Status `json:"status"`
	Attempt   int         `json:"attempt"`
	SenderID  string      `json:"sender_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"ts"`
}

// Ledger is the durable record of task state transitions. Append must
// not return until the entry will survive a process crash.
type Ledger interface {
	Append(e Entry) error
	Replay() ([]Entry, error)
	Close() error
}

// TaskState is the materialized current state of one task after replay
type TaskState struct {
	Status    task.Status
	Attempt   int
	SenderID  string
	Reason    string
	UpdatedAt time.Time
}

// Snapshot reduces an entry stream to each task's latest state
func Snapshot(entries []Entry) map[string]TaskState {
	states := make(map[string]TaskState)
	for _, e := range entries {
		states[e.TaskID] = TaskState{
			Status:    e.Status,
			Attempt:   e.Attempt,
			SenderID:  e.SenderID,
			Reason:    e.Reason,
			UpdatedAt: e.Timestamp,
		}
	}
	return states
}

// ResumeState classifies a replayed task for re-delivery. Terminal tasks
// are excluded from the new run; anything caught InFlight at crash time
// comes back as Retrying so the attempt is never silently lost, and the
// attempt only counts against max retries when the claim had gone stale
// (the send may actually have happened; a fresh claim almost certainly
// died before the wire).
func ResumeState(st TaskState, now time.Time, staleness time.Duration) (status task.Status, attempt int, redeliver bool) {
	switch st.Status {
	case task.StatusSent, task.StatusDeadLettered:
		return st.Status, st.Attempt, false
	case task.StatusInFlight:
		attempt = st.Attempt
		if staleness > 0 && now.Sub(st.UpdatedAt) >= staleness {
			attempt++
		}
		return task.StatusRetrying, attempt, true
	case task.StatusRetrying:
		return task.StatusRetrying, st.Attempt, true
	default:
		return task.StatusPending, st.Attempt, true
	}
}
