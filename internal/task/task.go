package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of an email task
type Status string

const (
	// StatusPending is for tasks waiting to be assigned to a sender
	StatusPending Status = "pending"
	// StatusAssigned is for tasks assigned to a sender but not yet attempted
	StatusAssigned Status = "assigned"
	// StatusInFlight is for tasks with a delivery attempt in progress
	StatusInFlight Status = "in_flight"
	// StatusSent is the terminal success state
	StatusSent Status = "sent"
	// StatusRetrying is for tasks waiting out a backoff delay before reassignment
	StatusRetrying Status = "retrying"
	// StatusDeadLettered is the terminal failure state; the task will not be retried
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether s is a final state
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDeadLettered
}

// validTransitions encodes the status DAG. A task never skips InFlight
// on its way to Sent, Retrying or DeadLettered.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusAssigned},
	StatusAssigned: {StatusInFlight, StatusPending},
	StatusInFlight: {StatusSent, StatusRetrying, StatusDeadLettered, StatusPending},
	StatusRetrying: {StatusAssigned, StatusPending},
}

// CanTransition reports whether moving from to next is a legal status change
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is one recipient's pending email delivery and its mutable
// lifecycle state. Recipient content is read-only input; the engine owns
// everything else.
type Task struct {
	ID         string            `json:"id"`
	CampaignID string            `json:"campaign_id"`
	Recipient  string            `json:"recipient"`
	Fields     map[string]string `json:"fields,omitempty"`

	Status       Status    `json:"status"`
	Attempts     int       `json:"attempts"`
	SenderID     string    `json:"sender_id,omitempty"`
	NextEligible time.Time `json:"next_eligible,omitempty"`
	LastError    string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Seq is the enqueue sequence number, used for deterministic ordering.
	Seq int64 `json:"seq"`
}

// New creates a pending task for a recipient within a campaign. The task
// id is derived from campaign id and recipient so that resumed runs
// produce identical ids for identical inputs.
func New(campaignID, recipient string, fields map[string]string) *Task {
	now := time.Now()
	return &Task{
		ID:         DeriveID(campaignID, recipient),
		CampaignID: campaignID,
		Recipient:  recipient,
		Fields:     fields,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// DeriveID returns the stable task id for a recipient within a campaign
func DeriveID(campaignID, recipient string) string {
	sum := sha256.Sum256([]byte(campaignID + "\x00" + strings.ToLower(recipient)))
	return hex.EncodeToString(sum[:16])
}

// Transition moves the task to a new status, validating against the
// status DAG and stamping the update time.
func (t *Task) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("illegal task transition %s -> %s (task %s)", t.Status, to, t.ID)
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

// Eligible reports whether the task may be handed to a worker at the
// given instant: it must be awaiting delivery and past any backoff delay.
func (t *Task) Eligible(now time.Time) bool {
	if t.Status != StatusPending && t.Status != StatusRetrying && t.Status != StatusAssigned {
		return false
	}
	return t.NextEligible.IsZero() || !now.Before(t.NextEligible)
}
