package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mailrun/mailrun/internal/task"
)

// Queue is the synchronized holding area for tasks awaiting delivery.
// It owns every non-terminal task in the campaign and hands them out to
// workers one claim at a time: all operations run under a single mutex,
// so two workers can never observe the same task as available.
//
// Durability is layered on top by the progress ledger; the queue itself
// is rebuilt from ledger replay on resume.
type Queue struct {
	mu     sync.Mutex
	logger *slog.Logger

	tasks      map[string]*task.Task
	bySender   map[string][]string // ordered ids assigned to each sender
	unassigned []string            // ordered ids awaiting assignment
	inFlight   map[string]string   // task id -> sender id holding the claim
	seq        int64
	chooser    Chooser
}

// Chooser decides whether a sender may claim a task from the unassigned
// pool right now. The scheduler implements it with the configured
// distribution strategy.
type Chooser interface {
	Choose(senderID string) bool
}

// SetChooser installs the assignment policy consulted by TakeNext for
// unassigned tasks. Without one, workers only drain their own queues.
func (q *Queue) SetChooser(c Chooser) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chooser = c
}

// New creates an empty task queue
func New() *Queue {
	return &Queue{
		logger:   slog.Default().With("component", "queue"),
		tasks:    make(map[string]*task.Task),
		bySender: make(map[string][]string),
		inFlight: make(map[string]string),
	}
}

// Enqueue adds a task in Pending state. Tasks that already carry a sender
// assignment (replayed Retrying tasks) land directly in that sender's queue.
func (q *Queue) Enqueue(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	t.Seq = q.seq
	q.tasks[t.ID] = t

	if t.SenderID != "" && t.Status == task.StatusAssigned {
		q.bySender[t.SenderID] = append(q.bySender[t.SenderID], t.ID)
	} else {
		t.SenderID = ""
		q.unassigned = append(q.unassigned, t.ID)
	}

	q.logger.Debug("task enqueued",
		"task_id", t.ID,
		"recipient", t.Recipient,
		"status", t.Status,
		"sender_id", t.SenderID)
}

// TakeNext atomically claims the next eligible task for the given
// sender, transitioning it to InFlight. Tasks already assigned to the
// sender come first; if its queue is empty the unassigned pool is
// consulted, gated by the installed Chooser. Retrying tasks whose
// backoff has elapsed are preferred over fresh Pending ones; within a
// class, enqueue order wins. Returns false when nothing is eligible.
func (q *Queue) TakeNext(senderID string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()

	if t, ok := q.claimLocked(senderID, q.bySender[senderID], now, false); ok {
		return t, true
	}
	if q.chooser == nil || !q.chooser.Choose(senderID) {
		return nil, false
	}
	return q.claimLocked(senderID, q.unassigned, now, true)
}

// claimLocked picks the best eligible task out of ids and claims it for
// senderID. Caller holds q.mu.
func (q *Queue) claimLocked(senderID string, ids []string, now time.Time, fromUnassigned bool) (*task.Task, bool) {
	pick := -1
	for i, id := range ids {
		t := q.tasks[id]
		if t == nil || !t.Eligible(now) {
			continue
		}
		if pick == -1 {
			pick = i
			continue
		}
		cur := q.tasks[ids[pick]]
		if t.Attempts > cur.Attempts || (t.Attempts == cur.Attempts && t.Seq < cur.Seq) {
			pick = i
		}
	}
	if pick == -1 {
		return nil, false
	}

	id := ids[pick]
	t := q.tasks[id]
	rest := append(ids[:pick:pick], ids[pick+1:]...)
	if fromUnassigned {
		q.unassigned = rest
	} else {
		q.bySender[senderID] = rest
	}

	t.SenderID = senderID
	if t.Status == task.StatusRetrying || t.Status == task.StatusPending {
		_ = t.Transition(task.StatusAssigned)
	}
	if err := t.Transition(task.StatusInFlight); err != nil {
		// Should be unreachable; put the id back rather than lose the task.
		if fromUnassigned {
			q.unassigned = append(q.unassigned, id)
		} else {
			q.bySender[senderID] = append(q.bySender[senderID], id)
		}
		q.logger.Error("failed to claim task", "task_id", id, "error", err)
		return nil, false
	}
	q.inFlight[id] = senderID

	return t, true
}

// Requeue returns an in-flight task to its sender's queue in Retrying
// state with a future eligibility time.
func (q *Queue) Requeue(t *task.Task, whenEligible time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := t.Transition(task.StatusRetrying); err != nil {
		return err
	}
	t.NextEligible = whenEligible
	delete(q.inFlight, t.ID)

	if t.SenderID != "" {
		// Hand it back to the scheduler for reassignment rather than
		// pinning the retry to the sender that just failed it.
		t.SenderID = ""
	}
	q.unassigned = append(q.unassigned, t.ID)
	return nil
}

// Complete marks an in-flight task terminal and removes it from
// circulation. The caller has already appended the ledger entry.
func (q *Queue) Complete(t *task.Task, final task.Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := t.Transition(final); err != nil {
		return err
	}
	delete(q.inFlight, t.ID)
	return nil
}

// Release returns an in-flight task to the unassigned pool in Pending
// state without counting an attempt, used when a sender is disabled
// mid-claim.
func (q *Queue) Release(t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := t.Transition(task.StatusPending); err != nil {
		return err
	}
	t.SenderID = ""
	t.NextEligible = time.Time{}
	delete(q.inFlight, t.ID)
	q.unassigned = append(q.unassigned, t.ID)
	return nil
}

// ReleaseSender strips every queued (not in-flight) task from a sender
// and returns them to the unassigned pool for reassignment. Returns the
// released tasks so the caller can ledger the transitions.
func (q *Queue) ReleaseSender(senderID string) []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.bySender[senderID]
	delete(q.bySender, senderID)

	released := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t := q.tasks[id]
		if t == nil {
			continue
		}
		t.SenderID = ""
		if t.Status == task.StatusAssigned {
			_ = t.Transition(task.StatusPending)
		}
		q.unassigned = append(q.unassigned, id)
		released = append(released, t)
	}

	if len(released) > 0 {
		q.logger.Info("released sender queue",
			"sender_id", senderID,
			"released", len(released))
	}
	return released
}

// assignLocked moves an unassigned task onto a sender's queue. Caller
// holds q.mu.
func (q *Queue) assignLocked(t *task.Task, senderID string) {
	t.SenderID = senderID
	_ = t.Transition(task.StatusAssigned)
	q.bySender[senderID] = append(q.bySender[senderID], t.ID)
}

// Get returns the task with the given id, if present
func (q *Queue) Get(id string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	return t, ok
}

// Stats is a point-in-time snapshot of queue occupancy
type Stats struct {
	Unassigned int            `json:"unassigned"`
	InFlight   int            `json:"in_flight"`
	PerSender  map[string]int `json:"per_sender"`
	Remaining  int            `json:"remaining"`
}

// GetStats returns current queue occupancy
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Unassigned: len(q.unassigned),
		InFlight:   len(q.inFlight),
		PerSender:  make(map[string]int, len(q.bySender)),
	}
	for id, ids := range q.bySender {
		s.PerSender[id] = len(ids)
	}
	for _, t := range q.tasks {
		if !t.Status.Terminal() {
			s.Remaining++
		}
	}
	return s
}

// Remaining reports how many tasks have not yet reached a terminal state
func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if !t.Status.Terminal() {
			n++
		}
	}
	return n
}

// InFlightCount reports how many tasks are currently claimed by workers
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Snapshot returns all tasks, terminal or not, for reporting
func (q *Queue) Snapshot() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*task.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t)
	}
	return out
}
