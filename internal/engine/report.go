package engine

import (
	"sort"
	"time"

	"github.com/mailrun/mailrun/internal/ledger"
	"github.com/mailrun/mailrun/internal/sender"
	"github.com/mailrun/mailrun/internal/task"
)

// DeadLetter records one permanently failed recipient
type DeadLetter struct {
	TaskID    string `json:"task_id"`
	Recipient string `json:"recipient"`
	SenderID  string `json:"sender_id,omitempty"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason"`
}

// Report is the final accounting of a campaign run. Every task lands in
// exactly one of Sent, DeadLettered or Unsent.
type Report struct {
	CampaignID   string         `json:"campaign_id"`
	Sent         int            `json:"sent"`
	DeadLettered int            `json:"dead_lettered"`
	Unsent       int            `json:"unsent"`
	DeadLetters  []DeadLetter   `json:"dead_letters,omitempty"`
	Senders      []sender.Stats `json:"senders,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// Total is the number of tasks the report accounts for
func (r *Report) Total() int {
	return r.Sent + r.DeadLettered + r.Unsent
}

func (e *Engine) buildReport() *Report {
	r := &Report{
		CampaignID: e.opts.CampaignID,
		Senders:    e.pool.GetStats(),
		StartedAt:  e.startedAt,
		FinishedAt: time.Now(),
	}

	// Outcomes settled in a prior run and replayed at startup.
	for id, st := range e.replayed {
		switch st.Status {
		case task.StatusSent:
			r.Sent++
		case task.StatusDeadLettered:
			r.DeadLettered++
			r.DeadLetters = append(r.DeadLetters, DeadLetter{
				TaskID:   id,
				SenderID: st.SenderID,
				Attempts: st.Attempt,
				Reason:   st.Reason,
			})
		}
	}

	for _, t := range e.queue.Snapshot() {
		switch t.Status {
		case task.StatusSent:
			r.Sent++
		case task.StatusDeadLettered:
			r.DeadLettered++
			r.DeadLetters = append(r.DeadLetters, DeadLetter{
				TaskID:    t.ID,
				Recipient: t.Recipient,
				SenderID:  t.SenderID,
				Attempts:  t.Attempts,
				Reason:    t.LastError,
			})
		default:
			r.Unsent++
		}
	}

	sort.Slice(r.DeadLetters, func(i, j int) bool {
		return r.DeadLetters[i].TaskID < r.DeadLetters[j].TaskID
	})
	return r
}

// ReportFromLedger rebuilds a campaign report from replayed ledger
// entries alone, without running the engine. Used by the report command
// after a run has finished or been interrupted.
func ReportFromLedger(campaignID string, entries []ledger.Entry) *Report {
	states := ledger.Snapshot(entries)
	r := &Report{CampaignID: campaignID}

	for id, st := range states {
		switch st.Status {
		case task.StatusSent:
			r.Sent++
		case task.StatusDeadLettered:
			r.DeadLettered++
			r.DeadLetters = append(r.DeadLetters, DeadLetter{
				TaskID:   id,
				SenderID: st.SenderID,
				Attempts: st.Attempt,
				Reason:   st.Reason,
			})
		default:
			r.Unsent++
		}
	}

	if len(entries) > 0 {
		r.StartedAt = entries[0].Timestamp
		r.FinishedAt = entries[len(entries)-1].Timestamp
	}
	sort.Slice(r.DeadLetters, func(i, j int) bool {
		return r.DeadLetters[i].TaskID < r.DeadLetters[j].TaskID
	})
	return r
}
