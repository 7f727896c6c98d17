package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailrun/mailrun/internal/task"
)

func entry(id string, status task.Status, attempt int) Entry {
	return Entry{
		TaskID:    id,
		Status:    status,
		Attempt:   attempt,
		SenderID:  "s1",
		Timestamp: time.Now(),
	}
}

func TestFileAppendReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.jsonl")

	l, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}

	entries := []Entry{
		entry("t1", task.StatusPending, 0),
		entry("t1", task.StatusInFlight, 0),
		entry("t1", task.StatusSent, 1),
		entry("t2", task.StatusPending, 0),
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh handle must see everything the old one wrote.
	l2, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	got, err := l2.Replay()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(entries) {
		t.Fatalf("replayed %d entries, want %d", len(got), len(entries))
	}
	for i, e := range got {
		if e.TaskID != entries[i].TaskID || e.Status != entries[i].Status || e.Attempt != entries[i].Attempt {
			t.Errorf("entry %d mismatch: got %+v want %+v", i, e, entries[i])
		}
	}
}

func TestFileReplayMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "campaign.jsonl")
	l, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	got, err := l.Replay()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("fresh ledger should replay empty, got %d entries", len(got))
	}
}

func TestFileReplayCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.jsonl")
	l, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Append(entry("t1", task.StatusPending, 0)); err != nil {
		t.Fatal(err)
	}
	l.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{\"task_id\": truncated garbage\n")
	f.Close()

	l2, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	_, err = l2.Replay()
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

// A crash between write and sync leaves a final line without its
// newline. That entry was never durable; replay drops it and resumes
// from what is.
func TestFileReplayToleratesTornFinalLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.jsonl")
	l, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Append(entry("t1", task.StatusPending, 0)); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(entry("t1", task.StatusSent, 1)); err != nil {
		t.Fatal(err)
	}
	l.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"task_id":"t2","sta`)
	f.Close()

	l2, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	got, err := l2.Replay()
	if err != nil {
		t.Fatalf("torn final line should not fail replay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("replayed %d entries, want the 2 durable ones", len(got))
	}
	if got[1].Status != task.StatusSent {
		t.Errorf("last durable entry should survive, got %+v", got[1])
	}
}

func TestFileReplayRejectsEntryWithoutID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.jsonl")
	if err := os.WriteFile(path, []byte(`{"status":"sent","ts":"2026-01-01T00:00:00Z"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if _, err := l.Replay(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for entry without task id, got %v", err)
	}
}

func TestSnapshotKeepsLatestState(t *testing.T) {
	entries := []Entry{
		entry("t1", task.StatusPending, 0),
		entry("t1", task.StatusInFlight, 0),
		entry("t1", task.StatusRetrying, 1),
		entry("t2", task.StatusPending, 0),
		entry("t2", task.StatusInFlight, 0),
		entry("t2", task.StatusSent, 1),
	}

	states := Snapshot(entries)
	if len(states) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(states))
	}
	if states["t1"].Status != task.StatusRetrying || states["t1"].Attempt != 1 {
		t.Errorf("t1 state wrong: %+v", states["t1"])
	}
	if states["t2"].Status != task.StatusSent {
		t.Errorf("t2 state wrong: %+v", states["t2"])
	}
}

func TestResumeState(t *testing.T) {
	now := time.Now()
	staleness := 10 * time.Minute

	tests := []struct {
		name       string
		st         TaskState
		wantStatus task.Status
		wantAtt    int
		redeliver  bool
	}{
		{
			name:       "sent stays settled",
			st:         TaskState{Status: task.StatusSent, Attempt: 1, UpdatedAt: now},
			wantStatus: task.StatusSent, wantAtt: 1, redeliver: false,
		},
		{
			name:       "dead letter stays settled",
			st:         TaskState{Status: task.StatusDeadLettered, Attempt: 3, UpdatedAt: now},
			wantStatus: task.StatusDeadLettered, wantAtt: 3, redeliver: false,
		},
		{
			name:       "fresh in-flight does not charge the attempt",
			st:         TaskState{Status: task.StatusInFlight, Attempt: 1, UpdatedAt: now.Add(-time.Minute)},
			wantStatus: task.StatusRetrying, wantAtt: 1, redeliver: true,
		},
		{
			name:       "stale in-flight charges the attempt",
			st:         TaskState{Status: task.StatusInFlight, Attempt: 1, UpdatedAt: now.Add(-time.Hour)},
			wantStatus: task.StatusRetrying, wantAtt: 2, redeliver: true,
		},
		{
			name:       "retrying resumes as retrying",
			st:         TaskState{Status: task.StatusRetrying, Attempt: 2, UpdatedAt: now},
			wantStatus: task.StatusRetrying, wantAtt: 2, redeliver: true,
		},
		{
			name:       "pending resumes as pending",
			st:         TaskState{Status: task.StatusPending, UpdatedAt: now},
			wantStatus: task.StatusPending, wantAtt: 0, redeliver: true,
		},
		{
			name:       "assigned resumes as pending",
			st:         TaskState{Status: task.StatusAssigned, UpdatedAt: now},
			wantStatus: task.StatusPending, wantAtt: 0, redeliver: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, attempt, redeliver := ResumeState(tc.st, now, staleness)
			if status != tc.wantStatus || attempt != tc.wantAtt || redeliver != tc.redeliver {
				t.Errorf("got (%s, %d, %v), want (%s, %d, %v)",
					status, attempt, redeliver, tc.wantStatus, tc.wantAtt, tc.redeliver)
			}
		})
	}
}
