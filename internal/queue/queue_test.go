package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mailrun/mailrun/internal/task"
)

// allowAll lets any sender claim from the unassigned pool
type allowAll struct{}

func (allowAll) Choose(string) bool { return true }

func newTask(n int) *task.Task {
	return task.New("camp", fmt.Sprintf("user%d@example.com", n), nil)
}

func TestTakeNextClaimsInEnqueueOrder(t *testing.T) {
	q := New()
	q.SetChooser(allowAll{})

	first := newTask(1)
	second := newTask(2)
	q.Enqueue(first)
	q.Enqueue(second)

	got, ok := q.TakeNext("s1")
	if !ok {
		t.Fatal("expected a task")
	}
	if got.ID != first.ID {
		t.Errorf("expected first enqueued task, got %s", got.Recipient)
	}
	if got.Status != task.StatusInFlight {
		t.Errorf("claimed task should be in_flight, got %s", got.Status)
	}
	if got.SenderID != "s1" {
		t.Errorf("claimed task should carry the claiming sender, got %q", got.SenderID)
	}
}

func TestTakeNextWithoutChooserOnlyDrainsOwnQueue(t *testing.T) {
	q := New()
	q.Enqueue(newTask(1))

	if _, ok := q.TakeNext("s1"); ok {
		t.Error("without a chooser, unassigned tasks must not be claimable")
	}
}

func TestTakeNextPrefersRetryingOverFresh(t *testing.T) {
	q := New()
	q.SetChooser(allowAll{})

	a := newTask(1)
	b := newTask(2)
	q.Enqueue(a)
	q.Enqueue(b)

	first, _ := q.TakeNext("s1")
	second, _ := q.TakeNext("s1")
	if first.ID != a.ID || second.ID != b.ID {
		t.Fatal("setup: expected claims in enqueue order")
	}

	// b failed an attempt and is past its backoff; a goes back untouched.
	second.Attempts = 1
	if err := q.Requeue(second, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := q.Release(first); err != nil {
		t.Fatal(err)
	}

	got, ok := q.TakeNext("s1")
	if !ok {
		t.Fatal("expected a task")
	}
	if got.ID != b.ID {
		t.Error("eligible retrying task should be preferred over a fresh one despite enqueue order")
	}
}

func TestTakeNextSkipsBackoff(t *testing.T) {
	q := New()
	q.SetChooser(allowAll{})

	tk := newTask(1)
	q.Enqueue(tk)
	claimed, _ := q.TakeNext("s1")
	if err := q.Requeue(claimed, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	if _, ok := q.TakeNext("s1"); ok {
		t.Error("task still in backoff must not be claimable")
	}
}

func TestRequeueReturnsTaskToPool(t *testing.T) {
	q := New()
	q.SetChooser(allowAll{})

	q.Enqueue(newTask(1))
	claimed, _ := q.TakeNext("s1")

	if err := q.Requeue(claimed, time.Now()); err != nil {
		t.Fatal(err)
	}
	if claimed.SenderID != "" {
		t.Error("requeued task should lose its sender so a healthier one can claim it")
	}

	got, ok := q.TakeNext("s2")
	if !ok {
		t.Fatal("another sender should be able to claim the retry")
	}
	if got.SenderID != "s2" {
		t.Errorf("expected s2 to own the claim, got %q", got.SenderID)
	}
}

func TestCompleteRemovesFromCirculation(t *testing.T) {
	q := New()
	q.SetChooser(allowAll{})

	q.Enqueue(newTask(1))
	claimed, _ := q.TakeNext("s1")

	if err := q.Complete(claimed, task.StatusSent); err != nil {
		t.Fatal(err)
	}
	if q.Remaining() != 0 {
		t.Errorf("completed task still counted as remaining: %d", q.Remaining())
	}
	if q.InFlightCount() != 0 {
		t.Error("completed task still counted in flight")
	}
	if _, ok := q.TakeNext("s1"); ok {
		t.Error("terminal task must not be claimable")
	}
}

func TestReleaseDoesNotChargeAttempt(t *testing.T) {
	q := New()
	q.SetChooser(allowAll{})

	q.Enqueue(newTask(1))
	claimed, _ := q.TakeNext("s1")
	claimed.Attempts = 2

	if err := q.Release(claimed); err != nil {
		t.Fatal(err)
	}
	if claimed.Status != task.StatusPending {
		t.Errorf("released task should be pending, got %s", claimed.Status)
	}
	if claimed.Attempts != 2 {
		t.Errorf("release must not change attempts, got %d", claimed.Attempts)
	}

	got, ok := q.TakeNext("s2")
	if !ok || got.ID != claimed.ID {
		t.Error("released task should be claimable by another sender")
	}
}

func TestReleaseSenderLeavesInFlightAlone(t *testing.T) {
	q := New()
	q.SetChooser(allowAll{})

	for i := 0; i < 3; i++ {
		q.Enqueue(newTask(i))
	}
	claimed, _ := q.TakeNext("s1")

	// Queue the remaining two directly on s1.
	q.mu.Lock()
	for _, id := range append([]string(nil), q.unassigned...) {
		q.unassigned = q.unassigned[1:]
		q.assignLocked(q.tasks[id], "s1")
	}
	q.mu.Unlock()

	released := q.ReleaseSender("s1")
	if len(released) != 2 {
		t.Fatalf("expected 2 released tasks, got %d", len(released))
	}
	for _, r := range released {
		if r.ID == claimed.ID {
			t.Error("in-flight task must never be released by ReleaseSender")
		}
		if r.Status != task.StatusPending {
			t.Errorf("released task should be pending, got %s", r.Status)
		}
	}
	if claimed.Status != task.StatusInFlight {
		t.Errorf("in-flight claim should be untouched, got %s", claimed.Status)
	}
}

// Two workers hammering TakeNext must never claim the same task.
func TestConcurrentClaimsAreExclusive(t *testing.T) {
	q := New()
	q.SetChooser(allowAll{})

	const n = 200
	for i := 0; i < n; i++ {
		q.Enqueue(newTask(i))
	}

	var mu sync.Mutex
	seen := make(map[string]string)

	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		wg.Add(1)
		go func(senderID string) {
			defer wg.Done()
			for {
				tk, ok := q.TakeNext(senderID)
				if !ok {
					return
				}
				mu.Lock()
				if prev, dup := seen[tk.ID]; dup {
					t.Errorf("task %s claimed by both %s and %s", tk.ID, prev, senderID)
				}
				seen[tk.ID] = senderID
				mu.Unlock()
				if err := q.Complete(tk, task.StatusSent); err != nil {
					t.Error(err)
				}
			}
		}(id)
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("expected %d claims, got %d", n, len(seen))
	}
}
