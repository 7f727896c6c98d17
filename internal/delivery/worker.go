package delivery

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/mailrun/mailrun/internal/ledger"
	"github.com/mailrun/mailrun/internal/queue"
	"github.com/mailrun/mailrun/internal/ratelimit"
	"github.com/mailrun/mailrun/internal/sender"
	"github.com/mailrun/mailrun/internal/task"
)

// RetryPolicy bounds the exponential backoff applied to transient
// delivery failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// Delay returns the backoff before the given attempt number is retried.
// Delays grow geometrically and clamp at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// MetricsRecorder receives delivery outcome events. Implementations
// must be safe for concurrent use across workers.
type MetricsRecorder interface {
	IncrSent(ctx context.Context, senderID string)
	IncrRetried(ctx context.Context, senderID string)
	IncrDeadLettered(ctx context.Context, senderID string, reason string)
	IncrReleased(ctx context.Context, senderID string)
}

// Worker drives delivery for one sender account. It runs alone against
// its account's mutable state: it dequeues the sender's next task, waits
// out the rate limiter, invokes the delivery transport, classifies the
// outcome and applies retry, dead-letter or sender-disable -- appending
// every transition to the ledger before committing it in memory.
type Worker struct {
	account   *sender.Account
	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	transport Transport
	ledger    ledger.Ledger
	policy    RetryPolicy
	metrics   MetricsRecorder
	logger    *slog.Logger

	deliveryTimeout time.Duration
	idleWait        time.Duration
}

// NewWorker wires a delivery worker for one sender
func NewWorker(account *sender.Account, q *queue.Queue, limiter *ratelimit.Limiter,
	transport Transport, led ledger.Ledger, policy RetryPolicy,
	deliveryTimeout time.Duration, metrics MetricsRecorder) *Worker {

	if deliveryTimeout <= 0 {
		deliveryTimeout = 2 * time.Minute
	}
	return &Worker{
		account:         account,
		queue:           q,
		limiter:         limiter,
		transport:       transport,
		ledger:          led,
		policy:          policy,
		metrics:         metrics,
		logger:          slog.Default().With("component", "worker", "sender_id", account.ID()),
		deliveryTimeout: deliveryTimeout,
		idleWait:        50 * time.Millisecond,
	}
}

// Run processes tasks until the context is cancelled, the sender is
// disabled, or its per-run limit is exhausted. A cancellation never
// abandons an attempt mid-send: the in-flight delivery completes and is
// committed before the worker exits.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "transport", w.transport.Name())
	defer w.logger.Info("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		switch w.account.Health() {
		case sender.HealthDisabled:
			w.releaseQueued("sender disabled")
			return nil
		case sender.HealthCooling:
			if !w.sleep(ctx, w.idleWait) {
				return nil
			}
			continue
		}

		if w.account.Exhausted() {
			w.releaseQueued("per-run limit reached")
			return nil
		}

		t, ok := w.queue.TakeNext(w.account.ID())
		if !ok {
			if !w.sleep(ctx, w.idleWait) {
				return nil
			}
			continue
		}

		sendAt := w.limiter.Acquire(w.account.ID())
		if !w.sleepUntil(ctx, sendAt) {
			// Stop requested before the send started; the claim goes
			// back untouched so the task is not lost or double-counted.
			w.appendEntry(t, task.StatusPending, "released on shutdown")
			if err := w.queue.Release(t); err != nil {
				w.logger.Error("failed to release claim on shutdown", "task_id", t.ID, "error", err)
			}
			return nil
		}

		w.deliver(t)
	}
}

// deliver runs one attempt and applies the outcome. The InFlight entry
// is written before the attempt counter moves: on replay a resumed
// claim carries the completed-attempt count, and staleness decides
// whether the interrupted attempt is charged.
func (w *Worker) deliver(t *task.Task) {
	w.appendEntry(t, task.StatusInFlight, "")
	t.Attempts++
	logger := w.logger.With("task_id", t.ID, "recipient", t.Recipient, "attempt", t.Attempts)

	// The delivery context is detached from the run context: an
	// operator stop must not abort an attempt already on the wire.
	dctx, cancel := context.WithTimeout(context.Background(), w.deliveryTimeout)
	err := w.transport.Deliver(dctx, t)
	cancel()

	if err == nil {
		w.appendEntry(t, task.StatusSent, "")
		if cerr := w.queue.Complete(t, task.StatusSent); cerr != nil {
			logger.Error("failed to commit sent task", "error", cerr)
			return
		}
		w.account.RecordSuccess()
		if w.metrics != nil {
			w.metrics.IncrSent(context.Background(), w.account.ID())
		}
		logger.Info("email sent")
		return
	}

	reason := Reason(err)
	t.LastError = reason

	switch Classify(err) {
	case ClassAuth:
		logger.Error("sender authentication failed", "error", reason)
		// Attempt did not reach the recipient; don't charge it.
		t.Attempts--
		w.appendEntry(t, task.StatusPending, "sender auth failure")
		if rerr := w.queue.Release(t); rerr != nil {
			logger.Error("failed to release task after auth failure", "error", rerr)
		}
		w.account.Disable(reason)
		w.releaseQueued("sender auth failure")

	case ClassPermanent:
		logger.Warn("permanent delivery failure", "error", reason)
		w.appendEntry(t, task.StatusDeadLettered, reason)
		if cerr := w.queue.Complete(t, task.StatusDeadLettered); cerr != nil {
			logger.Error("failed to commit dead-lettered task", "error", cerr)
		}
		w.account.RecordFailure(reason)
		if w.metrics != nil {
			w.metrics.IncrDeadLettered(context.Background(), w.account.ID(), reason)
		}

	default: // ClassTransient
		// max_retries bounds total attempts; zero means no retries at
		// all, so the first transient failure dead-letters.
		if t.Attempts >= w.policy.MaxRetries {
			logger.Warn("retries exhausted", "error", reason)
			w.appendEntry(t, task.StatusDeadLettered, "retries exhausted")
			t.LastError = "retries exhausted: " + reason
			if cerr := w.queue.Complete(t, task.StatusDeadLettered); cerr != nil {
				logger.Error("failed to commit dead-lettered task", "error", cerr)
			}
			w.account.RecordFailure(reason)
			if w.metrics != nil {
				w.metrics.IncrDeadLettered(context.Background(), w.account.ID(), "retries exhausted")
			}
			return
		}

		delay := w.policy.Delay(t.Attempts)
		logger.Warn("transient delivery failure, will retry",
			"error", reason,
			"retry_in", delay)
		w.appendEntry(t, task.StatusRetrying, reason)
		if rerr := w.queue.Requeue(t, time.Now().Add(delay)); rerr != nil {
			logger.Error("failed to requeue task", "error", rerr)
		}
		w.account.RecordFailure(reason)
		if w.metrics != nil {
			w.metrics.IncrRetried(context.Background(), w.account.ID())
		}
	}
}

// releaseQueued returns every still-queued task for this sender to the
// unassigned pool, ledgering each transition.
func (w *Worker) releaseQueued(reason string) {
	released := w.queue.ReleaseSender(w.account.ID())
	for _, t := range released {
		w.appendEntry(t, t.Status, reason)
		if w.metrics != nil {
			w.metrics.IncrReleased(context.Background(), w.account.ID())
		}
	}
}

// appendEntry writes a transition to the ledger ahead of the in-memory
// commit. A ledger write failure is loud but does not halt delivery;
// losing durability is better surfaced than silently stopping a run.
func (w *Worker) appendEntry(t *task.Task, status task.Status, reason string) {
	err := w.ledger.Append(ledger.Entry{
		TaskID:    t.ID,
		Status:    status,
		Attempt:   t.Attempts,
		SenderID:  w.account.ID(),
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if err != nil {
		w.logger.Error("ledger append failed", "task_id", t.ID, "status", status, "error", err)
	}
}

// sleep waits for d unless the context ends first; returns false on
// cancellation.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// sleepUntil waits until the given instant; returns false on cancellation
func (w *Worker) sleepUntil(ctx context.Context, at time.Time) bool {
	d := time.Until(at)
	if d <= 0 {
		return true
	}
	return w.sleep(ctx, d)
}
