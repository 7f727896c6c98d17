package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailrun/mailrun/internal/delivery"
	"github.com/mailrun/mailrun/internal/ledger"
	"github.com/mailrun/mailrun/internal/metrics"
	"github.com/mailrun/mailrun/internal/queue"
	"github.com/mailrun/mailrun/internal/ratelimit"
	"github.com/mailrun/mailrun/internal/recipient"
	"github.com/mailrun/mailrun/internal/sender"
	"github.com/mailrun/mailrun/internal/task"
)

// Options configures a campaign engine run
type Options struct {
	CampaignID         string
	Strategy           queue.Strategy
	RebalanceThreshold float64
	RebalanceInterval  time.Duration
	RetryPolicy        delivery.RetryPolicy
	FailureThreshold   float64
	FailureWindow      time.Duration
	Cooldown           time.Duration
	DeliveryTimeout    time.Duration
	InflightStaleness  time.Duration
	MaxWorkers         int
	Global             ratelimit.GlobalLimits
	Metrics            delivery.MetricsRecorder
}

// SenderSpec pairs a sender account's configuration with its delivery
// transport.
type SenderSpec struct {
	Config    sender.Config
	Transport delivery.Transport
}

// Engine runs one campaign: it turns recipients into tasks, spreads them
// over sender workers under the scheduler's policy, and accounts for
// every task in exactly one terminal or Unsent bucket at the end.
type Engine struct {
	opts      Options
	logger    *slog.Logger
	queue     *queue.Queue
	scheduler *queue.Scheduler
	limiter   *ratelimit.Limiter
	pool      *sender.Pool
	ledger    ledger.Ledger
	workers   []*delivery.Worker

	startedAt time.Time

	// Terminal outcomes replayed from a prior run, reported but never
	// re-delivered.
	replayed map[string]ledger.TaskState
}

// New assembles an engine from options, sender specs and a ledger
func New(opts Options, specs []SenderSpec, led ledger.Ledger) (*Engine, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("engine needs at least one sender")
	}
	if opts.RebalanceInterval <= 0 {
		opts.RebalanceInterval = 5 * time.Second
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = len(specs)
	}

	e := &Engine{
		opts:     opts,
		logger:   slog.Default().With("component", "engine", "campaign_id", opts.CampaignID),
		queue:    queue.New(),
		limiter:  ratelimit.New(opts.Global),
		ledger:   led,
		replayed: make(map[string]ledger.TaskState),
	}

	accounts := make([]*sender.Account, 0, len(specs))
	sorted := append([]SenderSpec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Config.ID < sorted[j].Config.ID })

	for i, spec := range sorted {
		acct := sender.NewAccount(spec.Config, opts.FailureThreshold, opts.FailureWindow, opts.Cooldown)
		accounts = append(accounts, acct)
		e.limiter.Register(spec.Config.ID, ratelimit.SenderLimits{
			PerMinute: spec.Config.PerMinute,
			PerHour:   spec.Config.PerHour,
			Gap:       spec.Config.Gap,
			GapJitter: spec.Config.GapJitter,
		})
		// One execution unit per sender, bounded by the worker ceiling.
		if i < opts.MaxWorkers {
			e.workers = append(e.workers, delivery.NewWorker(
				acct, e.queue, e.limiter, spec.Transport, led,
				opts.RetryPolicy, opts.DeliveryTimeout, opts.Metrics))
		}
	}

	e.pool = sender.NewPool(accounts...)
	e.scheduler = queue.NewScheduler(opts.Strategy, e.pool, opts.RebalanceThreshold)
	e.queue.SetChooser(e.scheduler)
	return e, nil
}

// Pool exposes the sender accounts for status reporting
func (e *Engine) Pool() *sender.Pool { return e.pool }

// QueueStats exposes live queue occupancy for status reporting
func (e *Engine) QueueStats() queue.Stats { return e.queue.GetStats() }

// Prepare creates tasks for the recipients and, when resuming, replays
// the prior ledger first: terminal tasks are excluded from re-delivery
// and interrupted in-flight attempts come back as Retrying.
func (e *Engine) Prepare(recipients []recipient.Recipient, resume bool) error {
	var states map[string]ledger.TaskState
	if resume {
		entries, err := e.ledger.Replay()
		if err != nil {
			return fmt.Errorf("ledger replay failed: %w", err)
		}
		states = ledger.Snapshot(entries)
		e.logger.Info("ledger replayed", "entries", len(entries), "tasks", len(states))
	}

	now := time.Now()
	created, resumed, skipped := 0, 0, 0
	for _, r := range recipients {
		t := task.New(e.opts.CampaignID, r.Email, r.Fields)

		if st, ok := states[t.ID]; ok {
			status, attempt, redeliver := ledger.ResumeState(st, now, e.opts.InflightStaleness)
			if !redeliver {
				e.replayed[t.ID] = st
				skipped++
				continue
			}
			t.Status = status
			t.Attempts = attempt
			t.LastError = st.Reason
			resumed++
			e.appendEntry(t, t.Status, "resumed")
			e.queue.Enqueue(t)
			continue
		}

		created++
		e.appendEntry(t, task.StatusPending, "")
		e.queue.Enqueue(t)
	}

	e.logger.Info("campaign prepared",
		"created", created,
		"resumed", resumed,
		"already_terminal", skipped,
		"resume", resume)
	return nil
}

// Run executes the campaign to completion or cancellation and returns
// the final report. Cancelling the context is the operator stop: workers
// finish their current attempt, the ledger is already durable, and every
// task lands in a terminal or Unsent bucket.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.startedAt = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	for _, w := range e.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		e.monitor(runCtx, cancel)
	}()

	err := g.Wait()
	cancel()
	<-monitorDone

	report := e.buildReport()
	e.logger.Info("campaign finished",
		"sent", report.Sent,
		"dead_lettered", report.DeadLettered,
		"unsent", report.Unsent,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, err
}

// monitor runs the periodic scheduler pass: it drains queued work away
// from senders that went Cooling or Disabled, levels uneven queues, and
// ends the run once every task is terminal or nobody can make progress.
func (e *Engine) monitor(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(e.opts.RebalanceInterval)
	defer ticker.Stop()

	// Completion is polled faster than the rebalance cadence so short
	// campaigns do not hang around for a full interval.
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-poll.C:
			remaining := e.queue.Remaining()
			metrics.SetQueueDepth(remaining)
			if remaining == 0 {
				e.logger.Info("all tasks terminal, stopping workers")
				cancel()
				return
			}
			// Nobody can take new work and nothing is in flight: the
			// rest of the backlog is a capacity shortfall, reported as
			// Unsent rather than forced into failure.
			if e.pool.ActiveCount() == 0 && e.queue.InFlightCount() == 0 && !e.anyCooling() {
				e.logger.Warn("no sender capacity remains", "unsent", remaining)
				cancel()
				return
			}

		case <-ticker.C:
			e.rebalancePass()
		}
	}
}

// anyCooling reports whether some sender may return from cooldown
func (e *Engine) anyCooling() bool {
	for _, a := range e.pool.All() {
		if a.Health() == sender.HealthCooling {
			return true
		}
	}
	return false
}

// rebalancePass reassigns queued tasks away from unhealthy senders and
// levels the remaining queues when they drift apart. In-flight tasks
// are never moved.
func (e *Engine) rebalancePass() {
	for _, a := range e.pool.All() {
		if a.Health() != sender.HealthActive || a.Exhausted() {
			for _, t := range e.scheduler.ReassignFrom(e.queue, a.ID()) {
				e.appendEntry(t, t.Status, "rebalanced")
			}
		}
	}
	if e.scheduler.ShouldRebalance(e.queue) {
		e.scheduler.Rebalance(e.queue)
	}
}

// appendEntry writes a transition ahead of the in-memory commit
func (e *Engine) appendEntry(t *task.Task, status task.Status, reason string) {
	err := e.ledger.Append(ledger.Entry{
		TaskID:    t.ID,
		Status:    status,
		Attempt:   t.Attempts,
		SenderID:  t.SenderID,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if err != nil {
		e.logger.Error("ledger append failed", "task_id", t.ID, "error", err)
	}
}
