package queue

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"github.com/mailrun/mailrun/internal/task"
)

// Strategy selects how tasks are distributed across senders
type Strategy string

const (
	// StrategyBalanced picks the sender with the lowest sent/limit ratio
	StrategyBalanced Strategy = "balanced"
	// StrategyWeighted picks probabilistically by remaining capacity
	StrategyWeighted Strategy = "weighted"
	// StrategyPriority fills senders in configured priority order
	StrategyPriority Strategy = "priority"
)

// ValidStrategy reports whether s names a known distribution strategy
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyBalanced, StrategyWeighted, StrategyPriority:
		return true
	}
	return false
}

// SenderCapacity is the scheduler's view of one sender: enough to rank
// it for assignment without reaching into the sender's own state.
type SenderCapacity struct {
	ID       string
	Limit    int // per-run send ceiling, 0 = unlimited
	Sent     int
	Priority int // lower is served first under StrategyPriority
}

// Remaining returns how many sends the sender has left this run
func (c SenderCapacity) Remaining() int {
	if c.Limit <= 0 {
		return int(^uint(0) >> 1)
	}
	if c.Sent >= c.Limit {
		return 0
	}
	return c.Limit - c.Sent
}

// Roster supplies the current set of senders able to accept new
// assignments: Active health, capacity remaining, not cooling down.
type Roster interface {
	EligibleSenders() []SenderCapacity
}

// Scheduler is the assignment and rebalancing policy across senders. It
// implements Chooser so that idle workers pull from the unassigned pool
// according to the configured strategy, and it periodically reassigns
// queued tasks away from failing or overloaded senders.
type Scheduler struct {
	mu                 sync.Mutex
	logger             *slog.Logger
	strategy           Strategy
	roster             Roster
	rebalanceThreshold float64
	rng                *rand.Rand
}

// NewScheduler creates a scheduler for the given strategy
func NewScheduler(strategy Strategy, roster Roster, rebalanceThreshold float64) *Scheduler {
	return &Scheduler{
		logger:             slog.Default().With("component", "scheduler"),
		strategy:           strategy,
		roster:             roster,
		rebalanceThreshold: rebalanceThreshold,
		rng:                rand.New(rand.NewSource(rand.Int63())),
	}
}

// Choose reports whether senderID is the sender the strategy would hand
// the next unassigned task to.
func (s *Scheduler) Choose(senderID string) bool {
	pick, ok := s.pick(s.roster.EligibleSenders())
	return ok && pick == senderID
}

// pick applies the configured strategy to a set of candidates. Ties are
// broken by ascending sender id for determinism.
func (s *Scheduler) pick(candidates []SenderCapacity) (string, bool) {
	eligible := candidates[:0:0]
	for _, c := range candidates {
		if c.Remaining() > 0 {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	switch s.strategy {
	case StrategyWeighted:
		total := 0
		for _, c := range eligible {
			total += drawWeight(c)
		}
		s.mu.Lock()
		n := s.rng.Intn(total)
		s.mu.Unlock()
		for _, c := range eligible {
			n -= drawWeight(c)
			if n < 0 {
				return c.ID, true
			}
		}
		return eligible[len(eligible)-1].ID, true

	case StrategyPriority:
		best := eligible[0]
		for _, c := range eligible[1:] {
			if c.Priority < best.Priority {
				best = c
			}
		}
		return best.ID, true

	default: // StrategyBalanced
		best := eligible[0]
		bestRatio := loadRatio(best)
		for _, c := range eligible[1:] {
			if r := loadRatio(c); r < bestRatio {
				best, bestRatio = c, r
			}
		}
		return best.ID, true
	}
}

// drawWeight bounds a sender's weighted-draw weight: unlimited senders
// report MaxInt remaining, which would overflow the summed total.
func drawWeight(c SenderCapacity) int {
	const maxWeight = 1 << 20
	if r := c.Remaining(); r < maxWeight {
		return r
	}
	return maxWeight
}

func loadRatio(c SenderCapacity) float64 {
	if c.Limit <= 0 {
		return float64(c.Sent) / float64(c.Sent+1)
	}
	return float64(c.Sent) / float64(c.Limit)
}

// ShouldRebalance reports whether queued work is spread unevenly enough
// across eligible senders to justify reassignment: the spread between
// the most- and least-loaded queues exceeds the configured fraction of
// the total backlog.
func (s *Scheduler) ShouldRebalance(q *Queue) bool {
	eligible := s.roster.EligibleSenders()
	if len(eligible) < 2 {
		return false
	}

	stats := q.GetStats()
	total := stats.Unassigned
	minQ, maxQ := -1, 0
	for _, c := range eligible {
		n := stats.PerSender[c.ID]
		total += n
		if minQ == -1 || n < minQ {
			minQ = n
		}
		if n > maxQ {
			maxQ = n
		}
	}
	if total == 0 {
		return false
	}
	return float64(maxQ-minQ) > s.rebalanceThreshold*float64(total)
}

// ReassignFrom strips every still-queued task from the given sender and
// spreads them over the remaining eligible senders using the configured
// strategy. In-flight tasks are never touched. Tasks that cannot be
// placed stay in the unassigned pool. Returns the moved tasks so the
// caller can ledger the transitions.
func (s *Scheduler) ReassignFrom(q *Queue, senderID string) []*task.Task {
	released := q.ReleaseSender(senderID)
	if len(released) == 0 {
		return nil
	}
	moved := s.assignPool(q, senderID)

	s.logger.Info("rebalanced sender queue",
		"sender_id", senderID,
		"released", len(released),
		"reassigned", len(moved))
	return released
}

// Rebalance levels queued work across eligible senders: each sender's
// queue is drained back to the pool and the pool is redealt by strategy.
// In-flight tasks are untouched. Returns how many tasks moved senders.
func (s *Scheduler) Rebalance(q *Queue) int {
	eligible := s.roster.EligibleSenders()
	for _, c := range eligible {
		q.ReleaseSender(c.ID)
	}
	moved := s.assignPool(q, "")
	if len(moved) > 0 {
		s.logger.Info("rebalance pass complete", "reassigned", len(moved))
	}
	return len(moved)
}

// assignPool deals unassigned tasks out by strategy, skipping the
// excluded sender. Tasks stay pooled when no sender has capacity; a
// capacity shortfall is not a failure.
func (s *Scheduler) assignPool(q *Queue, exclude string) []*task.Task {
	var moved []*task.Task

	q.mu.Lock()
	defer q.mu.Unlock()

	// Deal one task at a time so per-assignment capacity bookkeeping
	// tracks queue depth, not just sent counts. The bySender length
	// already includes tasks placed earlier in this deal.
	pending := q.unassigned
	q.unassigned = nil

	for _, id := range pending {
		t := q.tasks[id]
		if t == nil {
			continue
		}
		candidates := s.roster.EligibleSenders()
		filtered := candidates[:0:0]
		for _, c := range candidates {
			if c.ID == exclude {
				continue
			}
			c.Sent += len(q.bySender[c.ID])
			filtered = append(filtered, c)
		}
		pick, ok := s.pick(filtered)
		if !ok {
			q.unassigned = append(q.unassigned, id)
			continue
		}
		q.assignLocked(t, pick)
		moved = append(moved, t)
	}
	return moved
}
