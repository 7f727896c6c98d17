package sender

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mailrun/mailrun/internal/queue"
)

// Health represents a sender account's availability
type Health string

const (
	// HealthActive means the sender may receive new assignments
	HealthActive Health = "active"
	// HealthCooling means the sender is sitting out a cooldown after
	// crossing its failure threshold; existing in-flight work completes
	HealthCooling Health = "cooling"
	// HealthDisabled means the sender is out for the rest of the run,
	// typically after an authentication rejection
	HealthDisabled Health = "disabled"
)

// Config describes one sender account at campaign start
type Config struct {
	ID        string
	Address   string
	Limit     int           // per-run send ceiling, 0 = unlimited
	Gap       time.Duration // minimum spacing between sends
	GapJitter time.Duration
	PerMinute int
	PerHour   int
	Priority  int
}

// Account holds one sender's capacity and health. It is mutated only by
// its own worker and by the scheduler's rebalance step, always through
// the mutex-guarded methods here.
type Account struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger

	sentCount        int
	consecutiveFails int
	attempts         int
	failureTimes     []time.Time
	health           Health
	cooldownUntil    time.Time

	failureThreshold float64
	failureWindow    time.Duration
	cooldown         time.Duration
}

// NewAccount creates an Active sender account
func NewAccount(cfg Config, failureThreshold float64, failureWindow, cooldown time.Duration) *Account {
	return &Account{
		cfg:              cfg,
		logger:           slog.Default().With("component", "sender", "sender_id", cfg.ID),
		health:           HealthActive,
		failureThreshold: failureThreshold,
		failureWindow:    failureWindow,
		cooldown:         cooldown,
	}
}

// ID returns the sender's identity
func (a *Account) ID() string { return a.cfg.ID }

// Address returns the sender's from address
func (a *Account) Address() string { return a.cfg.Address }

// Config returns the sender's configuration
func (a *Account) Config() Config { return a.cfg }

// Health returns the current health, resolving an expired cooldown back
// to Active.
func (a *Account) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthLocked(time.Now())
}

func (a *Account) healthLocked(now time.Time) Health {
	if a.health == HealthCooling && now.After(a.cooldownUntil) {
		a.health = HealthActive
		a.consecutiveFails = 0
		a.failureTimes = nil
		a.logger.Info("cooldown expired, sender active again")
	}
	return a.health
}

// SentCount returns how many emails this sender has delivered this run
func (a *Account) SentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sentCount
}

// Exhausted reports whether the per-run limit has been reached
func (a *Account) Exhausted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Limit > 0 && a.sentCount >= a.cfg.Limit
}

// RecordSuccess counts a delivered email and clears the failure streak
func (a *Account) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sentCount++
	a.attempts++
	a.consecutiveFails = 0
	a.failureTimes = nil
}

// RecordFailure counts a failed attempt inside the sliding window and
// moves the sender to Cooling when its windowed failure rate crosses the
// threshold. Returns the resulting health.
func (a *Account) RecordFailure(reason string) Health {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.attempts++
	a.consecutiveFails++
	a.failureTimes = append(a.failureTimes, now)
	a.pruneFailuresLocked(now)

	if a.health == HealthActive && a.attempts > 0 {
		rate := float64(len(a.failureTimes)) / float64(a.attempts)
		if a.failureThreshold > 0 && rate >= a.failureThreshold && a.consecutiveFails > 1 {
			a.health = HealthCooling
			a.cooldownUntil = now.Add(a.cooldown)
			a.logger.Warn("failure threshold crossed, sender cooling",
				"consecutive_failures", a.consecutiveFails,
				"windowed_failures", len(a.failureTimes),
				"attempts", a.attempts,
				"cooldown_until", a.cooldownUntil.Format(time.RFC3339),
				"last_error", reason)
		}
	}
	return a.health
}

func (a *Account) pruneFailuresLocked(now time.Time) {
	if a.failureWindow <= 0 {
		return
	}
	cutoff := now.Add(-a.failureWindow)
	i := 0
	for i < len(a.failureTimes) && a.failureTimes[i].Before(cutoff) {
		i++
	}
	a.failureTimes = a.failureTimes[i:]
}

// Disable takes the sender out of the run permanently
func (a *Account) Disable(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.health = HealthDisabled
	a.logger.Error("sender disabled", "reason", reason)
}

// Stats is a reporting snapshot of one sender
type Stats struct {
	ID               string `json:"id"`
	Address          string `json:"address"`
	Health           Health `json:"health"`
	SentCount        int    `json:"sent_count"`
	Limit            int    `json:"limit"`
	Attempts         int    `json:"attempts"`
	ConsecutiveFails int    `json:"consecutive_failures"`
}

// GetStats returns a snapshot of the sender's counters
func (a *Account) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		ID:               a.cfg.ID,
		Address:          a.cfg.Address,
		Health:           a.healthLocked(time.Now()),
		SentCount:        a.sentCount,
		Limit:            a.cfg.Limit,
		Attempts:         a.attempts,
		ConsecutiveFails: a.consecutiveFails,
	}
}

// Pool is the set of sender accounts in a campaign. It implements
// queue.Roster for the scheduler.
type Pool struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	order    []string
}

// NewPool creates a pool from the given accounts
func NewPool(accounts ...*Account) *Pool {
	p := &Pool{accounts: make(map[string]*Account, len(accounts))}
	for _, a := range accounts {
		p.accounts[a.ID()] = a
		p.order = append(p.order, a.ID())
	}
	sort.Strings(p.order)
	return p
}

// Get returns the account with the given id
func (p *Pool) Get(id string) (*Account, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[id]
	return a, ok
}

// All returns every account in id order
func (p *Pool) All() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Account, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.accounts[id])
	}
	return out
}

// EligibleSenders returns capacity views for every Active, non-exhausted
// sender, satisfying queue.Roster.
func (p *Pool) EligibleSenders() []queue.SenderCapacity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []queue.SenderCapacity
	for _, id := range p.order {
		a := p.accounts[id]
		if a.Health() != HealthActive || a.Exhausted() {
			continue
		}
		out = append(out, queue.SenderCapacity{
			ID:       a.ID(),
			Limit:    a.cfg.Limit,
			Sent:     a.SentCount(),
			Priority: a.cfg.Priority,
		})
	}
	return out
}

// ActiveCount reports how many senders can still take work
func (p *Pool) ActiveCount() int {
	return len(p.EligibleSenders())
}

// GetStats returns snapshots for every sender in id order
func (p *Pool) GetStats() []Stats {
	out := make([]Stats, 0, len(p.All()))
	for _, a := range p.All() {
		out = append(out, a.GetStats())
	}
	return out
}
