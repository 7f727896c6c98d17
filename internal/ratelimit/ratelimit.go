package ratelimit

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// bucket is a continuously refilling token bucket. Tokens accrue at
// rate per second up to capacity; consuming below zero is never allowed,
// instead the bucket reports when the next token will exist.
type bucket struct {
	capacity   float64
	tokens     float64
	rate       float64 // tokens per second
	lastRefill time.Time
}

func newBucket(limit int, window time.Duration) *bucket {
	if limit <= 0 {
		return nil
	}
	return &bucket{
		capacity:   float64(limit),
		tokens:     float64(limit),
		rate:       float64(limit) / window.Seconds(),
		lastRefill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// eligibleAt returns the time one token will be available, refilling
// first. If a token is available now it returns now.
func (b *bucket) eligibleAt(now time.Time) time.Time {
	b.refill(now)
	if b.tokens >= 1 {
		return now
	}
	// A prior reservation may have advanced lastRefill past the wall
	// clock. The wait extends that reservation clock, not now, so
	// back-to-back acquirers get distinct slots.
	base := now
	if b.lastRefill.After(base) {
		base = b.lastRefill
	}
	wait := (1 - b.tokens) / b.rate
	return base.Add(time.Duration(wait * float64(time.Second)))
}

// consume deducts one token as of the given send time
func (b *bucket) consume(at time.Time) {
	b.refill(at)
	b.tokens--
}

// SenderLimits configures throughput ceilings for one sender
type SenderLimits struct {
	PerMinute int           // emails per minute, 0 = unlimited
	PerHour   int           // emails per hour, 0 = unlimited
	Gap       time.Duration // minimum spacing between consecutive sends
	GapJitter time.Duration // random extra spacing added per send, 0 = none
}

// GlobalLimits configures aggregate ceilings across all senders
type GlobalLimits struct {
	PerMinute int
	PerHour   int
}

type senderState struct {
	minute   *bucket
	hour     *bucket
	gap      time.Duration
	jitter   time.Duration
	lastSend time.Time
}

// Limiter gates sends per sender and globally. Acquire reserves a send
// slot and returns the earliest time the send may happen; the caller
// suspends until then instead of busy-polling.
type Limiter struct {
	mu           sync.Mutex
	logger       *slog.Logger
	senders      map[string]*senderState
	globalMinute *bucket
	globalHour   *bucket
	rng          *rand.Rand
}

// New creates a limiter with the given global ceilings
func New(global GlobalLimits) *Limiter {
	return &Limiter{
		logger:       slog.Default().With("component", "ratelimit"),
		senders:      make(map[string]*senderState),
		globalMinute: newBucket(global.PerMinute, time.Minute),
		globalHour:   newBucket(global.PerHour, time.Hour),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register installs the per-sender limits. Must be called before the
// sender's worker starts acquiring.
func (l *Limiter) Register(senderID string, limits SenderLimits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.senders[senderID] = &senderState{
		minute: newBucket(limits.PerMinute, time.Minute),
		hour:   newBucket(limits.PerHour, time.Hour),
		gap:    limits.Gap,
		jitter: limits.GapJitter,
	}
}

// Acquire reserves the next send slot for a sender and returns the
// earliest time the send may proceed. The reservation consumes one token
// from every applicable bucket and advances the sender's last-send time,
// so concurrent acquirers serialize correctly: the computed time honors
// the per-sender gap, the per-sender buckets and the global buckets
// simultaneously.
func (l *Limiter) Acquire(senderID string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	earliest := now

	st := l.senders[senderID]
	if st != nil {
		if st.gap > 0 && !st.lastSend.IsZero() {
			gap := st.gap
			if st.jitter > 0 {
				gap += time.Duration(l.rng.Int63n(int64(st.jitter)))
			}
			if t := st.lastSend.Add(gap); t.After(earliest) {
				earliest = t
			}
		}
		if st.minute != nil {
			if t := st.minute.eligibleAt(now); t.After(earliest) {
				earliest = t
			}
		}
		if st.hour != nil {
			if t := st.hour.eligibleAt(now); t.After(earliest) {
				earliest = t
			}
		}
	}
	if l.globalMinute != nil {
		if t := l.globalMinute.eligibleAt(now); t.After(earliest) {
			earliest = t
		}
	}
	if l.globalHour != nil {
		if t := l.globalHour.eligibleAt(now); t.After(earliest) {
			earliest = t
		}
	}

	// Commit the reservation as of the granted slot.
	if st != nil {
		st.lastSend = earliest
		if st.minute != nil {
			st.minute.consume(earliest)
		}
		if st.hour != nil {
			st.hour.consume(earliest)
		}
	}
	if l.globalMinute != nil {
		l.globalMinute.consume(earliest)
	}
	if l.globalHour != nil {
		l.globalHour.consume(earliest)
	}

	if wait := earliest.Sub(now); wait > 0 {
		l.logger.Debug("send slot deferred", "sender_id", senderID, "wait", wait)
	}
	return earliest
}
