package ratelimit

import (
	"testing"
	"time"
)

func TestAcquireUnlimitedIsImmediate(t *testing.T) {
	l := New(GlobalLimits{})
	l.Register("s1", SenderLimits{})

	before := time.Now()
	at := l.Acquire("s1")
	if at.After(before.Add(50 * time.Millisecond)) {
		t.Errorf("unlimited sender should send immediately, got slot %v out", at.Sub(before))
	}
}

func TestAcquireEnforcesGap(t *testing.T) {
	l := New(GlobalLimits{})
	l.Register("s1", SenderLimits{Gap: time.Second})

	first := l.Acquire("s1")
	second := l.Acquire("s1")
	third := l.Acquire("s1")

	if d := second.Sub(first); d < time.Second {
		t.Errorf("second slot only %v after first, want >= 1s", d)
	}
	if d := third.Sub(second); d < time.Second {
		t.Errorf("third slot only %v after second, want >= 1s", d)
	}
}

func TestAcquireGapJitterStaysInRange(t *testing.T) {
	l := New(GlobalLimits{})
	l.Register("s1", SenderLimits{Gap: time.Second, GapJitter: time.Second})

	prev := l.Acquire("s1")
	for i := 0; i < 20; i++ {
		next := l.Acquire("s1")
		d := next.Sub(prev)
		if d < time.Second || d >= 2*time.Second {
			t.Fatalf("jittered gap %v outside [1s, 2s)", d)
		}
		prev = next
	}
}

func TestAcquirePerMinuteBucket(t *testing.T) {
	l := New(GlobalLimits{})
	l.Register("s1", SenderLimits{PerMinute: 3})

	start := time.Now()
	var last time.Time
	for i := 0; i < 3; i++ {
		last = l.Acquire("s1")
	}
	if last.Sub(start) > 50*time.Millisecond {
		t.Errorf("first 3 slots should burst immediately, last at +%v", last.Sub(start))
	}

	fourth := l.Acquire("s1")
	// Bucket refills at 3/min, so the fourth slot waits roughly 20s.
	if wait := fourth.Sub(start); wait < 15*time.Second {
		t.Errorf("fourth slot should wait for bucket refill, got +%v", wait)
	}
}

func TestAcquireGlobalCeilingSpansSenders(t *testing.T) {
	l := New(GlobalLimits{PerMinute: 2})
	l.Register("s1", SenderLimits{})
	l.Register("s2", SenderLimits{})

	start := time.Now()
	l.Acquire("s1")
	l.Acquire("s2")
	third := l.Acquire("s1")

	if wait := third.Sub(start); wait < 20*time.Second {
		t.Errorf("global bucket exhausted, third slot should wait, got +%v", wait)
	}
}

// Reservations past the wall clock must keep serializing: three senders
// racing a one-per-minute global ceiling get three distinct slots, a
// minute apart, not a shared one.
func TestAcquireGlobalCeilingSerializesBackToBack(t *testing.T) {
	l := New(GlobalLimits{PerMinute: 1})
	l.Register("s1", SenderLimits{})
	l.Register("s2", SenderLimits{})
	l.Register("s3", SenderLimits{})

	start := time.Now()
	first := l.Acquire("s1")
	second := l.Acquire("s2")
	third := l.Acquire("s3")

	if first.Sub(start) > 50*time.Millisecond {
		t.Errorf("first slot should be immediate, got +%v", first.Sub(start))
	}
	if d := second.Sub(first); d < 59*time.Second {
		t.Errorf("second slot only %v after first, want a full refill", d)
	}
	if d := third.Sub(second); d < 59*time.Second {
		t.Errorf("third slot only %v after second, must not share its window", d)
	}
}

func TestAcquireUnregisteredSenderUsesGlobalOnly(t *testing.T) {
	l := New(GlobalLimits{})
	before := time.Now()
	at := l.Acquire("ghost")
	if at.After(before.Add(50 * time.Millisecond)) {
		t.Error("unregistered sender with no global limits should send immediately")
	}
}

func TestBucketRefill(t *testing.T) {
	b := newBucket(60, time.Minute) // 1 token/sec
	now := time.Now()
	for i := 0; i < 60; i++ {
		b.consume(now)
	}

	if at := b.eligibleAt(now); !at.After(now) {
		t.Error("empty bucket should defer")
	}

	later := now.Add(30 * time.Second)
	b.refill(later)
	if b.tokens < 29 || b.tokens > 31 {
		t.Errorf("expected ~30 tokens after 30s refill, got %f", b.tokens)
	}

	full := now.Add(time.Hour)
	b.refill(full)
	if b.tokens != 60 {
		t.Errorf("bucket must cap at capacity, got %f", b.tokens)
	}
}
