package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyTypedErrors(t *testing.T) {
	if got := Classify(Transient("x")); got != ClassTransient {
		t.Errorf("Classify(Transient) = %s", got)
	}
	if got := Classify(Permanent("x")); got != ClassPermanent {
		t.Errorf("Classify(Permanent) = %s", got)
	}
	if got := Classify(Auth("x")); got != ClassAuth {
		t.Errorf("Classify(Auth) = %s", got)
	}

	wrapped := fmt.Errorf("send failed: %w", Transient("relay busy"))
	if got := Classify(wrapped); got != ClassTransient {
		t.Errorf("wrapped typed error lost its class: %s", got)
	}
}

func TestClassifyContextErrors(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != ClassTransient {
		t.Errorf("deadline should be transient, got %s", got)
	}
	if got := Classify(fmt.Errorf("deliver: %w", context.Canceled)); got != ClassTransient {
		t.Errorf("cancellation should be transient, got %s", got)
	}
}

func TestClassifyHeuristics(t *testing.T) {
	tests := []struct {
		msg  string
		want Class
	}{
		{"dial tcp: i/o timeout", ClassTransient},
		{"451 4.7.1 please try again later", ClassTransient},
		{"421 service not available", ClassTransient},
		{"connection refused", ClassTransient},
		{"rate limit exceeded for sender", ClassTransient},
		{"535 5.7.8 authentication credentials invalid", ClassAuth},
		{"530 5.7.0 must issue a STARTTLS command first", ClassAuth},
		{"incorrect password", ClassAuth},
		{"550 5.1.1 no such user", ClassPermanent},
		{"mailbox unavailable", ClassPermanent},
		{"something entirely novel", ClassPermanent},
	}
	for _, tc := range tests {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestReason(t *testing.T) {
	if got := Reason(Permanent("no such user")); got != "no such user" {
		t.Errorf("Reason = %q", got)
	}
	if got := Reason(errors.New("boom")); got != "boom" {
		t.Errorf("Reason = %q", got)
	}
}
