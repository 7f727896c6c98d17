package metrics

import (
	"context"

	"github.com/mailrun/mailrun/internal/delivery"
)

// Multi fans outcome events out to several recorders
type Multi []delivery.MetricsRecorder

// NewMulti combines recorders into one
func NewMulti(recorders ...delivery.MetricsRecorder) Multi {
	return Multi(recorders)
}

// IncrSent counts a successful delivery on every recorder
func (m Multi) IncrSent(ctx context.Context, senderID string) {
	for _, r := range m {
		r.IncrSent(ctx, senderID)
	}
}

// IncrRetried counts a retry on every recorder
func (m Multi) IncrRetried(ctx context.Context, senderID string) {
	for _, r := range m {
		r.IncrRetried(ctx, senderID)
	}
}

// IncrDeadLettered counts an abandoned task on every recorder
func (m Multi) IncrDeadLettered(ctx context.Context, senderID, reason string) {
	for _, r := range m {
		r.IncrDeadLettered(ctx, senderID, reason)
	}
}

// IncrReleased counts a released task on every recorder
func (m Multi) IncrReleased(ctx context.Context, senderID string) {
	for _, r := range m {
		r.IncrReleased(ctx, senderID)
	}
}
