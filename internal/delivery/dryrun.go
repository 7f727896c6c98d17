package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mailrun/mailrun/internal/task"
)

// DryRunTransport records deliveries instead of sending them, for
// campaign rehearsals. Every attempt succeeds.
type DryRunTransport struct {
	mu        sync.Mutex
	logger    *slog.Logger
	delivered []string
}

// NewDryRunTransport creates a transport that only logs
func NewDryRunTransport() *DryRunTransport {
	return &DryRunTransport{
		logger: slog.Default().With("component", "dryrun-transport"),
	}
}

// Name identifies the transport for logging
func (d *DryRunTransport) Name() string { return "dry-run" }

// Deliver records the recipient and succeeds
func (d *DryRunTransport) Deliver(_ context.Context, t *task.Task) error {
	d.mu.Lock()
	d.delivered = append(d.delivered, t.Recipient)
	d.mu.Unlock()
	d.logger.Info("dry-run delivery", "task_id", t.ID, "recipient", t.Recipient)
	return nil
}

// Delivered returns the recipients recorded so far
func (d *DryRunTransport) Delivered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.delivered))
	copy(out, d.delivered)
	return out
}
