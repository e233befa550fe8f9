package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/happy-coder/happy/internal/syncclient"
	"github.com/happy-coder/happy/internal/wire"
)

// DefaultHeartbeatInterval is how often the daemon republishes Machine
// metadata to the relay while it's running.
const DefaultHeartbeatInterval = 30 * time.Second

// machineMetadata is the Machine entity body the daemon keeps current,
// mirroring what a dashboard needs to show "this machine is online and
// running version X with N sessions".
type machineMetadata struct {
	Hostname     string `json:"hostname"`
	Version      string `json:"version"`
	SessionCount int    `json:"sessionCount"`
	LastSeen     string `json:"lastSeen"` // RFC3339
}

// Heartbeat periodically republishes this machine's metadata via
// syncclient.Client.Mutate, so the relay's Machine entity never goes
// stale while the daemon is alive (SPEC_FULL.md §4 "daemon/":
// "heartbeat publishing Machine metadata").
type Heartbeat struct {
	Client     *syncclient.Client
	MachineRef wire.EntityRef
	Hostname   string
	Version    string
	Interval   time.Duration
	Now        func() time.Time // overridable for tests; defaults to time.Now

	SessionCount func() int // polled at each tick
}

// Run blocks, publishing a heartbeat at Interval until ctx is
// cancelled. Callers run it in its own goroutine.
func (h *Heartbeat) Run(ctx context.Context) {
	interval := h.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	now := h.Now
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.publish(ctx, now)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.publish(ctx, now)
		}
	}
}

func (h *Heartbeat) publish(ctx context.Context, now func() time.Time) {
	count := 0
	if h.SessionCount != nil {
		count = h.SessionCount()
	}

	err := h.Client.Mutate(ctx, h.MachineRef, func([]byte) ([]byte, error) {
		meta := machineMetadata{
			Hostname:     h.Hostname,
			Version:      h.Version,
			SessionCount: count,
			LastSeen:     now().UTC().Format(time.RFC3339),
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("marshal machine metadata: %w", err)
		}
		return data, nil
	})
	if err != nil && err != syncclient.ErrQueuedOffline {
		slog.Warn("heartbeat publish failed", "error", err, "machine", h.MachineRef.ID)
	}
}
