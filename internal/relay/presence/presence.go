// Package presence tracks machine online/offline/shutdown transitions
// and the notify-before-disconnect grace period the relay gives
// clients during a graceful shutdown.
package presence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/happy-coder/happy/internal/relay/connreg"
	"github.com/happy-coder/happy/internal/relay/metrics"
	"github.com/happy-coder/happy/internal/relay/store"
	"github.com/happy-coder/happy/internal/wire"
)

// Tracker updates a machine's daemon_state in the store as its
// connection comes up or goes down, and keeps the active-machines gauge
// in sync.
type Tracker struct {
	store *store.Store
	reg   *connreg.Registry
	log   *slog.Logger
}

// New builds a Tracker over the given store and connection registry.
func New(st *store.Store, reg *connreg.Registry, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: st, reg: reg, log: log}
}

// MarkOnline transitions a machine to online on successful auth. The
// write is CAS'd against the version it has just read, so a concurrent
// write in between makes it fail with store.ErrVersionMismatch.
func (t *Tracker) MarkOnline(ctx context.Context, machineID string, activeSessions int) error {
	m, err := t.store.GetMachine(ctx, machineID)
	if err != nil {
		return fmt.Errorf("get machine: %w", err)
	}
	if _, err := t.store.SetMachineDaemonState(ctx, machineID, m.Version, store.DaemonOnline, activeSessions); err != nil {
		return fmt.Errorf("mark online: %w", err)
	}
	metrics.ActiveMachines.Inc()
	t.log.Info("machine online", "machine_id", machineID)
	return nil
}

// MarkOffline transitions a machine to offline when its daemon
// connection drops without a clean shutdown handshake.
func (t *Tracker) MarkOffline(ctx context.Context, machineID string) error {
	m, err := t.store.GetMachine(ctx, machineID)
	if err != nil {
		return fmt.Errorf("get machine: %w", err)
	}
	if m.DaemonState != store.DaemonOnline {
		return nil
	}
	if _, err := t.store.SetMachineDaemonState(ctx, machineID, m.Version, store.DaemonOffline, 0); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	metrics.ActiveMachines.Dec()
	t.log.Info("machine offline", "machine_id", machineID)
	return nil
}

// NotifyShutdown broadcasts a best-effort ephemeral event to every
// connection telling daemons to back off reconnecting for delaySeconds,
// letting the relay finish draining before a reconnect storm hits it
// (grounded on workermgr.NotifyShutdown).
func (t *Tracker) NotifyShutdown(delaySeconds int) {
	env := &wire.Envelope{
		Type:    wire.TypeEphemeral,
		Kind:    "server-shutdown",
		Payload: []byte(fmt.Sprintf(`{"retryAfterSeconds":%d}`, delaySeconds)),
	}
	delivered, dropped := t.reg.Broadcast(env)
	t.log.Info("broadcast shutdown notice", "delivered", delivered, "dropped", dropped)
}
