// Package updatelog is the relay's per-account versioned delta log: it
// performs the optimistic-concurrency write, persists the delta, and
// fans it out to the account's live subscribers (spec §4.1, §7, §8).
package updatelog

import (
	"context"
	"errors"
	"fmt"

	"github.com/happy-coder/happy/internal/relay/connreg"
	"github.com/happy-coder/happy/internal/relay/metrics"
	"github.com/happy-coder/happy/internal/relay/store"
	"github.com/happy-coder/happy/internal/wire"
)

// Outcome is the result of a Publish call.
type Outcome struct {
	Accepted       bool
	NewVersion     int64
	CurrentVersion int64
	CurrentBody    []byte
	Reason         wire.RejectReason
}

// Log couples the durable store with the live connection registry.
type Log struct {
	store *store.Store
	reg   *connreg.Registry
}

// New builds a Log over the given store and registry.
func New(st *store.Store, reg *connreg.Registry) *Log {
	return &Log{store: st, reg: reg}
}

// Publish performs the CAS write for a proposed update on ref, then on
// success assigns the entity's per-account seq and fans the resulting
// `update` envelope out to every subscriber of the entity's scope other
// than the originating connection (spec §6: self-echo suppression).
//
// applyCAS is supplied by the caller because the CAS check differs by
// entity kind (machines and sessions have distinct tables); Publish
// only owns the seq-allocation and fan-out that is common to all of them.
func (l *Log) Publish(ctx context.Context, accountID string, ref wire.EntityRef, expectedVersion int64, localID, producer string, body []byte, applyCAS func(ctx context.Context) (newVersion int64, err error)) (Outcome, error) {
	newVersion, err := applyCAS(ctx)
	if errors.Is(err, store.ErrVersionMismatch) {
		current, curErr := l.currentState(ctx, ref)
		if curErr != nil {
			return Outcome{}, curErr
		}
		metrics.VersionMismatchTotal.WithLabelValues(string(ref.Kind)).Inc()
		return Outcome{Reason: wire.RejectVersionMismatch, CurrentVersion: current.version, CurrentBody: current.body}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("apply update: %w", err)
	}

	update, err := l.store.AppendUpdate(ctx, accountID, string(ref.Kind), ref.ID, newVersion, localID, producer, body)
	if err != nil {
		return Outcome{}, fmt.Errorf("append update: %w", err)
	}

	scope := wire.Scope{Kind: ref.Kind, ID: ref.ID}
	env := &wire.Envelope{
		Type:      wire.TypeUpdate,
		EntityRef: &ref,
		Version:   newVersion,
		Seq:       update.Seq,
		Producer:  producer,
		LocalID:   localID,
		Body:      body,
	}
	// Updates addressed to a session or machine scope are also relevant to
	// the owning account's user-scoped connections, so fan out on both.
	delivered, dropped := l.reg.Publish(scope, env, producer)
	accountDelivered, accountDropped := l.reg.Publish(wire.Scope{Kind: wire.EntityAccount, ID: accountID}, env, producer)
	delivered += accountDelivered
	dropped += accountDropped

	metrics.UpdatesPublishedTotal.WithLabelValues(string(ref.Kind)).Inc()
	if dropped > 0 {
		metrics.SubscriberDisconnectsTotal.Add(float64(dropped))
	}
	_ = delivered

	return Outcome{Accepted: true, NewVersion: newVersion}, nil
}

type entityState struct {
	version int64
	body    []byte
}

func (l *Log) currentState(ctx context.Context, ref wire.EntityRef) (entityState, error) {
	switch ref.Kind {
	case wire.EntityMachine:
		m, err := l.store.GetMachine(ctx, ref.ID)
		if err != nil {
			return entityState{}, err
		}
		return entityState{version: m.Version}, nil
	case wire.EntitySession:
		s, err := l.store.GetSession(ctx, ref.ID)
		if err != nil {
			return entityState{}, err
		}
		return entityState{version: s.Version, body: s.Body}, nil
	default:
		return entityState{}, fmt.Errorf("unsupported entity kind %q", ref.Kind)
	}
}

// Resync returns every update after sinceSeq for an account, for a
// client catching up after a reconnect (spec §8). It surfaces
// store.ErrResyncRequired unchanged so the caller can emit
// resync-required instead of a partial backfill.
func (l *Log) Resync(ctx context.Context, accountID string, sinceSeq int64, limit int) ([]*store.Update, error) {
	return l.store.ListUpdatesSince(ctx, accountID, sinceSeq, limit)
}
