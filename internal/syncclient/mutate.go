package syncclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/happy-coder/happy/internal/relay/id"
	"github.com/happy-coder/happy/internal/wire"
)

// MaxRebaseRetries bounds the optimistic-concurrency retry loop (spec
// §9 "Optimistic concurrency retry budget... e.g., 5 rebases").
const MaxRebaseRetries = 5

// ErrRebaseExhausted is returned when a mutation's version-mismatch
// cannot be resolved within MaxRebaseRetries rebases (spec §4.2 step 5:
// "exhaustion escalates as a non-recoverable error to caller").
var ErrRebaseExhausted = errors.New("syncclient: rebase retries exhausted")

// ErrQueuedOffline is returned by Mutate when the publish could not be
// sent because no connection is currently live. The overlay is already
// applied locally and the publish stays in the outbox to be flushed,
// idempotently, on the next reconnect (spec §4.2 "Reconnect").
var ErrQueuedOffline = errors.New("syncclient: queued for publish on reconnect")

// PatchFn computes a new entity body from the current one. It must be
// pure and idempotent: it may be invoked more than once against
// successively fresher bodies during a rebase.
type PatchFn func(current []byte) ([]byte, error)

// Mutate implements the Sync Client's publish protocol (spec §4.2
// "Publish protocol", steps 1-5): optimistic local apply, publish,
// and on version-mismatch rebase the patch onto the server's current
// body and retry, bounded by MaxRebaseRetries.
func (c *Client) Mutate(ctx context.Context, ref wire.EntityRef, patch PatchFn) error {
	cached, _ := c.Cache.Get(ref)
	version := cached.Version
	body := cached.Body

	for attempt := 0; attempt <= MaxRebaseRetries; attempt++ {
		newBody, err := patch(body)
		if err != nil {
			return fmt.Errorf("apply patch: %w", err)
		}

		localID := id.Generate()
		c.Cache.ApplyOverlay(ref, newBody)

		ackEnv, err := c.publishAndWait(ctx, ref, version, localID, newBody)
		if err != nil {
			if errors.Is(err, ErrQueuedOffline) {
				// Overlay stays applied; outbox will flush it on reconnect.
				return err
			}
			c.Cache.DiscardOverlay(ref)
			return err
		}

		if ackEnv.Type == wire.TypeUpdateAck {
			c.Cache.CommitOverlay(ref, ackEnv.NewVersion)
			c.Outbox.Ack(ref)
			return nil
		}

		// update-reject
		if ackEnv.Reason != wire.RejectVersionMismatch {
			c.Cache.DiscardOverlay(ref)
			c.Outbox.Ack(ref)
			return fmt.Errorf("syncclient: publish rejected: %s", ackEnv.Reason)
		}

		// Rebase onto the server's current body and retry.
		c.Cache.DiscardOverlay(ref)
		c.Cache.Put(ref, ackEnv.CurrentVersion, ackEnv.CurrentBody)
		version = ackEnv.CurrentVersion
		body = ackEnv.CurrentBody
	}

	return ErrRebaseExhausted
}

// publishAndWait sends an update envelope and blocks for its
// update-ack/update-reject, registering the pending entry in the
// outbox so a reconnect mid-flight can safely retry it.
func (c *Client) publishAndWait(ctx context.Context, ref wire.EntityRef, expectedVersion int64, localID string, body []byte) (*wire.Envelope, error) {
	if err := c.Outbox.Enqueue(PendingPublish{Ref: ref, ExpectedVersion: expectedVersion, LocalID: localID, Body: body}); err != nil {
		return nil, err
	}

	ch := make(chan *wire.Envelope, 1)
	c.acksMu.Lock()
	c.acks[localID] = &pendingAck{ch: ch}
	c.acksMu.Unlock()
	cleanup := func() {
		c.acksMu.Lock()
		delete(c.acks, localID)
		c.acksMu.Unlock()
	}

	env := &wire.Envelope{Type: wire.TypeUpdate, EntityRef: &ref, ExpectedVersion: expectedVersion, LocalID: localID, Body: body}
	if err := c.sendLocked(ctx, env); err != nil {
		// Leave the entry in the outbox; the next reconnect's flush will
		// retry it idempotently (spec §4.2 "Reconnect").
		cleanup()
		return nil, ErrQueuedOffline
	}

	select {
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case ackEnv := <-ch:
		return ackEnv, nil
	}
}
