package syncclient

import (
	"errors"
	"sync"

	"github.com/happy-coder/happy/internal/wire"
)

// ErrBackpressure is returned by Enqueue when the outbox is full and
// the new publish cannot be coalesced into an existing pending entry
// for the same entity (spec §5 "Backpressure").
var ErrBackpressure = errors.New("syncclient: outbox full, mutation dropped")

// PendingPublish is one not-yet-acknowledged publishUpdate call,
// ordered by insertion (spec §4.2: "Outbox of pending publishes").
type PendingPublish struct {
	Ref             wire.EntityRef
	ExpectedVersion int64
	LocalID         string
	Body            []byte
}

// Outbox is a bounded, entity-coalescing queue of pending publishes.
// On overflow, an existing entry for the same entity is replaced by
// the newer one rather than growing the queue; only a genuinely new
// entity when the queue is already full triggers ErrBackpressure.
type Outbox struct {
	mu      sync.Mutex
	order   []string // cacheKey insertion order
	byEntity map[string]*PendingPublish
	maxSize int
}

// NewOutbox returns an empty outbox bounded at maxSize distinct entities.
func NewOutbox(maxSize int) *Outbox {
	return &Outbox{byEntity: make(map[string]*PendingPublish), maxSize: maxSize}
}

// Enqueue stages p for publish. A pending entry for the same entity is
// coalesced (replaced) in place, preserving its original queue
// position, matching spec §5's "coalescing by entity ref" rule.
func (o *Outbox) Enqueue(p PendingPublish) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := cacheKey(p.Ref)
	if _, exists := o.byEntity[key]; exists {
		o.byEntity[key] = &p
		return nil
	}

	if o.maxSize > 0 && len(o.order) >= o.maxSize {
		return ErrBackpressure
	}

	o.byEntity[key] = &p
	o.order = append(o.order, key)
	return nil
}

// Drain returns every pending publish in insertion order, for a
// reconnect flush (spec §4.2 "Reconnect... flushes the outbox").
func (o *Outbox) Drain() []PendingPublish {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]PendingPublish, 0, len(o.order))
	for _, key := range o.order {
		if p, ok := o.byEntity[key]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Ack removes the pending entry for ref once its publish has been
// durably acknowledged (success or a terminal, non-retryable error).
func (o *Outbox) Ack(ref wire.EntityRef) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := cacheKey(ref)
	if _, ok := o.byEntity[key]; !ok {
		return
	}
	delete(o.byEntity, key)
	for i, k := range o.order {
		if k == key {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of distinct entities with a pending publish.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.order)
}
