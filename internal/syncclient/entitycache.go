// Package syncclient presents a local, converging view of relay-owned
// entities to the hosting process (the CLI daemon), and a typed
// invoke/register RPC surface over the relay's wire protocol (spec
// §4.2).
package syncclient

import (
	"sync"

	"github.com/happy-coder/happy/internal/wire"
)

// CachedEntity is the client's local copy of a versioned entity.
// LocalOverlay holds a not-yet-acknowledged optimistic write (spec
// §4.2: "{version, body, localOverlay?}").
type CachedEntity struct {
	Version      int64
	Body         []byte
	LocalOverlay []byte
}

// EntityCache is the Sync Client's keyed-by-entityRef local state,
// safe for concurrent access from the applier goroutine and caller
// threads.
type EntityCache struct {
	mu       sync.RWMutex
	entities map[string]*CachedEntity
}

// NewEntityCache returns an empty cache.
func NewEntityCache() *EntityCache {
	return &EntityCache{entities: make(map[string]*CachedEntity)}
}

func cacheKey(ref wire.EntityRef) string { return string(ref.Kind) + ":" + ref.ID }

// Get returns the cached entity for ref, or false if unknown.
func (c *EntityCache) Get(ref wire.EntityRef) (CachedEntity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[cacheKey(ref)]
	if !ok {
		return CachedEntity{}, false
	}
	return *e, true
}

// Put installs or overwrites the committed state for ref, clearing any
// overlay (used by the applier on a confirmed inbound update, and by a
// snapshot refetch after resync-required).
func (c *EntityCache) Put(ref wire.EntityRef, version int64, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[cacheKey(ref)] = &CachedEntity{Version: version, Body: body}
}

// ApplyOverlay stages an optimistic local write on top of the last
// known committed state (spec §4.2 step 2: "optimistically applies to
// local overlay").
func (c *EntityCache) ApplyOverlay(ref wire.EntityRef, overlay []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[cacheKey(ref)]
	if !ok {
		e = &CachedEntity{}
		c.entities[cacheKey(ref)] = e
	}
	e.LocalOverlay = overlay
}

// CommitOverlay promotes the staged overlay to the committed body at
// newVersion on a successful publishUpdate (spec §4.2 step 4).
func (c *EntityCache) CommitOverlay(ref wire.EntityRef, newVersion int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[cacheKey(ref)]
	if !ok {
		return
	}
	if e.LocalOverlay != nil {
		e.Body = e.LocalOverlay
		e.LocalOverlay = nil
	}
	e.Version = newVersion
}

// DiscardOverlay drops a staged overlay without committing it, used
// when a rebase-and-retry produces a fresh overlay that supersedes it.
func (c *EntityCache) DiscardOverlay(ref wire.EntityRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entities[cacheKey(ref)]; ok {
		e.LocalOverlay = nil
	}
}
