package syncclient

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/happy-coder/happy/internal/wire"
)

// Observer receives update envelopes fanned out for a scope it
// subscribed to (spec §4.2: applier callback per scope).
type Observer func(update *wire.Envelope)

// subscriptionState is one scope's durable resume point plus its
// registered observer.
type subscriptionState struct {
	scope    wire.Scope
	lastSeq  int64
	observer Observer
}

// Subscriptions tracks which scopes this client is watching and the
// last seq seen for each, so a reconnect can resume with
// subscribe{scope, sinceSeq} instead of a full resync (spec §4.2,
// §8). lastSeq is persisted to disk so a process restart resumes from
// where it left off rather than from zero.
type Subscriptions struct {
	mu       sync.RWMutex
	states   map[string]*subscriptionState
	statFile string // empty disables persistence (e.g. in tests)
}

// NewSubscriptions returns a registry that persists lastSeq under
// dataDir/subscriptions.json, atomically, the way
// telnet2-opencode's storage.Put writes its state files.
func NewSubscriptions(dataDir string) *Subscriptions {
	s := &Subscriptions{states: make(map[string]*subscriptionState)}
	if dataDir != "" {
		s.statFile = filepath.Join(dataDir, "subscriptions.json")
	}
	s.load()
	return s
}

func scopeKey(scope wire.Scope) string { return string(scope.Kind) + ":" + scope.ID }

// Add registers observer for scope, resuming from any previously
// persisted lastSeq for that scope.
func (s *Subscriptions) Add(scope wire.Scope, observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey(scope)
	st, ok := s.states[key]
	if !ok {
		st = &subscriptionState{scope: scope}
		s.states[key] = st
	}
	st.observer = observer
}

// Remove drops a scope from the registry entirely (unsubscribe).
func (s *Subscriptions) Remove(scope wire.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, scopeKey(scope))
}

// SinceSeq returns the resume point to send in a subscribe frame for
// scope (0 if never seen).
func (s *Subscriptions) SinceSeq(scope wire.Scope) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[scopeKey(scope)]; ok {
		return st.lastSeq
	}
	return 0
}

// Dispatch routes an inbound update envelope to the observer
// registered for its scope, if any, and advances lastSeq. Returns
// false if no observer is registered for the update's scope (the
// caller may choose to log or ignore).
func (s *Subscriptions) Dispatch(scope wire.Scope, update *wire.Envelope) bool {
	s.mu.Lock()
	st, ok := s.states[scopeKey(scope)]
	advanced := false
	if ok {
		if update.Seq > st.lastSeq {
			st.lastSeq = update.Seq
			advanced = true
		}
	}
	observer := (Observer)(nil)
	if ok {
		observer = st.observer
	}
	s.mu.Unlock()
	if advanced {
		_ = s.Persist()
	}

	if observer == nil {
		return false
	}
	observer(update)
	return true
}

// Scopes returns every currently registered scope, for resubscribing
// after a reconnect (spec §4.2: "On reconnect... resubscribes to
// every previously subscribed scope").
func (s *Subscriptions) Scopes() []wire.Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Scope, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.scope)
	}
	return out
}

// persistedEntry is the on-disk shape of one scope's resume point.
type persistedEntry struct {
	Kind    wire.EntityKind `json:"kind"`
	ID      string          `json:"id"`
	LastSeq int64           `json:"lastSeq"`
}

// Persist durably writes every scope's lastSeq via a write-temp-then-
// rename, so a crash mid-write never leaves a corrupt or truncated
// file behind.
func (s *Subscriptions) Persist() error {
	if s.statFile == "" {
		return nil
	}

	s.mu.RLock()
	entries := make([]persistedEntry, 0, len(s.states))
	for _, st := range s.states {
		entries = append(entries, persistedEntry{Kind: st.scope.Kind, ID: st.scope.ID, LastSeq: st.lastSeq})
	}
	s.mu.RUnlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal subscriptions: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.statFile), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpPath := s.statFile + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp subscriptions file: %w", err)
	}
	if err := os.Rename(tmpPath, s.statFile); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename subscriptions file: %w", err)
	}
	return nil
}

func (s *Subscriptions) load() {
	if s.statFile == "" {
		return
	}
	data, err := os.ReadFile(s.statFile)
	if err != nil {
		return
	}
	var entries []persistedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		scope := wire.Scope{Kind: e.Kind, ID: e.ID}
		s.states[scopeKey(scope)] = &subscriptionState{scope: scope, lastSeq: e.LastSeq}
	}
}
