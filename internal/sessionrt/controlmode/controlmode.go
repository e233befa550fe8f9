// Package controlmode tracks whether a session's keyboard input is
// being driven by the local terminal or a remote client, and publishes
// flips of that bit as a persistent Session update (SPEC_FULL.md §4
// "controlmode/": "local/remote control-mode flip, published as a
// persistent agentState.controlledByUser update").
package controlmode

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/happy-coder/happy/internal/syncclient"
	"github.com/happy-coder/happy/internal/wire"
)

// Mode is which side currently owns keyboard input for a session.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// AgentState is the mutable half of a Session's body (spec §3: "Body
// is a single opaque ciphertext blob covering both static metadata ...
// and mutable agent state (thinking, controlledByUser, currentModel)").
// The relay never parses this; it is assembled and encrypted entirely
// client-side through syncclient.Client.Mutate.
type AgentState struct {
	Thinking         bool   `json:"thinking"`
	ControlledByUser bool   `json:"controlledByUser"`
	CurrentModel     string `json:"currentModel"`
}

// Tracker holds the current control mode for one session and
// publishes a Session mutation whenever it flips.
type Tracker struct {
	Client    *syncclient.Client
	SessionID string

	mu   sync.Mutex
	mode Mode
}

// New returns a Tracker starting in startMode.
func New(client *syncclient.Client, sessionID string, startMode Mode) *Tracker {
	return &Tracker{Client: client, SessionID: sessionID, mode: startMode}
}

// Mode returns the tracker's current mode.
func (t *Tracker) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// OnLocalKeypress flips the session to local control mode the moment
// a keypress arrives on the attached terminal while in remote mode
// (spec §4.3: "The first keypress on the controlling terminal while
// the session is remote flips it to local"). It is a no-op if already
// local.
func (t *Tracker) OnLocalKeypress(ctx context.Context) error {
	return t.setMode(ctx, ModeLocal)
}

// SetRemote flips the session back to remote control, e.g. on an
// explicit remote-takeover command.
func (t *Tracker) SetRemote(ctx context.Context) error {
	return t.setMode(ctx, ModeRemote)
}

func (t *Tracker) setMode(ctx context.Context, mode Mode) error {
	t.mu.Lock()
	if t.mode == mode {
		t.mu.Unlock()
		return nil
	}
	t.mode = mode
	t.mu.Unlock()

	ref := wire.EntityRef{Kind: wire.EntitySession, ID: t.SessionID}
	err := t.Client.Mutate(ctx, ref, func(current []byte) ([]byte, error) {
		return patchControlledByUser(current, mode == ModeLocal)
	})
	if err != nil && err != syncclient.ErrQueuedOffline {
		return fmt.Errorf("publish control mode: %w", err)
	}
	return nil
}

// patchControlledByUser updates only the controlledByUser field of a
// Session body, leaving the static metadata fields (workingDir,
// flavor, permissions, model, ...) the body also carries untouched
// (spec §3: Body covers both static metadata and mutable agent state
// in one blob). An empty body initializes a bare agentState, since the
// first control-mode flip for a session may race ahead of any other
// agentState write.
func patchControlledByUser(body []byte, controlledByUser bool) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("decode session body: %w", err)
		}
	}

	encoded, err := json.Marshal(controlledByUser)
	if err != nil {
		return nil, err
	}
	fields["controlledByUser"] = encoded

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode session body: %w", err)
	}
	return out, nil
}
