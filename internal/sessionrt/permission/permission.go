// Package permission implements the permission-request/response flow
// between the assistant child (which asks to run a tool) and a remote
// client (which allows or denies it), including the auto-approve-plan
// shortcut and a default-deny timeout (SPEC_FULL.md §4 "permission/";
// spec §4.3 "Permission-request flow").
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Behavior is the resolution of a permission request.
type Behavior string

const (
	Allow Behavior = "allow"
	Deny  Behavior = "deny"
)

// DefaultTimeout is how long a pending request waits for a remote
// response before resolving to the default-deny behavior (spec §4.3:
// "Pending requests time out to a configurable default (the default
// is deny)").
const DefaultTimeout = 60 * time.Second

// Request is a permission-request message as it appears in the
// session log (spec §4.3: "structured: request_id, tool_name,
// arguments").
type Request struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Response is the resolved outcome of a Request.
type Response struct {
	RequestID string   `json:"request_id"`
	Behavior  Behavior `json:"behavior"`
	Message   string   `json:"message,omitempty"`
}

type pending struct {
	req    Request
	ch     chan Response
	cancel context.CancelFunc
}

// Tracker holds in-flight permission requests for one session and
// resolves them either from a remote processPermissionRequest RPC, an
// auto-approve-plan shortcut, or the default-deny timeout.
type Tracker struct {
	// AutoApprovePlan resolves EnterPlanMode/ExitPlanMode-style requests
	// locally without waiting for a remote response, when set (spec
	// §4.3: "If the session is configured with an auto-approve-plan
	// bit, the CLI resolves it locally without waiting").
	AutoApprovePlan bool
	Timeout         time.Duration

	mu      sync.Mutex
	pending map[string]*pending
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]*pending)}
}

// planModeTools are resolved locally when AutoApprovePlan is set,
// without waiting on a remote client at all.
var planModeTools = map[string]bool{
	"EnterPlanMode": true,
	"ExitPlanMode":  true,
}

// Await registers req and blocks until it is resolved by Resolve, the
// auto-approve-plan shortcut, or the timeout elapses (whichever comes
// first). ctx cancellation also unblocks it with ctx.Err().
func (t *Tracker) Await(ctx context.Context, req Request) (Response, error) {
	if t.AutoApprovePlan && planModeTools[req.ToolName] {
		return Response{RequestID: req.RequestID, Behavior: Allow, Message: "auto-approved (plan mode)"}, nil
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan Response, 1)
	t.mu.Lock()
	t.pending[req.RequestID] = &pending{req: req, ch: ch, cancel: cancel}
	t.mu.Unlock()
	defer t.forget(req.RequestID)

	select {
	case resp := <-ch:
		return resp, nil
	case <-reqCtx.Done():
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		// Timed out, not cancelled by the caller: default-deny.
		return Response{RequestID: req.RequestID, Behavior: Deny, Message: "timed out, default-deny"}, nil
	}
}

// Resolve delivers a remote processPermissionRequest response to the
// matching pending Await call. It returns an error if no request with
// that ID is currently pending (already resolved, timed out, or
// unknown).
func (t *Tracker) Resolve(resp Response) error {
	t.mu.Lock()
	p, ok := t.pending[resp.RequestID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending permission request %q", resp.RequestID)
	}

	select {
	case p.ch <- resp:
	default:
	}
	return nil
}

// Pending reports whether a request with requestID is currently
// awaiting resolution.
func (t *Tracker) Pending(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[requestID]
	return ok
}

func (t *Tracker) forget(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, requestID)
}
