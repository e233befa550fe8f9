package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_ResolveAllowsBeforeTimeout(t *testing.T) {
	tr := NewTracker()
	tr.Timeout = time.Second

	resultCh := make(chan Response, 1)
	go func() {
		resp, err := tr.Await(context.Background(), Request{RequestID: "r1", ToolName: "Bash"})
		require.NoError(t, err)
		resultCh <- resp
	}()

	require.Eventually(t, func() bool { return tr.Pending("r1") }, time.Second, time.Millisecond)
	require.NoError(t, tr.Resolve(Response{RequestID: "r1", Behavior: Allow}))

	select {
	case resp := <-resultCh:
		assert.Equal(t, Allow, resp.Behavior)
	case <-time.After(time.Second):
		t.Fatal("Await did not return after Resolve")
	}
}

func TestTracker_TimesOutToDefaultDeny(t *testing.T) {
	tr := NewTracker()
	tr.Timeout = 20 * time.Millisecond

	resp, err := tr.Await(context.Background(), Request{RequestID: "r2", ToolName: "Bash"})
	require.NoError(t, err)
	assert.Equal(t, Deny, resp.Behavior)
}

func TestTracker_AutoApprovesPlanModeTools(t *testing.T) {
	tr := NewTracker()
	tr.AutoApprovePlan = true

	resp, err := tr.Await(context.Background(), Request{RequestID: "r3", ToolName: "EnterPlanMode"})
	require.NoError(t, err)
	assert.Equal(t, Allow, resp.Behavior)
	assert.False(t, tr.Pending("r3"))
}

func TestTracker_AutoApprovePlanDoesNotAffectOtherTools(t *testing.T) {
	tr := NewTracker()
	tr.AutoApprovePlan = true
	tr.Timeout = 20 * time.Millisecond

	resp, err := tr.Await(context.Background(), Request{RequestID: "r4", ToolName: "Bash"})
	require.NoError(t, err)
	assert.Equal(t, Deny, resp.Behavior)
}

func TestTracker_ResolveUnknownRequestErrors(t *testing.T) {
	tr := NewTracker()
	assert.Error(t, tr.Resolve(Response{RequestID: "missing", Behavior: Allow}))
}

func TestTracker_ContextCancellationPropagates(t *testing.T) {
	tr := NewTracker()
	tr.Timeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Await(ctx, Request{RequestID: "r5", ToolName: "Bash"})
	assert.ErrorIs(t, err, context.Canceled)
}
