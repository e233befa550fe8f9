package pump

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(model string) Fingerprint { return Fingerprint{Model: model, PermissionMode: "default"} }

func TestQueue_CoalescesAdjacentSameFingerprint(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Message{Content: "a", Fingerprint: fp("sonnet")})
	q.Enqueue(Message{Content: "b", Fingerprint: fp("sonnet")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	batch, ok := q.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, batch.Contents)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_FingerprintChangeForcesBoundary(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Message{Content: "a", Fingerprint: fp("sonnet")})
	q.Enqueue(Message{Content: "b", Fingerprint: fp("opus")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, ok := q.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, first.Contents)

	second, ok := q.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, second.Contents)
}

func TestQueue_ClearDiscardsQueuedFollowUpsAheadOfIt(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Message{Content: "a", Fingerprint: fp("sonnet")})
	q.Enqueue(Message{Content: "b", Fingerprint: fp("sonnet")})
	q.Enqueue(Message{Content: "/clear", Fingerprint: fp("sonnet")})

	assert.Equal(t, 1, q.Len(), "enqueueing /clear should discard messages queued ahead of it")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	batch, ok := q.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"/clear"}, batch.Contents)
}

func TestQueue_CompactIsDeliveredAloneWhenFollowedByOtherMessages(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Message{Content: "/compact", Fingerprint: fp("sonnet")})
	q.Enqueue(Message{Content: "a", Fingerprint: fp("sonnet")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, ok := q.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"/compact"}, first.Contents)

	second, ok := q.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, second.Contents)
}

func TestQueue_NextBlocksUntilCancelledWhenEmpty(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Next(ctx)
	assert.False(t, ok)
}

func TestIsShellEscape_DetectsDollarAndBang(t *testing.T) {
	cmd, ok := IsShellEscape("$ls -la")
	assert.True(t, ok)
	assert.Equal(t, "ls -la", cmd)

	cmd, ok = IsShellEscape("!pwd")
	assert.True(t, ok)
	assert.Equal(t, "pwd", cmd)

	_, ok = IsShellEscape("regular message")
	assert.False(t, ok)
}

func TestRunShellEscape_CapturesOutput(t *testing.T) {
	result := RunShellEscape(context.Background(), "echo hello", "", time.Second)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.TimedOut)
	assert.Contains(t, result.Output, "hello")
}

func TestRunShellEscape_TimesOut(t *testing.T) {
	result := RunShellEscape(context.Background(), "sleep 5", "", 20*time.Millisecond)
	assert.True(t, result.TimedOut)
}
