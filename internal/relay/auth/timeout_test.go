package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/relay/auth"
)

func TestWithDefaultTimeout_AppliesWhenNoDeadline(t *testing.T) {
	before := time.Now()
	ctx, cancel := auth.WithDefaultTimeout(context.Background(), func() time.Duration { return 5 * time.Second })
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, before.Add(5*time.Second), deadline, 2*time.Second)
}

func TestWithDefaultTimeout_PreservesExistingDeadline(t *testing.T) {
	customDeadline := time.Now().Add(30 * time.Second)
	parent, cancelParent := context.WithDeadline(context.Background(), customDeadline)
	defer cancelParent()

	ctx, cancel := auth.WithDefaultTimeout(parent, func() time.Duration { return 5 * time.Second })
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, customDeadline, deadline, 2*time.Second)
}
