package syncclient

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFastBackoff mirrors the hub worker client's test backoff: fast
// enough for a unit test, same shape as production.
func newFastBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Millisecond
	b.MaxInterval = 10 * time.Millisecond
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func TestRunWithBackoff_ReconnectsOnFailure(t *testing.T) {
	var attempts atomic.Int32
	targetAttempts := int32(4)

	client := NewClient("ws://unused", "tok", "", nil, "")
	ctx, cancel := context.WithCancel(context.Background())

	mockConnect := func(_ context.Context) error {
		n := attempts.Add(1)
		if n >= targetAttempts {
			cancel()
		}
		return fmt.Errorf("connection lost")
	}

	client.runWithBackoff(ctx, mockConnect, newFastBackoff(), 5*time.Millisecond)

	assert.GreaterOrEqual(t, attempts.Load(), targetAttempts)
}

func TestRunWithBackoff_StopsOnContextCancel(t *testing.T) {
	var attempts atomic.Int32

	client := NewClient("ws://unused", "tok", "", nil, "")
	ctx, cancel := context.WithCancel(context.Background())

	mockConnect := func(_ context.Context) error {
		attempts.Add(1)
		return fmt.Errorf("connection lost")
	}

	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	client.runWithBackoff(ctx, mockConnect, newFastBackoff(), 5*time.Millisecond)

	assert.GreaterOrEqual(t, attempts.Load(), int32(1))
}

func TestRunWithBackoff_ResetsAfterLongConnection(t *testing.T) {
	var timestamps []time.Time
	var attempts atomic.Int32

	client := NewClient("ws://unused", "tok", "", nil, "")
	ctx, cancel := context.WithCancel(context.Background())

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.Multiplier = 4.0
	bo.RandomizationFactor = 0
	bo.Reset()

	mockConnect := func(_ context.Context) error {
		n := attempts.Add(1)
		timestamps = append(timestamps, time.Now())
		switch n {
		case 1, 2, 3:
			return fmt.Errorf("fail %d", n)
		case 4:
			time.Sleep(80 * time.Millisecond)
			return fmt.Errorf("disconnect after long session")
		case 5:
			return fmt.Errorf("fail 5")
		default:
			cancel()
			return fmt.Errorf("done")
		}
	}

	client.runWithBackoff(ctx, mockConnect, bo, 50*time.Millisecond)

	require.GreaterOrEqual(t, len(timestamps), 6)

	gap34 := timestamps[3].Sub(timestamps[2])
	gap56 := timestamps[5].Sub(timestamps[4])
	assert.Less(t, gap56, gap34, "gap after reset should be shorter than gap before long connection")
}

func TestClient_IsConnectedReflectsState(t *testing.T) {
	client := NewClient("ws://unused", "tok", "", nil, "")
	assert.False(t, client.IsConnected())
}
