package timesync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitUntilReachesDeadline(t *testing.T) {
	deadline := time.Now().Add(15 * time.Millisecond)
	require.NoError(t, WaitUntil(context.Background(), deadline))
	assert.False(t, time.Now().Before(deadline))
}

func TestWaitUntilPastDeadline(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitUntil(context.Background(), start.Add(-time.Second)))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestWaitUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := WaitUntil(ctx, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTimestampWraps(t *testing.T) {
	assert.Equal(t, uint32(5), Timestamp(time.UnixMilli(1<<32+5)))
	assert.Equal(t, uint32(1234), Timestamp(time.UnixMilli(1234)))
}
