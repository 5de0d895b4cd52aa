package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestURLSetMarkIfNew(t *testing.T) {
	var set urlSet
	require.True(t, set.MarkIfNew("https://www.toolify.ai/tool/a"))
	require.False(t, set.MarkIfNew("https://www.toolify.ai/tool/a"))
	require.True(t, set.MarkIfNew("https://www.toolify.ai/tool/b"))
	require.True(t, set.Has("https://www.toolify.ai/tool/b"))
	require.Equal(t, 2, set.Len())
}

func TestTimerPauseControllerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pauser := timerPauseController{}
	start := time.Now()
	err := pauser.Pause(ctx, 5*time.Second)
	require.True(t, errors.Is(err, context.Canceled))
	require.Less(t, time.Since(start), time.Second, "pause should exit immediately when context is done")
}

func TestHostGateIsExclusive(t *testing.T) {
	gate := newHostGate()
	require.NoError(t, gate.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, gate.Acquire(ctx), "second holder must wait")

	gate.Release()
	require.NoError(t, gate.Acquire(context.Background()))
	gate.Release()
}
