package throttle

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottle_CoalescesBurst(t *testing.T) {
	var calls atomic.Int32
	th := New(30*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 10; i++ {
		th.Trigger()
	}
	assert.True(t, th.Pending())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, th.Pending())

	th.Trigger()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestThrottle_StopCancelsPending(t *testing.T) {
	var calls atomic.Int32
	th := New(20*time.Millisecond, func() { calls.Add(1) })

	th.Trigger()
	assert.True(t, th.Stop())
	th.Trigger()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, th.Stop())
}
