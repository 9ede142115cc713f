package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerFiresAndDoublesPeriod(t *testing.T) {
	var fires int32
	tm := New(10*time.Millisecond, 6, func() {
		atomic.AddInt32(&fires, 1)
	})
	tm.Reset()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fires) >= 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, tm.Cycle())

	tm.Reset()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fires) >= 2 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, tm.Cycle())
}

func TestResetChangeCycleClearsCycle(t *testing.T) {
	tm := New(5*time.Millisecond, 6, func() {})
	tm.Reset()
	assert.Eventually(t, func() bool { return tm.Cycle() >= 1 }, time.Second, time.Millisecond)

	tm.ResetChangeCycle()
	assert.EqualValues(t, 0, tm.Cycle())
}

func TestStopPreventsFurtherFires(t *testing.T) {
	var fires int32
	tm := New(5*time.Millisecond, 6, func() {
		atomic.AddInt32(&fires, 1)
	})
	tm.Reset()
	tm.Stop()
	time.Sleep(50 * time.Millisecond)
	// at most one fire could have been in flight when Stop ran
	assert.LessOrEqual(t, atomic.LoadInt32(&fires), int32(1))
}
