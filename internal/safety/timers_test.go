package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tiercache/tiercache/pkg/clock"
)

func TestTimerManager_SetReplacesExistingID(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	tm := NewTimerManager(fake, nil)

	var fired []string
	tm.Set("job", 10*time.Millisecond, func() { fired = append(fired, "first") })
	tm.Set("job", 20*time.Millisecond, func() { fired = append(fired, "second") })
	assert.Equal(t, 1, tm.Active())

	fake.Advance(30 * time.Millisecond)

	// Only the replacement fires; the prior timer was cancelled.
	assert.Equal(t, []string{"second"}, fired)
	assert.Equal(t, 0, tm.Active())
}

func TestTimerManager_Cancel(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	tm := NewTimerManager(fake, nil)

	fired := false
	tm.Set("job", 10*time.Millisecond, func() { fired = true })

	assert.True(t, tm.Cancel("job"))
	assert.False(t, tm.Cancel("job"))

	fake.Advance(20 * time.Millisecond)
	assert.False(t, fired)
}

func TestTimerManager_StopAll(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	tm := NewTimerManager(fake, nil)

	count := 0
	tm.Set("a", 10*time.Millisecond, func() { count++ })
	tm.Set("b", 10*time.Millisecond, func() { count++ })

	tm.StopAll()
	fake.Advance(20 * time.Millisecond)

	assert.Equal(t, 0, count)
	assert.Equal(t, 0, tm.Active())

	// Closed managers reject new timers.
	tm.Set("c", 10*time.Millisecond, func() { count++ })
	fake.Advance(20 * time.Millisecond)
	assert.Equal(t, 0, count)
}

func TestTimerManager_FiresAndDeregisters(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	tm := NewTimerManager(fake, nil)

	count := 0
	tm.Set("tick", 10*time.Millisecond, func() { count++ })
	fake.Advance(15 * time.Millisecond)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, tm.Active())

	// Same id can be reused after firing.
	tm.Set("tick", 10*time.Millisecond, func() { count++ })
	fake.Advance(15 * time.Millisecond)
	assert.Equal(t, 2, count)
}
