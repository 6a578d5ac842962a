package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/pkg/clock"
	"github.com/tiercache/tiercache/pkg/errors"
)

func newTestBus(cfg BusConfig) (*Bus, *clock.Fake) {
	fake := clock.NewFake()
	return NewBus(cfg, fake, nil, nil), fake
}

func TestBus_PublishSubscribe(t *testing.T) {
	t.Parallel()

	bus, _ := newTestBus(BusConfig{})

	var got []interface{}
	unsubscribe, err := bus.Subscribe("cache:hit", func(payload interface{}) {
		got = append(got, payload)
	})
	require.NoError(t, err)

	bus.Emit("cache:hit", "a")
	bus.Emit("cache:miss", "ignored")
	assert.Equal(t, []interface{}{"a"}, got)

	unsubscribe()
	bus.Emit("cache:hit", "b")
	assert.Equal(t, []interface{}{"a"}, got)
	assert.Equal(t, 0, bus.ListenerCount("cache:hit"))
}

func TestBus_ListenerCap(t *testing.T) {
	t.Parallel()

	bus, _ := newTestBus(BusConfig{MaxListeners: 2})

	for i := 0; i < 2; i++ {
		_, err := bus.Subscribe("evt", func(interface{}) {})
		require.NoError(t, err)
	}

	_, err := bus.Subscribe("evt", func(interface{}) {})
	assert.True(t, errors.IsCode(err, errors.ErrCodeListenerLimit))
	assert.Equal(t, 2, bus.ListenerCount("evt"))
}

func TestBus_RecursionDepthLimit(t *testing.T) {
	t.Parallel()

	bus, fake := newTestBus(BusConfig{MaxRecursionDepth: 3})

	depth := 0
	maxDepth := 0
	invocations := 0
	_, err := bus.Subscribe("evt", func(interface{}) {
		invocations++
		depth++
		if depth > maxDepth {
			maxDepth = depth
		}
		// Space emissions out so flood detection stays quiet and only the
		// recursion limit is exercised.
		fake.Advance(200 * time.Millisecond)
		bus.Emit("evt", depth) // re-entrant
		depth--
	})
	require.NoError(t, err)

	bus.Emit("evt", 0)
	assert.Equal(t, 3, maxDepth)
	assert.Equal(t, 3, invocations)

	// Depth is decremented unconditionally, so fresh emissions dispatch.
	fake.Advance(2 * time.Second)
	bus.Emit("evt", "fresh")
	assert.Equal(t, 6, invocations) // fresh emission recurses to the limit again
}

func TestBus_BurstFloodMarksSuspicious(t *testing.T) {
	t.Parallel()

	bus, _ := newTestBus(BusConfig{})

	delivered := 0
	_, err := bus.Subscribe("evt", func(interface{}) { delivered++ })
	require.NoError(t, err)

	// More than 3 structurally identical emissions within 100ms: the 4th
	// trips the burst detector and is dropped along with everything after.
	for i := 0; i < 6; i++ {
		bus.Emit("evt", "same-payload")
	}

	assert.Equal(t, 3, delivered)
	assert.True(t, bus.IsSuspicious("evt", "same-payload"))
	assert.False(t, bus.IsSuspicious("evt", "other-payload"))
}

func TestBus_SustainedFloodMarksSuspicious(t *testing.T) {
	t.Parallel()

	bus, fake := newTestBus(BusConfig{})

	delivered := 0
	_, err := bus.Subscribe("evt", func(interface{}) { delivered++ })
	require.NoError(t, err)

	// Stay under the burst limit but exceed 20 emissions inside 1000ms.
	for i := 0; i < 21; i++ {
		bus.Emit("evt", "p")
		fake.Advance(45 * time.Millisecond)
	}

	assert.Equal(t, 20, delivered)
	assert.True(t, bus.IsSuspicious("evt", "p"))
}

func TestBus_ClearSuspiciousRestoresDelivery(t *testing.T) {
	t.Parallel()

	bus, fake := newTestBus(BusConfig{})

	delivered := 0
	_, err := bus.Subscribe("evt", func(interface{}) { delivered++ })
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		bus.Emit("evt", "p")
	}
	require.True(t, bus.IsSuspicious("evt", "p"))
	blocked := delivered

	bus.ClearSuspicious("evt")
	fake.Advance(2 * time.Second)

	bus.Emit("evt", "p")
	assert.Equal(t, blocked+1, delivered)
	assert.False(t, bus.IsSuspicious("evt", "p"))
}

func TestBus_EmitOnceDeduplicatesWithinWindow(t *testing.T) {
	t.Parallel()

	bus, fake := newTestBus(BusConfig{})

	var got []interface{}
	_, err := bus.Subscribe("evt", func(payload interface{}) { got = append(got, payload) })
	require.NoError(t, err)

	payload := map[string]interface{}{"key": "k", "tier": "hot"}
	duplicate := map[string]interface{}{"key": "k", "tier": "hot"}

	bus.EmitOnce("evt", payload, 500*time.Millisecond)
	bus.EmitOnce("evt", duplicate, 500*time.Millisecond) // structurally identical
	assert.Len(t, got, 1)

	fake.Advance(600 * time.Millisecond)
	bus.EmitOnce("evt", duplicate, 500*time.Millisecond)
	assert.Len(t, got, 2)
}

func TestBus_DistinctPayloadsNotDeduplicated(t *testing.T) {
	t.Parallel()

	bus, _ := newTestBus(BusConfig{})

	count := 0
	_, err := bus.Subscribe("evt", func(interface{}) { count++ })
	require.NoError(t, err)

	bus.EmitOnce("evt", map[string]interface{}{"key": "a"}, time.Second)
	bus.EmitOnce("evt", map[string]interface{}{"key": "b"}, time.Second)
	assert.Equal(t, 2, count)
}
