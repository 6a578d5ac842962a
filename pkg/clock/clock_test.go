package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	fake := NewFake()
	var order []string

	fake.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	fake.AfterFunc(10*time.Millisecond, func() { order = append(order, "a") })
	fake.AfterFunc(20*time.Millisecond, func() { order = append(order, "b") })

	fake.Advance(50 * time.Millisecond)

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("fired %d callbacks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestFake_StopPreventsFiring(t *testing.T) {
	t.Parallel()

	fake := NewFake()
	fired := false
	timer := fake.AfterFunc(10*time.Millisecond, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop() = false, want true for an unfired timer")
	}
	fake.Advance(20 * time.Millisecond)

	if fired {
		t.Error("stopped timer fired")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}
}

func TestFake_RescheduledTimersFireWithinWindow(t *testing.T) {
	t.Parallel()

	fake := NewFake()
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			fake.AfterFunc(10*time.Millisecond, tick)
		}
	}
	fake.AfterFunc(10*time.Millisecond, tick)

	fake.Advance(35 * time.Millisecond)

	if count != 3 {
		t.Errorf("tick count = %d, want 3", count)
	}
	if fake.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", fake.Pending())
	}
}

func TestFake_NowAdvances(t *testing.T) {
	t.Parallel()

	fake := NewFake()
	start := fake.Now()
	fake.Advance(time.Second)

	if got := fake.Since(start); got != time.Second {
		t.Errorf("Since(start) = %v, want %v", got, time.Second)
	}
}
