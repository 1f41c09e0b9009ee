package circuitbreaker

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests step through cooldowns without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	b := New(threshold, open)
	b.now = clk.Now
	return b, clk
}

func trip(b *Breaker, key string, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure(key)
	}
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	assert.True(t, b.Allow("predict"))
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	trip(b, "predict", 2)
	assert.True(t, b.Allow("predict"), "below threshold")

	b.RecordFailure("predict")
	assert.False(t, b.Allow("predict"))
	assert.Equal(t, StateOpen, b.State("predict"))
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)
	trip(b, "predict", 2)
	require.False(t, b.Allow("predict"))

	clk.Advance(time.Second)
	assert.True(t, b.Allow("predict"), "one probe")
	assert.Equal(t, StateHalfOpen, b.State("predict"))
	assert.False(t, b.Allow("predict"), "second request while probing")
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)
	trip(b, "predict", 2)
	clk.Advance(time.Second)
	require.True(t, b.Allow("predict"))

	b.RecordSuccess("predict")
	assert.Equal(t, StateClosed, b.State("predict"))
	assert.True(t, b.Allow("predict"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)
	trip(b, "predict", 2)
	clk.Advance(time.Second)
	require.True(t, b.Allow("predict"))

	b.RecordFailure("predict")
	assert.Equal(t, StateOpen, b.State("predict"))
	assert.False(t, b.Allow("predict"))
}

func TestBreaker_AbandonedProbeIsRetried(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)
	trip(b, "predict", 2)
	clk.Advance(time.Second)
	require.True(t, b.Allow("predict"))

	// The probe's outcome is never recorded.
	clk.Advance(500 * time.Millisecond)
	assert.False(t, b.Allow("predict"))
	clk.Advance(500 * time.Millisecond)
	assert.True(t, b.Allow("predict"))
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	trip(b, "predict", 2)
	b.RecordSuccess("predict")
	b.RecordFailure("predict")
	assert.True(t, b.Allow("predict"), "counter was reset")
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)
	trip(b, "predict", 2)

	assert.False(t, b.Allow("predict"))
	assert.True(t, b.Allow("feedback"))
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)
	boom := errors.New("boom")

	calls := 0
	fail := func() error { calls++; return boom }

	assert.ErrorIs(t, b.Execute("predict", fail), boom)
	assert.ErrorIs(t, b.Execute("predict", fail), boom)
	assert.ErrorIs(t, b.Execute("predict", fail), ErrOpen)
	assert.Equal(t, 2, calls, "rejected call does not run fn")

	assert.NoError(t, b.Execute("feedback", func() error { return nil }))
}

func TestBreaker_Snapshot(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)
	trip(b, "predict", 2)
	b.RecordFailure("feedback")

	snap := b.Snapshot()
	require.NotNil(t, snap["predict"].RetryAt)
	assert.Equal(t, clk.Now().Add(time.Second), *snap["predict"].RetryAt)
	assert.Equal(t, StateOpen, snap["predict"].State)
	assert.Equal(t, 2, snap["predict"].Failures)
	assert.Equal(t, KeyStatus{State: StateClosed, Failures: 1}, snap["feedback"])

	data, err := json.Marshal(snap["feedback"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"closed","consecutive_failures":1}`, string(data))
}

func TestBreaker_FailedProbesBackOff(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)

	b.RecordFailure("predict")
	for _, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		clk.Advance(wait - time.Millisecond)
		require.False(t, b.Allow("predict"), "still cooling down before %v", wait)
		clk.Advance(time.Millisecond)
		require.True(t, b.Allow("predict"), "probe after %v", wait)
		b.RecordFailure("predict")
	}

	// A successful probe resets the cooldown.
	clk.Advance(8 * time.Second)
	require.True(t, b.Allow("predict"))
	b.RecordSuccess("predict")
	b.RecordFailure("predict")
	clk.Advance(time.Second)
	assert.True(t, b.Allow("predict"))
}

func TestBreaker_BackoffCapped(t *testing.T) {
	b := New(1, time.Second)
	var got []time.Duration
	for n := 1; n <= 5; n++ {
		got = append(got, b.backoff(n))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second,
	}, got)

	capped := New(1, time.Second, WithMaxCooldown(3*time.Second))
	assert.Equal(t, 3*time.Second, capped.backoff(3))

	floor := New(1, time.Second, WithMaxCooldown(time.Millisecond))
	assert.Equal(t, time.Second, floor.backoff(4))
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	trip(b, "predict", 2)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateClosed, transitions[0].from)
	assert.Equal(t, StateOpen, transitions[0].to)
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, DefaultThreshold, b.threshold)
	assert.Equal(t, DefaultCooldown, b.cooldown)
	assert.Equal(t, 8*DefaultCooldown, b.maxCooldown)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.s.String())
	}
}
