package countdown

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/visibility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	clocktesting "k8s.io/utils/clock/testing"
)

const waitFor = time.Second

var epoch = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	cases := []struct {
		remaining time.Duration
		want      Urgency
	}{
		{0, UrgencyUrgent},
		{time.Minute, UrgencyUrgent},
		{5 * time.Minute, UrgencyUrgent},
		{5*time.Minute + time.Second, UrgencyWarning},
		{10 * time.Minute, UrgencyWarning},
		{10*time.Minute + time.Second, UrgencyNormal},
		{2 * time.Hour, UrgencyNormal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.remaining), "remaining %s", tc.remaining)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "00:00:00", Format(0))
	assert.Equal(t, "00:00:00", Format(-time.Second))
	assert.Equal(t, "00:00:59", Format(59*time.Second+900*time.Millisecond))
	assert.Equal(t, "00:01:00", Format(time.Minute))
	assert.Equal(t, "02:30:00", Format(150*time.Minute))
	assert.Equal(t, "26:00:05", Format(26*time.Hour+5*time.Second))
}

func TestTimer_LastMinuteAndSingleExpiry(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := clocktesting.NewFakeClock(epoch)
	var expired atomic.Int32
	timer := New(clk, nil, time.Second, func() { expired.Add(1) }, zerolog.Nop())
	defer timer.Stop()

	timer.Start(epoch.Add(-149*time.Minute), 150)

	assert.Equal(t, time.Minute, timer.Remaining())
	assert.Equal(t, UrgencyUrgent, timer.Urgency())
	assert.Equal(t, StateRunning, timer.State())

	clk.Step(time.Second)
	require.Eventually(t, func() bool { return timer.Remaining() == 59*time.Second }, waitFor, time.Millisecond)

	clk.Step(59 * time.Second)
	require.Eventually(t, func() bool { return expired.Load() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, StateExpired, timer.State())
	assert.Zero(t, timer.Remaining())

	for range 3 {
		clk.Step(time.Second)
	}
	timer.Recompute()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), expired.Load())
	require.Eventually(t, func() bool { return !clk.HasWaiters() }, waitFor, time.Millisecond)
}

func TestTimer_PastDeadlineExpiresOnStart(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	var expired atomic.Int32
	timer := New(clk, nil, time.Second, func() { expired.Add(1) }, zerolog.Nop())
	defer timer.Stop()

	timer.Start(epoch.Add(-3*time.Hour), 150)

	assert.Equal(t, StateExpired, timer.State())
	require.Eventually(t, func() bool { return expired.Load() == 1 }, waitFor, time.Millisecond)
}

func TestTimer_VisibilityForcesRecompute(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	vis := visibility.NewBroadcaster()
	timer := New(clk, vis, time.Hour, nil, zerolog.Nop())
	defer timer.Stop()

	timer.Start(epoch, 60)
	assert.Equal(t, time.Hour, timer.Remaining())

	// A throttled process sees no tick for 25 minutes.
	clk.SetTime(epoch.Add(25 * time.Minute))
	assert.Equal(t, time.Hour, timer.Remaining())

	vis.Notify()
	assert.Equal(t, 35*time.Minute, timer.Remaining())
}

func TestTimer_VisibilityAfterDeadlineExpires(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	vis := visibility.NewBroadcaster()
	var expired atomic.Int32
	timer := New(clk, vis, time.Hour, func() { expired.Add(1) }, zerolog.Nop())
	defer timer.Stop()

	timer.Start(epoch, 30)
	clk.SetTime(epoch.Add(45 * time.Minute))
	vis.Notify()
	vis.Notify()

	assert.Equal(t, StateExpired, timer.State())
	require.Eventually(t, func() bool { return expired.Load() == 1 }, waitFor, time.Millisecond)
	assert.Zero(t, vis.Subscribers())
}

func TestTimer_RestartResetsDeadline(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	var expired atomic.Int32
	timer := New(clk, nil, time.Second, func() { expired.Add(1) }, zerolog.Nop())
	defer timer.Stop()

	timer.Start(epoch, 1)
	timer.Start(epoch, 90)

	clk.Step(2 * time.Minute)
	require.Eventually(t, func() bool { return timer.Remaining() == 88*time.Minute }, waitFor, time.Millisecond)
	assert.Zero(t, expired.Load())
	assert.Equal(t, epoch.Add(90*time.Minute), timer.Deadline())
}

func TestTimer_StopReleasesTickerAndSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := clocktesting.NewFakeClock(epoch)
	vis := visibility.NewBroadcaster()
	var expired atomic.Int32
	timer := New(clk, vis, time.Second, func() { expired.Add(1) }, zerolog.Nop())

	timer.Start(epoch, 1)
	require.Equal(t, 1, vis.Subscribers())

	timer.Stop()

	assert.Equal(t, StateStopped, timer.State())
	assert.Zero(t, vis.Subscribers())
	assert.False(t, clk.HasWaiters())

	clk.Step(time.Hour)
	vis.Notify()
	assert.Zero(t, expired.Load())
}

func TestTimer_OnTickReportsUrgency(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	timer := New(clk, nil, time.Second, nil, zerolog.Nop())
	defer timer.Stop()

	ticks := make(chan Tick, 16)
	unsub := timer.OnTick(func(tk Tick) { ticks <- tk })
	defer unsub()

	timer.Start(epoch.Add(-50*time.Minute), 60)

	first := <-ticks
	assert.Equal(t, 10*time.Minute, first.Remaining)
	assert.Equal(t, UrgencyWarning, first.Urgency)

	clk.Step(5*time.Minute + time.Second)
	next := <-ticks
	assert.Equal(t, UrgencyUrgent, next.Urgency)
	assert.Equal(t, StateRunning, next.State)
}
