package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/crashguard/internal/clock"
	"github.com/rewired-gh/crashguard/internal/models"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	engine  *Engine
	clock   *clock.Fake
	crashes []models.CrashEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: clock.NewFake(epoch)}
	h.engine = New(DefaultConfig(), h.clock)
	require.True(t, h.engine.Start(func(c models.CrashEvent) {
		h.crashes = append(h.crashes, c)
	}))
	return h
}

func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

// acc feeds a vertical acceleration of g at ms.
func (h *harness) acc(g float64, ms int) {
	h.engine.ProcessAcceleration(models.Vector{Z: g}, at(ms))
}

// rot feeds a rotation whose magnitude is deg °/s at ms.
func (h *harness) rot(deg float64, ms int) {
	h.engine.ProcessRotation(models.Vector{X: deg / models.RadToDeg}, at(ms))
}

func TestSingleAbnormalSampleDoesNotFire(t *testing.T) {
	h := newHarness(t)

	h.acc(40, 0)
	for ms := 100; ms <= 5000; ms += 100 {
		h.acc(1.0, ms)
		h.rot(0, ms+50)
	}

	assert.Empty(t, h.crashes)
	assert.Equal(t, Idle, h.engine.State())
}

func TestSimultaneousSpikesWithoutDebounceDoNotFire(t *testing.T) {
	h := newHarness(t)

	h.acc(30, 0)
	h.rot(900, 0)
	for ms := 100; ms <= 3000; ms += 100 {
		h.acc(1.0, ms)
		h.rot(0, ms)
	}

	assert.Empty(t, h.crashes)
}

func TestSustainedCorrelatedDisturbanceFiresOnce(t *testing.T) {
	h := newHarness(t)

	for ms := 0; ms < 10000; ms += 100 {
		h.acc(3.0, ms)
		h.rot(250, ms+50)
	}

	require.Len(t, h.crashes, 1)
	crash := h.crashes[0]
	assert.Equal(t, at(500), crash.Timestamp)
	assert.InDelta(t, 3.0, crash.Acceleration.Magnitude, 1e-9)
	assert.InDelta(t, 250, crash.Rotation.Magnitude, 1e-6)
	assert.Equal(t, models.SeverityMinor, crash.Severity)
	assert.NotEmpty(t, crash.ID)
	assert.Equal(t, Confirmed, h.engine.State())

	// Return through normal readings on both streams, then re-trigger.
	h.acc(1.0, 10000)
	h.rot(0, 10050)
	assert.Equal(t, Idle, h.engine.State())

	for ms := 10100; ms <= 10700; ms += 100 {
		h.acc(3.0, ms)
		h.rot(250, ms+50)
	}
	assert.Len(t, h.crashes, 2)
}

func TestLatchHoldsUntilBothStreamsNormal(t *testing.T) {
	h := newHarness(t)

	for ms := 0; ms <= 600; ms += 100 {
		h.acc(3.0, ms)
		h.rot(250, ms)
	}
	require.Len(t, h.crashes, 1)

	// Only the acceleration stream settles; rotation keeps spinning.
	for ms := 700; ms <= 2000; ms += 100 {
		h.acc(1.0, ms)
		h.rot(250, ms)
	}
	h.acc(3.0, 2100)
	h.acc(3.0, 2700)
	assert.Len(t, h.crashes, 1)
	assert.Equal(t, Confirmed, h.engine.State())
}

func TestCorrelationWindowIsInclusive(t *testing.T) {
	t.Run("2000ms apart correlates", func(t *testing.T) {
		h := newHarness(t)
		h.acc(3.0, 0)
		h.rot(250, 2000)
		require.Len(t, h.crashes, 1)
		assert.InDelta(t, 250, h.crashes[0].Rotation.Magnitude, 1e-6)
		assert.Zero(t, h.crashes[0].Acceleration.Vector, "non-triggering stream is zero-filled")
		assert.NotZero(t, h.crashes[0].Rotation.Vector)
	})

	t.Run("2001ms apart does not", func(t *testing.T) {
		h := newHarness(t)
		h.acc(3.0, 0)
		h.rot(250, 2001)
		assert.Empty(t, h.crashes)
	})
}

func TestExpiredEpisodeClearsAbnormalEvents(t *testing.T) {
	h := newHarness(t)

	h.acc(3.0, 0)
	h.acc(3.0, 1900)
	// Normal reading after the window closes the episode.
	h.acc(1.0, 2100)
	assert.Equal(t, Idle, h.engine.State())

	// Rotation alone, sustained past debounce, must not pair with the
	// acceleration event recorded at 1900ms.
	for ms := 2200; ms <= 2800; ms += 100 {
		h.rot(250, ms)
	}
	assert.Empty(t, h.crashes)
	assert.Equal(t, AbnormalPending, h.engine.State())
}

func TestOscillatingStreamKeepsEpisode(t *testing.T) {
	h := newHarness(t)

	// Gaps shorter than the window keep the same episode open.
	h.acc(3.0, 0)
	h.acc(1.0, 100)
	h.acc(3.0, 200)
	h.acc(1.0, 300)
	h.rot(250, 350)
	assert.Empty(t, h.crashes)

	h.acc(3.0, 600)
	require.Len(t, h.crashes, 1)
	assert.InDelta(t, 3.0, h.crashes[0].Acceleration.Z, 1e-9)
}

func TestBaselineAdaptation(t *testing.T) {
	h := newHarness(t)

	// At the default 1.0g baseline, 2.4g is below both rules.
	assert.False(t, h.engine.IsAbnormal(models.Acceleration, 2.4))

	for ms := 0; ms <= 6000; ms += 100 {
		h.acc(0.9, ms)
	}
	acc, _ := h.engine.Baseline()
	assert.InDelta(t, 0.9, acc, 1e-9)
	assert.True(t, h.engine.IsAbnormal(models.Acceleration, 2.4), "2.4g exceeds 2.5x a 0.9g baseline")
}

func TestBaselineHeldBetweenRecomputations(t *testing.T) {
	h := newHarness(t)

	for ms := 0; ms < 5000; ms += 100 {
		h.acc(0.5, ms)
	}
	acc, _ := h.engine.Baseline()
	assert.Equal(t, 1.0, acc, "baseline must not move before the interval elapses")

	// This sample triggers the recomputation but is judged against 1.0g.
	h.acc(1.5, 5000)
	assert.Equal(t, Idle, h.engine.State())
	acc, _ = h.engine.Baseline()
	assert.InDelta(t, (49*0.5+1.5)/50, acc, 1e-9)

	// The next one is judged against the new baseline.
	h.acc(1.5, 5100)
	assert.Equal(t, AbnormalPending, h.engine.State())
}

func TestRotationZeroBaselineFlagsAnyMotion(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.engine.IsAbnormal(models.Rotation, 0.5))
	assert.False(t, h.engine.IsAbnormal(models.Rotation, 0))
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)

	assert.False(t, h.engine.Start(nil), "second start is a no-op")
	assert.True(t, h.engine.Active())

	for ms := 0; ms <= 5000; ms += 100 {
		h.acc(0.4, ms)
	}
	acc, _ := h.engine.Baseline()
	require.InDelta(t, 0.4, acc, 1e-9)
	h.acc(3.0, 5100)
	require.Equal(t, AbnormalPending, h.engine.State())

	h.engine.Stop()
	assert.False(t, h.engine.Active())
	acc, rot := h.engine.Baseline()
	assert.Equal(t, 1.0, acc)
	assert.Equal(t, 0.0, rot)
	assert.Equal(t, Idle, h.engine.State())

	// Samples are ignored while stopped.
	for ms := 5200; ms <= 6000; ms += 100 {
		h.acc(3.0, ms)
		h.rot(250, ms)
	}
	assert.Empty(t, h.crashes)

	require.True(t, h.engine.Start(func(c models.CrashEvent) { h.crashes = append(h.crashes, c) }))
	assert.Equal(t, Idle, h.engine.State())
}

func TestZeroTimestampUsesClock(t *testing.T) {
	h := newHarness(t)

	h.engine.ProcessAcceleration(models.Vector{Z: 3}, time.Time{})
	h.clock.Advance(300 * time.Millisecond)
	h.engine.ProcessRotation(models.Vector{X: 250 / models.RadToDeg}, time.Time{})
	h.clock.Advance(300 * time.Millisecond)
	h.engine.ProcessAcceleration(models.Vector{Z: 3}, time.Time{})

	require.Len(t, h.crashes, 1)
	assert.Equal(t, epoch.Add(600*time.Millisecond), h.crashes[0].Timestamp)

	last, count := h.engine.LastCrash()
	require.NotNil(t, last)
	assert.Equal(t, 1, count)
	assert.Equal(t, h.crashes[0].ID, last.ID)
}
