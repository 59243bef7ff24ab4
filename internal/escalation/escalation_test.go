package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/crashguard/internal/clock"
	"github.com/rewired-gh/crashguard/internal/models"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeDevice struct {
	mu sync.Mutex

	locateErr  error
	place      models.Place
	geocodeErr error

	directErr error
	screenErr error
	direct    []string
	screen    []string

	failSources map[string]bool
	played      []string
	stopped     int

	vibrating  bool
	vibrations int
	cancels    int

	active []CallBrief
	manual []CallBrief
}

func (d *fakeDevice) Locate(ctx context.Context) (models.Location, error) {
	if d.locateErr != nil {
		return models.Location{}, d.locateErr
	}
	return models.Location{Latitude: 40.71, Longitude: -74.0}, nil
}

func (d *fakeDevice) Reverse(ctx context.Context, loc models.Location) (models.Place, error) {
	return d.place, d.geocodeErr
}

func (d *fakeDevice) DirectCall(ctx context.Context, number string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.direct = append(d.direct, number)
	return d.directErr
}

func (d *fakeDevice) OpenDialer(ctx context.Context, number string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.screen = append(d.screen, number)
	return d.screenErr
}

type fakeSound struct{ d *fakeDevice }

func (s fakeSound) Stop() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.stopped++
	return nil
}

func (d *fakeDevice) Play(ctx context.Context, src AudioSource) (Sound, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSources[src.Name] {
		return nil, errors.New("404")
	}
	d.played = append(d.played, src.Name)
	return fakeSound{d: d}, nil
}

func (d *fakeDevice) Vibrate(pattern []time.Duration, repeat bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vibrating = true
	d.vibrations++
	return nil
}

func (d *fakeDevice) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vibrating = false
	d.cancels++
	return nil
}

func (d *fakeDevice) CallActive(b CallBrief) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = append(d.active, b)
}

func (d *fakeDevice) ManualDial(b CallBrief) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manual = append(d.manual, b)
}

func (d *fakeDevice) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.direct)
}

type harness struct {
	device   *fakeDevice
	clock    *clock.Fake
	manager  *Manager
	outcomes []models.EscalationRecord
	closes   int
}

func newHarness(t *testing.T, configure func(*Config, *fakeDevice)) *harness {
	t.Helper()
	h := &harness{
		device: &fakeDevice{place: models.Place{CountryCode: "us", City: "New York", Country: "United States"}},
		clock:  clock.NewFake(epoch),
	}
	cfg := DefaultConfig()
	cfg.AlwaysVibrate = false
	if configure != nil {
		configure(&cfg, h.device)
	}
	d := h.device
	h.manager = NewManager(cfg, h.clock, Dependencies{
		Locator: d, Geocoder: d, Dialer: d, Audio: d, Vibrator: d, Prompter: d,
	}, Hooks{
		OnOutcome: func(r models.EscalationRecord) { h.outcomes = append(h.outcomes, r) },
		OnClose:   func(Snapshot) { h.closes++ },
	})
	return h
}

func crash() models.CrashEvent {
	return models.CrashEvent{
		ID:           "crash-1",
		Timestamp:    epoch,
		Acceleration: models.Reading{Magnitude: 4.2},
		Rotation:     models.Reading{Magnitude: 320},
		Severity:     models.SeverityModerate,
	}
}

func (h *harness) begin(t *testing.T) *Session {
	t.Helper()
	s, ok := h.manager.Begin(crash())
	require.True(t, ok)
	s.Wait()
	return s
}

func TestCountdownExpiryPlacesOneCall(t *testing.T) {
	h := newHarness(t, nil)
	s := h.begin(t)

	assert.Equal(t, Armed, s.State())
	assert.Equal(t, 40, s.Remaining())
	assert.Equal(t, "911", s.Number())
	assert.Equal(t, "New York, United States", s.LocationLabel())

	h.clock.Advance(39 * time.Second)
	assert.Equal(t, 1, s.Remaining())
	assert.Zero(t, h.device.calls())

	h.clock.Advance(time.Second)
	assert.Equal(t, Called, s.State())
	assert.Equal(t, []string{"911"}, h.device.direct)
	require.Len(t, h.device.active, 1)
	assert.Equal(t, models.SeverityModerate, h.device.active[0].Severity)
	assert.InDelta(t, 4.2, h.device.active[0].ImpactG, 1e-9)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.device.calls())
	assert.Zero(t, h.clock.Pending())

	require.Len(t, h.outcomes, 1)
	assert.Equal(t, models.OutcomeCalled, h.outcomes[0].Outcome)
	assert.Equal(t, models.CallDirect, h.outcomes[0].Method)
}

func TestDismissBeforeExpiry(t *testing.T) {
	h := newHarness(t, nil)
	s := h.begin(t)
	require.Equal(t, AlertAudio, s.Alert())

	h.clock.Advance(39 * time.Second)
	require.True(t, h.manager.Dismiss())

	assert.Equal(t, Dismissed, s.State())
	assert.Zero(t, h.clock.Pending(), "countdown timer must be cancelled")
	assert.Equal(t, 1, h.device.stopped, "alert sound released")

	h.clock.Advance(10 * time.Second)
	assert.Zero(t, h.device.calls())
	assert.Equal(t, 1, s.Remaining())

	require.Len(t, h.outcomes, 1)
	assert.Equal(t, models.OutcomeDismissed, h.outcomes[0].Outcome)
	assert.Equal(t, 1, h.closes)
	assert.Nil(t, h.manager.Active())
	assert.False(t, s.Dismiss(), "second dismiss is a no-op")
}

func TestManualCallThenExpiryCallsOnce(t *testing.T) {
	h := newHarness(t, nil)
	s := h.begin(t)

	h.clock.Advance(5 * time.Second)
	require.True(t, h.manager.CallNow())
	assert.False(t, s.CallNow())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.device.calls())
	assert.Len(t, h.outcomes, 1)
}

func TestAudioKeepsPlayingAfterCallUntilClosed(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *fakeDevice) { c.AlwaysVibrate = true })
	s := h.begin(t)

	h.clock.Advance(40 * time.Second)
	require.Equal(t, Called, s.State())
	assert.Zero(t, h.device.stopped)
	assert.True(t, h.device.vibrating)
	assert.Same(t, s, h.manager.Active())

	require.True(t, s.Dismiss())
	assert.Equal(t, Called, s.State(), "closing after the call keeps the terminal state")
	assert.Equal(t, 1, h.device.stopped)
	assert.False(t, h.device.vibrating)
	assert.Len(t, h.outcomes, 1, "closing does not record a second outcome")
	assert.Nil(t, h.manager.Active())
}

func TestDialCascade(t *testing.T) {
	t.Run("dial screen fallback", func(t *testing.T) {
		h := newHarness(t, func(_ *Config, d *fakeDevice) { d.directErr = errors.New("CALL_PHONE denied") })
		s := h.begin(t)
		s.CallNow()

		assert.Equal(t, []string{"911"}, h.device.screen)
		assert.Len(t, h.device.active, 1)
		assert.Empty(t, h.device.manual)
		assert.Equal(t, models.CallDialScreen, h.outcomes[0].Method)
	})

	t.Run("manual prompt when everything fails", func(t *testing.T) {
		h := newHarness(t, func(_ *Config, d *fakeDevice) {
			d.directErr = errors.New("no intent handler")
			d.screenErr = errors.New("no telephony")
		})
		s := h.begin(t)
		s.CallNow()

		require.Len(t, h.device.manual, 1)
		brief := h.device.manual[0]
		assert.Equal(t, "911", brief.Number)
		assert.Equal(t, "New York, United States", brief.LocationLabel)
		assert.Equal(t, models.SeverityModerate, brief.Severity)
		assert.Equal(t, models.OutcomeManual, h.outcomes[0].Outcome)
		assert.Equal(t, models.CallManualPrompt, h.outcomes[0].Method)
		assert.Equal(t, Called, s.State())
	})
}

func TestAllAudioSourcesFailFallsBackToVibration(t *testing.T) {
	h := newHarness(t, func(c *Config, d *fakeDevice) {
		d.failSources = map[string]bool{}
		for _, src := range c.AudioSources {
			d.failSources[src.Name] = true
		}
	})
	s := h.begin(t)

	assert.Equal(t, AlertVibration, s.Alert())
	assert.True(t, h.device.vibrating)
	assert.Empty(t, h.device.played)

	s.Dismiss()
	assert.False(t, h.device.vibrating)
	assert.Equal(t, 1, h.device.cancels)
}

func TestAudioTriesNextSource(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *fakeDevice) {
		d.failSources = map[string]bool{"Alarm Clock": true, "Bugle": true}
	})
	s := h.begin(t)

	assert.Equal(t, AlertAudio, s.Alert())
	assert.Equal(t, []string{"Beep"}, h.device.played)
	assert.False(t, h.device.vibrating)
}

func TestLocationFailureFallsBackToDefault(t *testing.T) {
	for name, configure := range map[string]func(*Config, *fakeDevice){
		"locator": func(_ *Config, d *fakeDevice) { d.locateErr = errors.New("permission denied") },
		"geocode": func(_ *Config, d *fakeDevice) { d.geocodeErr = errors.New("offline") },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, configure)
			s := h.begin(t)
			assert.Equal(t, "112", s.Number())
			assert.Equal(t, "Location unavailable", s.LocationLabel())
			assert.Equal(t, Armed, s.State())

			h.clock.Advance(40 * time.Second)
			assert.Equal(t, []string{"112"}, h.device.direct)
		})
	}
}

func TestSecondCrashIgnoredWhileSessionLive(t *testing.T) {
	h := newHarness(t, nil)
	first := h.begin(t)

	other := crash()
	other.ID = "crash-2"
	s, ok := h.manager.Begin(other)
	assert.False(t, ok)
	assert.Same(t, first, s)

	first.Dismiss()
	s, ok = h.manager.Begin(other)
	require.True(t, ok)
	s.Wait()
	assert.Equal(t, "crash-2", s.Event().ID)
}

func TestNoDependenciesStillEscalates(t *testing.T) {
	c := clock.NewFake(epoch)
	m := NewManager(DefaultConfig(), c, Dependencies{}, Hooks{})
	s, ok := m.Begin(crash())
	require.True(t, ok)
	s.Wait()

	assert.Equal(t, AlertPending, s.Alert())
	c.Advance(40 * time.Second)
	assert.Equal(t, Called, s.State())
	assert.Equal(t, models.CallManualPrompt, s.Snapshot().Method)
}

func TestNumberOverrides(t *testing.T) {
	h := newHarness(t, func(c *Config, d *fakeDevice) {
		c.Numbers = map[string]string{"de": "110"}
		d.place = models.Place{CountryCode: "DE", City: "Berlin", Country: "Germany"}
	})
	s := h.begin(t)
	assert.Equal(t, "110", s.Number())
}
