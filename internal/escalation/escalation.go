// Package escalation implements the emergency escalation protocol: a
// cancellable countdown that ends in a country-appropriate emergency call,
// with alert feedback and a user override until the call is placed.
package escalation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rewired-gh/crashguard/internal/clock"
	"github.com/rewired-gh/crashguard/internal/logger"
	"github.com/rewired-gh/crashguard/internal/models"
)

// ErrNoAudio is reported when every configured alert sound failed to load.
var ErrNoAudio = errors.New("all alert sound sources failed")

type (
	// Locator returns a best-effort current position.
	Locator interface {
		Locate(ctx context.Context) (models.Location, error)
	}

	// Geocoder maps a position to a country and a human-readable place.
	Geocoder interface {
		Reverse(ctx context.Context, loc models.Location) (models.Place, error)
	}

	// Dialer places calls on the device.
	Dialer interface {
		// DirectCall dials without user interaction.
		DirectCall(ctx context.Context, number string) error
		// OpenDialer opens the dial screen with number pre-filled.
		OpenDialer(ctx context.Context, number string) error
	}

	// AudioSource is one candidate alert sound.
	AudioSource struct {
		Name string
		URI  string
	}

	// Sound is a loaded, looping alert sound.
	Sound interface {
		Stop() error
	}

	// AudioPlayer loads a source and starts it looping at full volume.
	AudioPlayer interface {
		Play(ctx context.Context, src AudioSource) (Sound, error)
	}

	// Vibrator drives the device's vibration motor.
	Vibrator interface {
		Vibrate(pattern []time.Duration, repeat bool) error
		Cancel() error
	}

	// Prompter surfaces call information to the user or a bystander.
	Prompter interface {
		// CallActive is shown once a call has been started.
		CallActive(brief CallBrief)
		// ManualDial is shown when every dialing path failed.
		ManualDial(brief CallBrief)
	}
)

// CallBrief carries what an operator needs to hear.
type CallBrief struct {
	CrashID       string
	Number        string
	LocationLabel string
	Location      *models.Location
	Severity      models.Severity
	ImpactG       float64
}

// Prompters fans prompts out to several Prompter implementations.
type Prompters []Prompter

func (ps Prompters) CallActive(brief CallBrief) {
	for _, p := range ps {
		p.CallActive(brief)
	}
}

func (ps Prompters) ManualDial(brief CallBrief) {
	for _, p := range ps {
		p.ManualDial(brief)
	}
}

// Dependencies are the device collaborators a session drives. Any of them
// may be nil; the session then degrades as if that collaborator failed.
type Dependencies struct {
	Locator  Locator
	Geocoder Geocoder
	Dialer   Dialer
	Audio    AudioPlayer
	Vibrator Vibrator
	Prompter Prompter
}

type Config struct {
	Countdown        time.Duration
	Tick             time.Duration
	AudioSources     []AudioSource
	VibrationPattern []time.Duration
	AlwaysVibrate    bool
	LocateTimeout    time.Duration
	DialTimeout      time.Duration
	Numbers          map[string]string
}

func DefaultConfig() Config {
	return Config{
		Countdown: 40 * time.Second,
		Tick:      time.Second,
		AudioSources: []AudioSource{
			{Name: "Alarm Clock", URI: "https://actions.google.com/sounds/v1/alarms/alarm_clock.ogg"},
			{Name: "Bugle", URI: "https://actions.google.com/sounds/v1/alarms/bugle_tune.ogg"},
			{Name: "Beep", URI: "https://actions.google.com/sounds/v1/alarms/beep_short.ogg"},
			{Name: "Bell", URI: "https://www.soundjay.com/misc/sounds/bell-ringing-05.mp3"},
		},
		VibrationPattern: []time.Duration{1000 * time.Millisecond, 300 * time.Millisecond},
		AlwaysVibrate:    true,
		LocateTimeout:    15 * time.Second,
		DialTimeout:      10 * time.Second,
	}
}

// Hooks observe a session. All hooks are called without the session lock held.
type Hooks struct {
	// OnUpdate fires on every countdown tick and resolution change.
	OnUpdate func(Snapshot)
	// OnOutcome fires once, when the session is dismissed or the call placed.
	OnOutcome func(models.EscalationRecord)
	// OnClose fires once, after alert resources have been released.
	OnClose func(Snapshot)
}

// Manager owns at most one live escalation session.
type Manager struct {
	mu        sync.Mutex
	config    Config
	clock     clock.Clock
	deps      Dependencies
	directory *Directory
	hooks     Hooks
	active    *Session
}

func NewManager(config Config, clk clock.Clock, deps Dependencies, hooks Hooks) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if config.Tick <= 0 {
		config.Tick = time.Second
	}
	return &Manager{
		config:    config,
		clock:     clk,
		deps:      deps,
		directory: NewDirectory(config.Numbers),
		hooks:     hooks,
	}
}

// Begin arms a new session for event. While another session is live the
// crash is ignored and the live session is returned with false.
func (m *Manager) Begin(event models.CrashEvent) (*Session, bool) {
	m.mu.Lock()
	if m.active != nil {
		live := m.active
		m.mu.Unlock()
		logger.Warn("Crash %s ignored: escalation for %s still active", event.ID, live.event.ID)
		return live, false
	}

	s := newSession(m, event)
	m.active = s
	m.mu.Unlock()

	s.start()
	return s, true
}

// Active returns the live session, if any.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Dismiss is the "I'm OK" action for the live session.
func (m *Manager) Dismiss() bool {
	if s := m.Active(); s != nil {
		return s.Dismiss()
	}
	return false
}

// CallNow is the manual "call now" action for the live session.
func (m *Manager) CallNow() bool {
	if s := m.Active(); s != nil {
		return s.CallNow()
	}
	return false
}

// Directory returns the emergency number table in use.
func (m *Manager) Directory() *Directory {
	return m.directory
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == s {
		m.active = nil
	}
}
