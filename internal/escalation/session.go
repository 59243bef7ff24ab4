package escalation

import (
	"context"
	"fmt"
	"sync"

	"github.com/rewired-gh/crashguard/internal/clock"
	"github.com/rewired-gh/crashguard/internal/logger"
	"github.com/rewired-gh/crashguard/internal/models"
)

// State is the protocol state of a session.
type State int

const (
	Armed State = iota
	Called
	Dismissed
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Called:
		return "called"
	case Dismissed:
		return "dismissed"
	default:
		return "unknown"
	}
}

// AlertMode is the feedback currently keeping the user's attention.
type AlertMode string

const (
	AlertPending   AlertMode = "pending"
	AlertAudio     AlertMode = "audio"
	AlertVibration AlertMode = "vibration"
)

const (
	labelUnknown     = "Unknown"
	labelUnavailable = "Location unavailable"
)

// Snapshot is a point-in-time view of a session for observers.
type Snapshot struct {
	CrashID       string            `json:"crash_id"`
	State         string            `json:"state"`
	Remaining     int               `json:"remaining_seconds"`
	Number        string            `json:"emergency_number"`
	LocationLabel string            `json:"location_label"`
	Called        bool              `json:"call_placed"`
	Method        models.CallMethod `json:"call_method,omitempty"`
	Alert         AlertMode         `json:"alert"`
	Closed        bool              `json:"closed"`
}

// Session is one countdown-to-call escalation for a single crash.
type Session struct {
	mu      sync.Mutex
	manager *Manager
	event   models.CrashEvent
	config  Config
	clock   clock.Clock
	deps    Dependencies
	hooks   Hooks

	state     State
	remaining int
	number    string
	label     string
	called    bool
	method    models.CallMethod

	timer     clock.Timer
	sound     Sound
	vibrating bool
	alert     AlertMode
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(m *Manager, event models.CrashEvent) *Session {
	seconds := int(m.config.Countdown / m.config.Tick)
	return &Session{
		manager:   m,
		event:     event,
		config:    m.config,
		clock:     m.clock,
		deps:      m.deps,
		hooks:     m.hooks,
		state:     Armed,
		remaining: seconds,
		number:    m.directory.Default(),
		label:     labelUnknown,
		alert:     AlertPending,
	}
}

func (s *Session) start() {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancel = cancel
	s.timer = s.clock.AfterFunc(s.config.Tick, s.tick)
	if s.config.AlwaysVibrate {
		s.vibrateLocked()
	}
	s.mu.Unlock()

	logger.Warn("Escalation armed for crash %s (severity=%s): calling %s in %d s unless dismissed",
		s.event.ID, s.event.Severity, s.number, s.remaining)

	s.wg.Add(2)
	go s.resolveLocation(ctx)
	go s.startAudio(ctx)

	s.update()
}

// Wait blocks until background location and audio work has finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) tick() {
	s.mu.Lock()
	if s.state != Armed {
		s.mu.Unlock()
		return
	}
	s.remaining--
	if s.remaining > 0 {
		s.timer = s.clock.AfterFunc(s.config.Tick, s.tick)
		s.mu.Unlock()
		s.update()
		return
	}
	s.remaining = 0
	s.mu.Unlock()

	logger.Warn("Countdown expired for crash %s", s.event.ID)
	s.placeCall()
}

// CallNow places the emergency call immediately. It is a no-op once the call
// has been placed or the session dismissed.
func (s *Session) CallNow() bool {
	logger.Info("Manual emergency call requested for crash %s", s.event.ID)
	return s.placeCall()
}

// Dismiss is the "I'm OK" override. While armed it cancels the countdown and
// ends the session. After the call has been placed it only closes the alert.
func (s *Session) Dismiss() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dismissed := s.state == Armed
	if dismissed {
		s.state = Dismissed
		s.stopTimerLocked()
	}
	s.teardownLocked()
	rec := s.recordLocked(models.OutcomeDismissed)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if dismissed {
		logger.Info("Escalation for crash %s dismissed by user with %d s remaining", s.event.ID, snap.Remaining)
		if s.hooks.OnOutcome != nil {
			s.hooks.OnOutcome(rec)
		}
	} else {
		logger.Info("Escalation alert for crash %s closed", s.event.ID)
	}
	s.manager.release(s)
	if s.hooks.OnClose != nil {
		s.hooks.OnClose(snap)
	}
	return true
}

func (s *Session) placeCall() bool {
	s.mu.Lock()
	if s.called || s.state != Armed {
		s.mu.Unlock()
		return false
	}
	s.called = true
	s.state = Called
	s.stopTimerLocked()
	brief := CallBrief{
		CrashID:       s.event.ID,
		Number:        s.number,
		LocationLabel: s.label,
		Location:      s.event.Location,
		Severity:      s.event.Severity,
		ImpactG:       s.event.Acceleration.Magnitude,
	}
	s.mu.Unlock()

	logger.Warn("Calling emergency services %s for crash %s (location: %s)", brief.Number, brief.CrashID, brief.LocationLabel)
	method := s.dial(brief)

	s.mu.Lock()
	s.method = method
	outcome := models.OutcomeCalled
	if method == models.CallManualPrompt {
		outcome = models.OutcomeManual
	}
	rec := s.recordLocked(outcome)
	s.mu.Unlock()

	if s.hooks.OnOutcome != nil {
		s.hooks.OnOutcome(rec)
	}
	s.update()
	return true
}

// dial runs the direct call → dial screen → manual prompt cascade.
func (s *Session) dial(brief CallBrief) models.CallMethod {
	if d := s.deps.Dialer; d != nil {
		ctx, cancel := s.dialContext()
		err := d.DirectCall(ctx, brief.Number)
		cancel()
		if err == nil {
			logger.Info("Direct call initiated to %s", brief.Number)
			s.prompt(func(p Prompter) { p.CallActive(brief) })
			return models.CallDirect
		}
		logger.Warn("Direct call to %s failed, opening dial screen: %v", brief.Number, err)

		ctx, cancel = s.dialContext()
		err = d.OpenDialer(ctx, brief.Number)
		cancel()
		if err == nil {
			logger.Info("Dial screen opened for %s", brief.Number)
			s.prompt(func(p Prompter) { p.CallActive(brief) })
			return models.CallDialScreen
		}
		logger.Error("Dial screen for %s failed: %v", brief.Number, err)
	} else {
		logger.Error("No dialer available for %s", brief.Number)
	}

	s.prompt(func(p Prompter) { p.ManualDial(brief) })
	return models.CallManualPrompt
}

func (s *Session) dialContext() (context.Context, context.CancelFunc) {
	if s.config.DialTimeout > 0 {
		return context.WithTimeout(context.Background(), s.config.DialTimeout)
	}
	return context.WithCancel(context.Background())
}

func (s *Session) prompt(f func(Prompter)) {
	if s.deps.Prompter != nil {
		f(s.deps.Prompter)
	}
}

func (s *Session) resolveLocation(ctx context.Context) {
	defer s.wg.Done()

	number, label, err := s.lookup(ctx)
	if err != nil {
		logger.Warn("Location unavailable for crash %s, using %s: %v", s.event.ID, number, err)
	} else {
		logger.Info("Emergency number for %s: %s", label, number)
	}

	s.mu.Lock()
	if !s.called {
		s.number = number
	}
	s.label = label
	s.mu.Unlock()
	s.update()
}

func (s *Session) lookup(ctx context.Context) (number, label string, err error) {
	dir := s.manager.directory
	if s.deps.Locator == nil || s.deps.Geocoder == nil {
		return dir.Default(), labelUnavailable, fmt.Errorf("no locator configured")
	}
	if s.config.LocateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.LocateTimeout)
		defer cancel()
	}

	loc, err := s.deps.Locator.Locate(ctx)
	if err != nil {
		return dir.Default(), labelUnavailable, fmt.Errorf("failed to locate: %w", err)
	}
	place, err := s.deps.Geocoder.Reverse(ctx, loc)
	if err != nil {
		return dir.Default(), labelUnavailable, fmt.Errorf("failed to reverse geocode: %w", err)
	}
	return dir.Lookup(place.ISO()), place.Label(), nil
}

func (s *Session) startAudio(ctx context.Context) {
	defer s.wg.Done()

	err := s.loadSound(ctx)
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	logger.Warn("Alert audio unavailable, using vibration only: %v", err)
	s.vibrateLocked()
	if s.vibrating {
		s.alert = AlertVibration
	}
}

func (s *Session) loadSound(ctx context.Context) error {
	if s.deps.Audio == nil || len(s.config.AudioSources) == 0 {
		return ErrNoAudio
	}
	for i, src := range s.config.AudioSources {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("[%d/%d] Loading alert sound %s", i+1, len(s.config.AudioSources), src.Name)
		sound, err := s.deps.Audio.Play(ctx, src)
		if err != nil {
			logger.Warn("Failed to load alert sound %s: %v", src.Name, err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			if err := sound.Stop(); err != nil {
				logger.Warn("Failed to stop late alert sound: %v", err)
			}
			return nil
		}
		s.sound = sound
		s.alert = AlertAudio
		s.mu.Unlock()
		logger.Info("Alert sound %s playing", src.Name)
		return nil
	}
	return ErrNoAudio
}

func (s *Session) vibrateLocked() {
	if s.vibrating || s.deps.Vibrator == nil {
		return
	}
	if err := s.deps.Vibrator.Vibrate(s.config.VibrationPattern, true); err != nil {
		logger.Warn("Failed to start vibration: %v", err)
		return
	}
	s.vibrating = true
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// teardownLocked releases every alert resource. It is idempotent.
func (s *Session) teardownLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimerLocked()
	if s.cancel != nil {
		s.cancel()
	}
	if s.sound != nil {
		if err := s.sound.Stop(); err != nil {
			logger.Warn("Failed to stop alert sound: %v", err)
		}
		s.sound = nil
	}
	if s.vibrating {
		if err := s.deps.Vibrator.Cancel(); err != nil {
			logger.Warn("Failed to cancel vibration: %v", err)
		}
		s.vibrating = false
	}
}

func (s *Session) recordLocked(outcome models.Outcome) models.EscalationRecord {
	return models.EscalationRecord{
		CrashID:       s.event.ID,
		Outcome:       outcome,
		Number:        s.number,
		LocationLabel: s.label,
		Method:        s.method,
		EndedAt:       s.clock.Now(),
	}
}

func (s *Session) update() {
	if s.hooks.OnUpdate == nil {
		return
	}
	s.hooks.OnUpdate(s.Snapshot())
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		CrashID:       s.event.ID,
		State:         s.state.String(),
		Remaining:     s.remaining,
		Number:        s.number,
		LocationLabel: s.label,
		Called:        s.called,
		Method:        s.method,
		Alert:         s.alert,
		Closed:        s.closed,
	}
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Event returns the crash that armed the session.
func (s *Session) Event() models.CrashEvent {
	return s.event
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

func (s *Session) Number() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.number
}

func (s *Session) LocationLabel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

func (s *Session) Alert() AlertMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alert
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
