// Package monitor implements the crash detection engine: per-stream rolling
// baselines, abnormality thresholds, and the cross-stream correlator that
// turns acceleration and rotation samples into at most one CrashEvent per
// disturbance.
package monitor

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/crashguard/internal/clock"
	"github.com/rewired-gh/crashguard/internal/logger"
	"github.com/rewired-gh/crashguard/internal/models"
)

type Config struct {
	AccThreshold     float64
	RotThreshold     float64
	AccMultiplier    float64
	RotMultiplier    float64
	CrashWindow      time.Duration
	Debounce         time.Duration
	BaselineInterval time.Duration
	BaselineWindow   int
	InitialAcc       float64
	InitialRot       float64
}

func DefaultConfig() Config {
	return Config{
		AccThreshold:     AccThreshold,
		RotThreshold:     RotThreshold,
		AccMultiplier:    2.5,
		RotMultiplier:    3.0,
		CrashWindow:      2000 * time.Millisecond,
		Debounce:         500 * time.Millisecond,
		BaselineInterval: 5000 * time.Millisecond,
		BaselineWindow:   50,
		InitialAcc:       1.0,
		InitialRot:       0.0,
	}
}

// State is the correlator state.
type State int

const (
	Idle State = iota
	AbnormalPending
	Confirmed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AbnormalPending:
		return "abnormal_pending"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// CrashHandler receives detected crashes. It is called outside the engine's
// lock but on the goroutine that delivered the sample, so it must not block.
type CrashHandler func(models.CrashEvent)

type abnormalEvent struct {
	at        time.Time
	magnitude float64
}

// Engine is the crash detection engine. Construct one per monitored device
// with New; it is safe for concurrent use by the two stream producers.
type Engine struct {
	mu     sync.Mutex
	config Config
	clock  clock.Clock

	active  bool
	onCrash CrashHandler

	baselines [2]*Baseline

	// At most one live abnormal event per stream; last write wins.
	abnormal     [2]*abnormalEvent
	episodeOpen  bool
	episodeStart time.Time

	// After a confirmation every stream must report a normal sample before
	// the correlator may open a new episode.
	confirmed  bool
	normalSeen [2]bool

	crashCount int
	lastCrash  *models.CrashEvent
}

func New(config Config, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	now := clk.Now()
	return &Engine{
		config: config,
		clock:  clk,
		baselines: [2]*Baseline{
			models.Acceleration: NewBaseline(config.BaselineWindow, config.InitialAcc, config.BaselineInterval, now),
			models.Rotation:     NewBaseline(config.BaselineWindow, config.InitialRot, config.BaselineInterval, now),
		},
	}
}

// Start begins monitoring and registers the crash handler. Starting an
// already active engine is a no-op and returns false.
func (e *Engine) Start(onCrash CrashHandler) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		logger.Debug("Crash detection already running")
		return false
	}
	e.resetLocked()
	e.active = true
	e.onCrash = onCrash
	logger.Info("Starting crash detection (acc>%.1fg or >%.1fx baseline, rot>%.0f°/s or >%.1fx baseline, window=%v, debounce=%v)",
		e.config.AccThreshold, e.config.AccMultiplier, e.config.RotThreshold, e.config.RotMultiplier,
		e.config.CrashWindow, e.config.Debounce)
	return true
}

// Stop detaches the handler and resets all transient state so that a later
// Start begins from defaults.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return
	}
	e.active = false
	e.onCrash = nil
	e.resetLocked()
	logger.Info("Stopped crash detection")
}

// Active reports whether monitoring is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Baseline returns the active acceleration (g) and rotation (°/s) baselines.
func (e *Engine) Baseline() (acc, rot float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baselines[models.Acceleration].Value(), e.baselines[models.Rotation].Value()
}

// State returns the correlator state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.confirmed:
		return Confirmed
	case e.episodeOpen:
		return AbnormalPending
	default:
		return Idle
	}
}

// LastCrash returns the most recent crash and the number detected since the
// engine was created.
func (e *Engine) LastCrash() (*models.CrashEvent, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastCrash == nil {
		return nil, e.crashCount
	}
	c := *e.lastCrash
	return &c, e.crashCount
}

// IsAbnormal classifies a magnitude (g for acceleration, °/s for rotation)
// against the absolute threshold and the stream's active baseline.
func (e *Engine) IsAbnormal(stream models.Stream, magnitude float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isAbnormal(stream, magnitude)
}

// ProcessAcceleration ingests one accelerometer sample in g. A zero at means
// the sample arrived now.
func (e *Engine) ProcessAcceleration(v models.Vector, at time.Time) {
	e.process(models.Acceleration, v, at)
}

// ProcessRotation ingests one gyroscope sample in rad/s. A zero at means the
// sample arrived now.
func (e *Engine) ProcessRotation(v models.Vector, at time.Time) {
	e.process(models.Rotation, v.Scale(models.RadToDeg), at)
}

func (e *Engine) process(stream models.Stream, v models.Vector, at time.Time) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	if at.IsZero() {
		at = e.clock.Now()
	}

	magnitude := v.Magnitude()
	abnormal := e.isAbnormal(stream, magnitude)

	b := e.baselines[stream]
	if b.Observe(magnitude, at) {
		logger.Debug("Baseline updated: %s=%.2f (%d readings)", stream, b.Value(), b.Len())
	}

	var crash *models.CrashEvent
	if abnormal {
		crash = e.onAbnormal(stream, v, magnitude, at)
	} else {
		e.onNormal(stream, at)
	}
	handler := e.onCrash
	e.mu.Unlock()

	if crash != nil && handler != nil {
		handler(*crash)
	}
}

func (e *Engine) isAbnormal(stream models.Stream, magnitude float64) bool {
	threshold, multiplier := e.config.AccThreshold, e.config.AccMultiplier
	if stream == models.Rotation {
		threshold, multiplier = e.config.RotThreshold, e.config.RotMultiplier
	}
	return magnitude > threshold || magnitude > e.baselines[stream].Value()*multiplier
}

func (e *Engine) onAbnormal(stream models.Stream, v models.Vector, magnitude float64, at time.Time) *models.CrashEvent {
	if e.confirmed {
		e.normalSeen[stream] = false
		return nil
	}

	e.abnormal[stream] = &abnormalEvent{at: at, magnitude: magnitude}
	if !e.episodeOpen {
		e.episodeOpen = true
		e.episodeStart = at
		logger.Debug("Abnormal %s %.2f, episode opened", stream, magnitude)
	}

	if at.Sub(e.episodeStart) < e.config.Debounce {
		return nil
	}
	return e.correlate(stream, v, at)
}

func (e *Engine) onNormal(stream models.Stream, at time.Time) {
	if e.confirmed {
		e.normalSeen[stream] = true
		if e.normalSeen[models.Acceleration] && e.normalSeen[models.Rotation] {
			e.confirmed = false
			e.normalSeen = [2]bool{}
			logger.Debug("Disturbance ended, correlator idle")
		}
		return
	}

	if e.episodeOpen && at.Sub(e.episodeStart) > e.config.CrashWindow {
		e.clearEpisode()
		logger.Debug("Abnormal episode expired without correlation")
	}
}

func (e *Engine) correlate(stream models.Stream, v models.Vector, at time.Time) *models.CrashEvent {
	acc, rot := e.abnormal[models.Acceleration], e.abnormal[models.Rotation]
	if acc == nil || rot == nil {
		return nil
	}
	if math.Abs(float64(acc.at.Sub(rot.at))) > float64(e.config.CrashWindow) {
		return nil
	}

	event := models.CrashEvent{
		ID:           uuid.New().String(),
		Timestamp:    at,
		Acceleration: models.Reading{Magnitude: acc.magnitude},
		Rotation:     models.Reading{Magnitude: rot.magnitude},
		Severity:     classify(acc.magnitude, rot.magnitude, e.config.AccThreshold, e.config.RotThreshold),
	}
	if stream == models.Acceleration {
		event.Acceleration.Vector = v
	} else {
		event.Rotation.Vector = v
	}

	logger.Warn("Crash detected: severity=%s acc=%.2fg rot=%.1f°/s score=%.2f",
		event.Severity, acc.magnitude, rot.magnitude,
		score(acc.magnitude, rot.magnitude, e.config.AccThreshold, e.config.RotThreshold))

	e.clearEpisode()
	e.confirmed = true
	e.normalSeen = [2]bool{}
	e.crashCount++
	e.lastCrash = &event
	return &event
}

func (e *Engine) clearEpisode() {
	e.abnormal = [2]*abnormalEvent{}
	e.episodeOpen = false
	e.episodeStart = time.Time{}
}

func (e *Engine) resetLocked() {
	now := e.clock.Now()
	for _, b := range e.baselines {
		b.Reset(now)
	}
	e.clearEpisode()
	e.confirmed = false
	e.normalSeen = [2]bool{}
}
