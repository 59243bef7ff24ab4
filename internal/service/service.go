// Package service wires crash detection to escalation, persistence and
// notification.
package service

import (
	"sync"
	"time"

	"github.com/rewired-gh/crashguard/internal/clock"
	"github.com/rewired-gh/crashguard/internal/escalation"
	"github.com/rewired-gh/crashguard/internal/logger"
	"github.com/rewired-gh/crashguard/internal/models"
	"github.com/rewired-gh/crashguard/internal/monitor"
)

// Store persists crashes and escalation outcomes.
type Store interface {
	AddCrash(event *models.CrashEvent) error
	RecordEscalation(rec models.EscalationRecord) error
}

// Publisher reports crashes and session state to the host.
type Publisher interface {
	PublishCrash(event models.CrashEvent) error
	PublishSnapshot(snap escalation.Snapshot) error
}

// Notifier alerts an emergency contact.
type Notifier interface {
	SendCrash(event models.CrashEvent) error
	SendOutcome(rec models.EscalationRecord) error
}

// FixSource supplies the last known position, if fresh.
type FixSource interface {
	Current() (*models.Location, bool)
}

// Components are the optional collaborators of a Service. Nil members are
// skipped.
type Components struct {
	Store     Store
	Publisher Publisher
	Notifier  Notifier
	Fixes     FixSource
	Device    escalation.Dependencies
}

// Status is a point-in-time summary of the service.
type Status struct {
	Monitoring  bool
	State       monitor.State
	AccBaseline float64
	RotBaseline float64
	LastCrash   *models.CrashEvent
	CrashCount  int
	Escalation  *escalation.Snapshot
}

// Service routes detected crashes into an escalation session and records
// everything that happens along the way.
type Service struct {
	engine  *monitor.Engine
	manager *escalation.Manager
	c       Components

	mu        sync.Mutex
	lastCrash *models.CrashEvent

	wg sync.WaitGroup
}

// New builds the detection engine and escalation manager around c.
func New(detection monitor.Config, esc escalation.Config, clk clock.Clock, c Components) *Service {
	s := &Service{
		engine: monitor.New(detection, clk),
		c:      c,
	}
	s.manager = escalation.NewManager(esc, clk, c.Device, escalation.Hooks{
		OnUpdate:  s.publishSnapshot,
		OnOutcome: s.onOutcome,
		OnClose:   s.publishSnapshot,
	})
	return s
}

// Engine exposes the detection engine.
func (s *Service) Engine() *monitor.Engine {
	return s.engine
}

// Manager exposes the escalation manager.
func (s *Service) Manager() *escalation.Manager {
	return s.manager
}

// StartMonitoring begins crash detection.
func (s *Service) StartMonitoring() bool {
	if !s.engine.Start(s.onCrash) {
		logger.Debug("Monitoring already active")
		return false
	}
	logger.Info("Crash monitoring started")
	return true
}

// StopMonitoring halts crash detection. A live escalation keeps running.
func (s *Service) StopMonitoring() {
	if !s.engine.Active() {
		return
	}
	s.engine.Stop()
	logger.Info("Crash monitoring stopped")
}

// SetMonitoring starts or stops detection.
func (s *Service) SetMonitoring(on bool) {
	if on {
		s.StartMonitoring()
		return
	}
	s.StopMonitoring()
}

// Acceleration feeds one accelerometer sample (g).
func (s *Service) Acceleration(v models.Vector, at time.Time) {
	s.engine.ProcessAcceleration(v, at)
}

// Rotation feeds one gyroscope sample (rad/s).
func (s *Service) Rotation(v models.Vector, at time.Time) {
	s.engine.ProcessRotation(v, at)
}

// Dismiss is the user's "I'm OK".
func (s *Service) Dismiss() {
	if !s.manager.Dismiss() {
		logger.Debug("Dismiss ignored: no active escalation")
	}
}

// CallNow skips the countdown.
func (s *Service) CallNow() {
	if !s.manager.CallNow() {
		logger.Debug("Call request ignored: no armed escalation")
	}
}

// Status summarises monitoring and escalation state.
func (s *Service) Status() Status {
	acc, rot := s.engine.Baseline()
	_, count := s.engine.LastCrash()
	st := Status{
		Monitoring:  s.engine.Active(),
		State:       s.engine.State(),
		AccBaseline: acc,
		RotBaseline: rot,
		CrashCount:  count,
	}
	s.mu.Lock()
	if s.lastCrash != nil {
		c := *s.lastCrash
		st.LastCrash = &c
	}
	s.mu.Unlock()
	if session := s.manager.Active(); session != nil {
		snap := session.Snapshot()
		st.Escalation = &snap
	}
	return st
}

// Wait blocks until background notifications have been sent.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown stops detection, closes any live alert and waits for pending
// notifications.
func (s *Service) Shutdown() {
	s.StopMonitoring()
	if session := s.manager.Active(); session != nil {
		session.Dismiss()
		session.Wait()
	}
	s.Wait()
}

func (s *Service) onCrash(event models.CrashEvent) {
	if s.c.Fixes != nil {
		if loc, ok := s.c.Fixes.Current(); ok {
			event = event.WithLocation(*loc)
		}
	}

	s.mu.Lock()
	s.lastCrash = &event
	s.mu.Unlock()

	if s.c.Store != nil {
		if err := s.c.Store.AddCrash(&event); err != nil {
			logger.Error("Failed to store crash %s: %v", event.ID, err)
		}
	}
	if s.c.Publisher != nil {
		if err := s.c.Publisher.PublishCrash(event); err != nil {
			logger.Warn("Failed to publish crash %s: %v", event.ID, err)
		}
	}
	s.notify("crash", func(n Notifier) error { return n.SendCrash(event) })

	s.manager.Begin(event)
}

func (s *Service) onOutcome(rec models.EscalationRecord) {
	logger.Info("Escalation for crash %s ended: outcome=%s number=%s method=%s",
		rec.CrashID, rec.Outcome, rec.Number, rec.Method)
	if s.c.Store != nil {
		if err := s.c.Store.RecordEscalation(rec); err != nil {
			logger.Error("Failed to record escalation for %s: %v", rec.CrashID, err)
		}
	}
	s.notify("outcome", func(n Notifier) error { return n.SendOutcome(rec) })
}

func (s *Service) publishSnapshot(snap escalation.Snapshot) {
	if s.c.Publisher == nil {
		return
	}
	if err := s.c.Publisher.PublishSnapshot(snap); err != nil {
		logger.Warn("Failed to publish escalation state: %v", err)
	}
}

// notify sends in the background.
func (s *Service) notify(what string, send func(Notifier) error) {
	if s.c.Notifier == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := send(s.c.Notifier); err != nil {
			logger.Warn("Failed to send %s notification: %v", what, err)
		}
	}()
}
