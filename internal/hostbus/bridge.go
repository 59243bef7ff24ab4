// Package hostbus connects the daemon to the host device over NATS: sensor
// and location input, user controls, and the device actions the escalation
// protocol drives (dialing, alert sound, vibration, prompts).
package hostbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rewired-gh/crashguard/internal/escalation"
	"github.com/rewired-gh/crashguard/internal/logger"
	"github.com/rewired-gh/crashguard/internal/models"
)

// Connect dials the NATS server with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(
		url,
		nats.Name("crashguard"),
		nats.Timeout(3*time.Second),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Host bus disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Host bus reconnected to %s", nc.ConnectedUrl())
		}),
	)
}

// Conn is the subset of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subj string, data []byte) error
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Handlers receive decoded inbound messages. Nil handlers are skipped.
type Handlers struct {
	OnAcceleration func(v models.Vector, at time.Time)
	OnRotation     func(v models.Vector, at time.Time)
	OnMonitor      func(start bool)
	OnDismiss      func()
	OnCall         func()
}

// Bridge maps bus subjects to daemon operations and device collaborators.
type Bridge struct {
	conn     Conn
	subjects Subjects
	timeout  time.Duration
	locator  *Locator

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewBridge creates a bridge over conn. Location fixes feed locator.
func NewBridge(conn Conn, prefix string, timeout time.Duration, locator *Locator) *Bridge {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Bridge{
		conn:     conn,
		subjects: NewSubjects(prefix),
		timeout:  timeout,
		locator:  locator,
	}
}

// Subjects returns the subjects in use.
func (b *Bridge) Subjects() Subjects {
	return b.subjects
}

// Locator returns the locator fed by the location subject.
func (b *Bridge) Locator() *Locator {
	return b.locator
}

// Subscribe registers handlers for every inbound subject.
func (b *Bridge) Subscribe(h Handlers) error {
	routes := map[string]nats.MsgHandler{
		b.subjects.Accel:    b.sensorHandler("acceleration", h.OnAcceleration),
		b.subjects.Gyro:     b.sensorHandler("rotation", h.OnRotation),
		b.subjects.Location: b.handleFix,
		b.subjects.Monitor: func(msg *nats.Msg) {
			start, err := decodeMonitorCommand(msg.Data)
			if err != nil {
				logger.Warn("Dropping monitor command: %v", err)
				return
			}
			if h.OnMonitor != nil {
				h.OnMonitor(start)
			}
		},
		b.subjects.Dismiss: signalHandler(h.OnDismiss),
		b.subjects.Call:    signalHandler(h.OnCall),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, cb := range routes {
		sub, err := b.conn.Subscribe(subject, cb)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
		logger.Debug("Subscribed to %s", subject)
	}
	return nil
}

// Close removes every subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			logger.Warn("Failed to unsubscribe from %s: %v", sub.Subject, err)
		}
	}
	b.subs = nil
}

func (b *Bridge) sensorHandler(stream string, f func(models.Vector, time.Time)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		v, at, err := decodeSample(msg.Data)
		if err != nil {
			logger.Debug("Dropping %s sample: %v", stream, err)
			return
		}
		if f != nil {
			f(v, at)
		}
	}
}

func (b *Bridge) handleFix(msg *nats.Msg) {
	loc, at, err := decodeFix(msg.Data)
	if err != nil {
		logger.Warn("Dropping location fix: %v", err)
		return
	}
	if b.locator != nil {
		b.locator.Update(loc, at)
	}
}

func signalHandler(f func()) nats.MsgHandler {
	return func(*nats.Msg) {
		if f != nil {
			f()
		}
	}
}

// PublishCrash announces a detected crash to the host.
func (b *Bridge) PublishCrash(event models.CrashEvent) error {
	return b.publish(b.subjects.Crash, event)
}

// PublishSnapshot announces the escalation session state to the host.
func (b *Bridge) PublishSnapshot(snap escalation.Snapshot) error {
	return b.publish(b.subjects.Escalation, snap)
}

func (b *Bridge) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

func (b *Bridge) request(ctx context.Context, subject string, v any) (Reply, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to encode %s: %w", subject, err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", subject, err)
	}
	reply, err := decodeReply(msg.Data)
	if err != nil {
		return Reply{}, err
	}
	if !reply.OK {
		if reply.Error == "" {
			reply.Error = "rejected by host"
		}
		return reply, fmt.Errorf("%s: %s", subject, reply.Error)
	}
	return reply, nil
}

// DirectCall implements escalation.Dialer.
func (b *Bridge) DirectCall(ctx context.Context, number string) error {
	_, err := b.request(ctx, b.subjects.DialDirect, dialRequest{Number: number})
	return err
}

// OpenDialer implements escalation.Dialer.
func (b *Bridge) OpenDialer(ctx context.Context, number string) error {
	_, err := b.request(ctx, b.subjects.DialScreen, dialRequest{Number: number})
	return err
}

// Play implements escalation.AudioPlayer. The host loops the sound at full
// volume until told to stop the returned handle.
func (b *Bridge) Play(ctx context.Context, src escalation.AudioSource) (escalation.Sound, error) {
	reply, err := b.request(ctx, b.subjects.AudioPlay, playRequest{URI: src.URI, Name: src.Name, Loop: true, Volume: 1.0})
	if err != nil {
		return nil, err
	}
	return &remoteSound{bridge: b, handle: reply.Handle}, nil
}

type remoteSound struct {
	bridge *Bridge
	handle string
	once   sync.Once
	err    error
}

func (s *remoteSound) Stop() error {
	s.once.Do(func() {
		s.err = s.bridge.publish(s.bridge.subjects.AudioStop, stopRequest{Handle: s.handle})
	})
	return s.err
}

// Vibrate implements escalation.Vibrator.
func (b *Bridge) Vibrate(pattern []time.Duration, repeat bool) error {
	return b.publish(b.subjects.Vibrate, vibrateMsg{PatternMs: toMillis(pattern), Repeat: repeat})
}

// Cancel implements escalation.Vibrator.
func (b *Bridge) Cancel() error {
	return b.publish(b.subjects.VibrateCancel, vibrateMsg{PatternMs: []int64{}})
}

// CallActive implements escalation.Prompter.
func (b *Bridge) CallActive(brief escalation.CallBrief) {
	if err := b.publish(b.subjects.Prompt, newPrompt(promptCallActive, brief)); err != nil {
		logger.Error("Failed to show call briefing: %v", err)
	}
}

// ManualDial implements escalation.Prompter.
func (b *Bridge) ManualDial(brief escalation.CallBrief) {
	if err := b.publish(b.subjects.Prompt, newPrompt(promptManualDial, brief)); err != nil {
		logger.Error("Failed to show manual dial prompt: %v", err)
	}
}
