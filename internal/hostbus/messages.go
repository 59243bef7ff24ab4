package hostbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/crashguard/internal/escalation"
	"github.com/rewired-gh/crashguard/internal/models"
)

// Subjects are the NATS subjects the daemon uses, all under one prefix.
type Subjects struct {
	Accel         string
	Gyro          string
	Location      string
	Monitor       string
	Dismiss       string
	Call          string
	Crash         string
	Escalation    string
	DialDirect    string
	DialScreen    string
	AudioPlay     string
	AudioStop     string
	Vibrate       string
	VibrateCancel string
	Prompt        string
}

// NewSubjects derives every subject from prefix.
func NewSubjects(prefix string) Subjects {
	p := strings.TrimSuffix(prefix, ".")
	return Subjects{
		Accel:         p + ".sensor.accel",
		Gyro:          p + ".sensor.gyro",
		Location:      p + ".location",
		Monitor:       p + ".control.monitor",
		Dismiss:       p + ".control.dismiss",
		Call:          p + ".control.call",
		Crash:         p + ".crash",
		Escalation:    p + ".escalation",
		DialDirect:    p + ".dial.direct",
		DialScreen:    p + ".dial.screen",
		AudioPlay:     p + ".alert.audio.play",
		AudioStop:     p + ".alert.audio.stop",
		Vibrate:       p + ".alert.vibrate",
		VibrateCancel: p + ".alert.vibrate.cancel",
		Prompt:        p + ".prompt",
	}
}

// SensorMsg is one accelerometer (g) or gyroscope (rad/s) reading.
type SensorMsg struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	Ts int64   `json:"ts"` // ms since epoch, 0 = now
}

// FixMsg is a position fix from the host.
type FixMsg struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Ts  int64   `json:"ts"`
}

type dialRequest struct {
	Number string `json:"number"`
}

type playRequest struct {
	URI    string  `json:"uri"`
	Name   string  `json:"name,omitempty"`
	Loop   bool    `json:"loop"`
	Volume float64 `json:"volume"`
}

type stopRequest struct {
	Handle string `json:"handle"`
}

type vibrateMsg struct {
	PatternMs []int64 `json:"pattern_ms"`
	Repeat    bool    `json:"repeat"`
}

// Reply is the host's answer to a request.
type Reply struct {
	OK     bool   `json:"ok"`
	Handle string `json:"handle,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PromptMsg is shown by the host as a call-active or manual-dial screen.
type PromptMsg struct {
	Kind          string           `json:"kind"`
	CrashID       string           `json:"crash_id"`
	Number        string           `json:"number"`
	LocationLabel string           `json:"location_label"`
	Location      *models.Location `json:"location,omitempty"`
	Severity      models.Severity  `json:"severity"`
	ImpactG       float64          `json:"impact_g"`
}

const (
	promptCallActive = "call_active"
	promptManualDial = "manual_dial"
)

func newPrompt(kind string, b escalation.CallBrief) PromptMsg {
	return PromptMsg{
		Kind:          kind,
		CrashID:       b.CrashID,
		Number:        b.Number,
		LocationLabel: b.LocationLabel,
		Location:      b.Location,
		Severity:      b.Severity,
		ImpactG:       b.ImpactG,
	}
}

func decodeSample(data []byte) (models.Vector, time.Time, error) {
	var m SensorMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return models.Vector{}, time.Time{}, fmt.Errorf("failed to decode sensor sample: %w", err)
	}
	return models.Vector{X: m.X, Y: m.Y, Z: m.Z}, fromMillis(m.Ts), nil
}

func decodeFix(data []byte) (models.Location, time.Time, error) {
	var m FixMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return models.Location{}, time.Time{}, fmt.Errorf("failed to decode fix: %w", err)
	}
	loc := models.Location{Latitude: m.Lat, Longitude: m.Lon}
	if err := loc.Validate(); err != nil {
		return models.Location{}, time.Time{}, err
	}
	return loc, fromMillis(m.Ts), nil
}

// decodeMonitorCommand accepts a bare word or a JSON string.
func decodeMonitorCommand(data []byte) (start bool, err error) {
	cmd := strings.TrimSpace(string(data))
	var quoted string
	if json.Unmarshal(data, &quoted) == nil {
		cmd = quoted
	}
	switch strings.ToLower(cmd) {
	case "start":
		return true, nil
	case "stop":
		return false, nil
	default:
		return false, fmt.Errorf("unknown monitor command %q", cmd)
	}
}

func decodeReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	return r, nil
}

func fromMillis(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ts)
}

func toMillis(pattern []time.Duration) []int64 {
	ms := make([]int64, len(pattern))
	for i, d := range pattern {
		ms[i] = d.Milliseconds()
	}
	return ms
}
