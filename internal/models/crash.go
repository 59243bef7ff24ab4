// Package models defines the core domain entities: sensor vectors, crash
// events, places, and escalation records.
package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Stream identifies one of the two independent sensor streams.
type Stream int

const (
	Acceleration Stream = iota
	Rotation
)

func (s Stream) String() string {
	switch s {
	case Acceleration:
		return "acceleration"
	case Rotation:
		return "rotation"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// RadToDeg converts angular rates from the gyroscope's native rad/s to °/s.
const RadToDeg = 180 / math.Pi

// Vector is one 3-axis reading.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Magnitude returns the Euclidean norm.
func (v Vector) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Scale returns v with every component multiplied by k.
func (v Vector) Scale(k float64) Vector {
	return Vector{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// Sample is a reading together with its arrival time.
type Sample struct {
	Vector
	At time.Time
}

// Severity is the discrete crash tier.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// Rank orders severities so that minor < moderate < severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	default:
		return 0
	}
}

// Location is a WGS84 coordinate.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks coordinate ranges.
func (l Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return errors.New("latitude must be between -90 and 90")
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return errors.New("longitude must be between -180 and 180")
	}
	return nil
}

// Reading is a vector with its reported magnitude. For rotation the vector
// and magnitude are in °/s.
type Reading struct {
	Vector
	Magnitude float64 `json:"magnitude"`
}

// CrashEvent is produced once per detected crash and never mutated afterwards.
type CrashEvent struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Location     *Location `json:"location,omitempty"`
	Acceleration Reading   `json:"acceleration"`
	Rotation     Reading   `json:"rotation"`
	Severity     Severity  `json:"severity"`
}

// WithLocation returns a copy of the event carrying loc.
func (e CrashEvent) WithLocation(loc Location) CrashEvent {
	e.Location = &loc
	return e
}

// Validate checks crash event field constraints.
func (e *CrashEvent) Validate() error {
	if e.ID == "" {
		return errors.New("crash ID must not be empty")
	}
	if e.Timestamp.IsZero() {
		return errors.New("crash timestamp must be set")
	}
	if e.Severity.Rank() == 0 {
		return fmt.Errorf("unknown severity %q", e.Severity)
	}
	if e.Acceleration.Magnitude < 0 || e.Rotation.Magnitude < 0 {
		return errors.New("magnitudes must not be negative")
	}
	if e.Location != nil {
		if err := e.Location.Validate(); err != nil {
			return fmt.Errorf("invalid location: %w", err)
		}
	}
	return nil
}
