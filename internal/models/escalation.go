package models

import (
	"strings"
	"time"
)

// Place is the reverse-geocoded description of a Location.
type Place struct {
	CountryCode string
	Country     string
	City        string
	Region      string
}

// Label renders "<city or region>, <country>" the way the alert screen shows it.
func (p Place) Label() string {
	area := p.City
	if area == "" {
		area = p.Region
	}
	if area == "" {
		area = "Unknown location"
	}
	country := p.Country
	if country == "" {
		country = "Unknown"
	}
	return area + ", " + country
}

// ISO returns the upper-cased country code.
func (p Place) ISO() string {
	return strings.ToUpper(strings.TrimSpace(p.CountryCode))
}

// Outcome is how an escalation session ended.
type Outcome string

const (
	OutcomeDismissed Outcome = "dismissed"
	OutcomeCalled    Outcome = "called"
	OutcomeManual    Outcome = "manual"
)

// CallMethod is the dialing path that succeeded, or the manual prompt when
// none did.
type CallMethod string

const (
	CallNone         CallMethod = ""
	CallDirect       CallMethod = "direct"
	CallDialScreen   CallMethod = "dial_screen"
	CallManualPrompt CallMethod = "manual_prompt"
)

// EscalationRecord is the persisted result of one escalation session.
type EscalationRecord struct {
	CrashID       string
	Outcome       Outcome
	Number        string
	LocationLabel string
	Method        CallMethod
	EndedAt       time.Time
}
