package hostbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/crashguard/internal/clock"
	"github.com/rewired-gh/crashguard/internal/models"
)

// ErrNoFix is returned when the host has not reported a usable position.
var ErrNoFix = errors.New("no position fix")

// Locator answers with the most recent fix the host published.
type Locator struct {
	mu     sync.RWMutex
	clock  clock.Clock
	maxAge time.Duration
	fix    *models.Location
	at     time.Time
}

// NewLocator returns a Locator that rejects fixes older than maxAge.
// A non-positive maxAge accepts fixes of any age.
func NewLocator(clk clock.Clock, maxAge time.Duration) *Locator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Locator{clock: clk, maxAge: maxAge}
}

// Update records a fix. A zero at means now.
func (l *Locator) Update(loc models.Location, at time.Time) {
	if at.IsZero() {
		at = l.clock.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fix != nil && at.Before(l.at) {
		return
	}
	l.fix = &loc
	l.at = at
}

// Last returns the latest fix regardless of age.
func (l *Locator) Last() (*models.Location, time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.fix == nil {
		return nil, time.Time{}
	}
	loc := *l.fix
	return &loc, l.at
}

// Current returns the latest fix if it is fresh enough.
func (l *Locator) Current() (*models.Location, bool) {
	loc, at := l.Last()
	if loc == nil {
		return nil, false
	}
	if l.maxAge > 0 && l.clock.Now().Sub(at) > l.maxAge {
		return nil, false
	}
	return loc, true
}

// Locate implements escalation.Locator.
func (l *Locator) Locate(ctx context.Context) (models.Location, error) {
	if err := ctx.Err(); err != nil {
		return models.Location{}, err
	}
	loc, at := l.Last()
	if loc == nil {
		return models.Location{}, ErrNoFix
	}
	if age := l.clock.Now().Sub(at); l.maxAge > 0 && age > l.maxAge {
		return models.Location{}, fmt.Errorf("%w: last fix is %s old", ErrNoFix, age.Round(time.Second))
	}
	return *loc, nil
}
