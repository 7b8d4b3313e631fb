// Package warmup implements the per-SMTP-account daily send ramp: a new sender
// identity's daily volume grows along a fixed day-to-cap schedule before settling at
// its full allowance.
package warmup

import (
	"sync"
	"time"

	"github.com/MailerSuite/sendcore/internal/stores"
)

// ramp maps warm-up day to daily send cap, days 1-30 explicit then flat.
var ramp = map[int]int{
	1: 10, 2: 20, 3: 30, 4: 40, 5: 50, 6: 75, 7: 100, 8: 150, 9: 200, 10: 250,
	11: 300, 12: 400, 13: 500, 14: 600, 15: 700, 16: 800, 17: 900, 18: 1000,
	19: 1200, 20: 1400, 21: 1600, 22: 1800, 23: 2000, 24: 2500, 25: 3000,
	26: 3500, 27: 4000, 28: 4500, 29: 5000, 30: 5000,
}

const capAfterDay30 = 5000

// CapForDay returns the daily send cap for the given warm-up day.
func CapForDay(day int) int {
	if day < 1 {
		day = 1
	}
	if cap, ok := ramp[day]; ok {
		return cap
	}
	return capAfterDay30
}

// planState is the mutable per-account warm-up state.
type planState struct {
	day        int
	dailyCap   int
	dailySent  int
	resetAt    time.Time // next local-day boundary
}

// Controller tracks warm-up plans for all accounts under one process.
// Shared across workers; mutations require mutual exclusion per key.
type Controller struct {
	mu    sync.Mutex
	plans map[string]*planState
	clock stores.Clock

	// dayBoundary is the local time-of-day (since midnight) at which daily_sent resets
	// and day increments, configurable so tests don't need to wait for real midnight.
	dayBoundary time.Duration
}

// New constructs a Controller. dayBoundary is the offset from local midnight at which
// the daily counters reset.
func New(clock stores.Clock, dayBoundary time.Duration) *Controller {
	return &Controller{
		plans:       make(map[string]*planState),
		clock:       clock,
		dayBoundary: dayBoundary,
	}
}

// SetPlan reinitializes an account's warm-up state starting at startDay.
func (c *Controller) SetPlan(accountID string, startDay int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[accountID] = &planState{
		day:      startDay,
		dailyCap: CapForDay(startDay),
		resetAt:  c.nextBoundary(c.clock.Now()),
	}
}

// CanSend reports whether accountID may send another message today.
func (c *Controller) CanSend(accountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.planFor(accountID)
	c.maybeRoll(p)
	return p.dailySent < p.dailyCap
}

// OnSend increments the account's daily counter after a successful send.
func (c *Controller) OnSend(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.planFor(accountID)
	c.maybeRoll(p)
	p.dailySent++
}

// Snapshot returns the (day, dailyCap, dailySent) triple for introspection/tests.
func (c *Controller) Snapshot(accountID string) (day, dailyCap, dailySent int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.planFor(accountID)
	c.maybeRoll(p)
	return p.day, p.dailyCap, p.dailySent
}

func (c *Controller) planFor(accountID string) *planState {
	p, ok := c.plans[accountID]
	if !ok {
		p = &planState{day: 1, dailyCap: CapForDay(1), resetAt: c.nextBoundary(c.clock.Now())}
		c.plans[accountID] = p
	}
	return p
}

// maybeRoll advances day/dailySent across a local day boundary. Caller holds c.mu.
func (c *Controller) maybeRoll(p *planState) {
	now := c.clock.Now()
	for !now.Before(p.resetAt) {
		p.day++
		p.dailyCap = CapForDay(p.day)
		p.dailySent = 0
		p.resetAt = c.nextBoundary(p.resetAt)
	}
}

func (c *Controller) nextBoundary(from time.Time) time.Time {
	loc := from.Location()
	midnight := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	boundary := midnight.Add(c.dayBoundary)
	if !boundary.After(from) {
		boundary = boundary.AddDate(0, 0, 1)
	}
	return boundary
}
