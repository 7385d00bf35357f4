package processor

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var midnight, _ = cron.ParseStandard("0 0 * * *")

// NextMidnight returns the first 00:00 in loc strictly after t.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return midnight.Next(t.In(loc))
}

// DailyCounter counts notifications sent since the last local midnight.
// The reset is lazy: it happens on the first check after the boundary.
type DailyCounter struct {
	mu      sync.Mutex
	loc     *time.Location
	count   int
	resetAt time.Time
}

func NewDailyCounter(now time.Time, loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	return &DailyCounter{loc: loc, resetAt: NextMidnight(now, loc)}
}

// ResetIfDue zeroes the counter once now has reached the reset time and
// reports the count that was dropped.
func (c *DailyCounter) ResetIfDue(now time.Time) (prev int, reset bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.resetAt) {
		return 0, false
	}
	prev = c.count
	c.count = 0
	c.resetAt = NextMidnight(now, c.loc)
	return prev, true
}

func (c *DailyCounter) Allow(limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count < limit
}

func (c *DailyCounter) Inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return c.count
}

func (c *DailyCounter) Snapshot() (count int, resetAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, c.resetAt
}
