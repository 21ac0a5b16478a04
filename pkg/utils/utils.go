package utils

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalTimestampLayout is the wall-clock layout used for detected_at values. No zone suffix.
const LocalTimestampLayout = "2006-01-02T15:04:05.000"

func NewUUID() uuid.UUID {
	return uuid.New()
}

func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// MonotonicClock hands out millisecond timestamps that strictly increase within the process,
// even when the wall clock stalls or steps back.
type MonotonicClock struct {
	mu     sync.Mutex
	now    func() time.Time
	loc    *time.Location
	lastMs int64
}

func NewMonotonicClock(loc *time.Location, now func() time.Time) *MonotonicClock {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &MonotonicClock{now: now, loc: loc}
}

// Next returns a time truncated to the millisecond, in the clock's location, later than every
// value returned before.
func (c *MonotonicClock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.now().UnixMilli()
	if ms <= c.lastMs {
		ms = c.lastMs + 1
	}
	c.lastMs = ms
	return time.UnixMilli(ms).In(c.loc)
}

func (c *MonotonicClock) Location() *time.Location {
	return c.loc
}

// FormatLocal renders t as local wall-clock time in loc.
func FormatLocal(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(LocalTimestampLayout)
}

// AggregateID builds the outbox aggregate id "{machineID}_{epochMillis}".
func AggregateID(machineID int64, t time.Time) string {
	return fmt.Sprintf("%d_%d", machineID, t.UnixMilli())
}
