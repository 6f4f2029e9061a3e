// Package epoch provides pure arithmetic over fixed-duration validity windows.
// Epochs are contiguous, non-overlapping, and derived from an anchor timestamp;
// nothing here is ever stored.
package epoch

import "time"

// DefaultDuration is the reference epoch length.
const DefaultDuration = 14 * 24 * time.Hour

// Clock answers epoch questions as a pure function of wall-clock time.
// The zero value is not usable; construct with NewClock.
type Clock struct {
	anchor   time.Time
	duration time.Duration
}

// NewClock creates a clock anchored at anchor with the given epoch duration.
// A non-positive duration falls back to DefaultDuration.
func NewClock(anchor time.Time, duration time.Duration) Clock {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return Clock{anchor: anchor.UTC(), duration: duration}
}

// Anchor returns the epoch-zero start time.
func (c Clock) Anchor() time.Time { return c.anchor }

// Duration returns the fixed epoch length.
func (c Clock) Duration() time.Duration { return c.duration }

// CurrentEpoch returns the epoch id containing now. Times before the anchor
// yield negative ids; callers doing what-if checks rely on that.
func (c Clock) CurrentEpoch(now time.Time) int64 {
	elapsed := now.Sub(c.anchor)
	id := int64(elapsed / c.duration)
	// Integer division truncates toward zero; floor instead so pre-anchor
	// times land in the correct negative epoch.
	if elapsed < 0 && elapsed%c.duration != 0 {
		id--
	}
	return id
}

// Start returns the inclusive start of epoch id.
func (c Clock) Start(id int64) time.Time {
	return c.anchor.Add(time.Duration(id) * c.duration)
}

// End returns the exclusive end of epoch id.
func (c Clock) End(id int64) time.Time {
	return c.Start(id).Add(c.duration)
}

// IsActive reports whether now falls inside epoch id: start <= now < end.
func (c Clock) IsActive(id int64, now time.Time) bool {
	return !now.Before(c.Start(id)) && now.Before(c.End(id))
}

// TimeRemaining returns how long epoch id has left at now. Zero or negative
// means the epoch has ended.
func (c Clock) TimeRemaining(id int64, now time.Time) time.Duration {
	return c.End(id).Sub(now)
}
