package commitment

import "time"

// ValidToFor returns the end of the validity window for a commitment created
// at t: December 31, 23:59:59 of t's calendar year, in t's location.
func ValidToFor(t time.Time) time.Time {
	return time.Date(t.Year(), time.December, 31, 23, 59, 59, 0, t.Location())
}

// IsActive reports whether c is currently usable: not withdrawn and now inside
// [ValidFrom, ValidTo]. Once ValidTo has passed the commitment stays inactive
// forever, withdrawn or not.
func IsActive(c Commitment, now time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	return !now.Before(c.ValidFrom) && !now.After(c.ValidTo)
}

// Clock returns the current time. Injected so tests can pin dates.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
