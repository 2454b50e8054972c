// Package clock centralizes wall-clock access and UTC coercion. All
// persisted timestamps are UTC; values read back from the store may carry
// an arbitrary offset and must pass through UTC before comparison.
package clock

import "time"

// Now returns the current wall-clock time in UTC, truncated to
// milliseconds so round-trips through the store compare equal.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// UTC coerces t to UTC.
func UTC(t time.Time) time.Time {
	return t.UTC()
}

// UTCPtr coerces a nullable timestamp to UTC, preserving nil.
func UTCPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
