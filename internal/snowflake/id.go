// Package snowflake provides a time-ordered unique ID generator.
package snowflake

import (
	"math/rand"
	"time"
)

// An ID is a 64 bit identifier whose high 48 bits are a millisecond
// timestamp, so IDs sort in creation order.
type ID uint64

// Now returns an ID for the current time.
func Now() ID {
	return FromTime(time.Now())
}

// FromTime converts a time.Time to an ID.
func FromTime(ts time.Time) ID {
	// 48 bits for time in milliseconds.
	// 0 bits for worker ID.
	// 0 bits for sequence.
	// 16 bits for random.
	return ID(uint64(ts.UnixNano()/int64(time.Millisecond))<<16 | uint64(rand.Intn(1<<16)))
}

// ToTime converts an ID back to the time it was generated.
func (id ID) ToTime() time.Time {
	return time.Unix(0, int64(id>>16)*1e6)
}
