package repl

import (
	"fmt"
	"time"
)

// OpTime marks the durability point of locally applied data: the wall-clock
// timestamp of the last applied operation together with the term in which it
// was produced. OpTimes are ordered lexicographically by (timestamp, term) and
// are used to compare data freshness across members of the set. The term here
// tags the data, it is not the node's consensus term.
type OpTime struct {
	Timestamp time.Time `json:"ts"`
	Term      int64     `json:"t"`
}

// Compare returns -1 if o is older than other, 0 if they are equal, and 1 if
// o is newer than other.
func (o OpTime) Compare(other OpTime) int {
	if o.Timestamp.Before(other.Timestamp) {
		return -1
	}
	if o.Timestamp.After(other.Timestamp) {
		return 1
	}
	if o.Term < other.Term {
		return -1
	}
	if o.Term > other.Term {
		return 1
	}
	return 0
}

// Before reports whether o is strictly older than other.
func (o OpTime) Before(other OpTime) bool {
	return o.Compare(other) < 0
}

// AtLeast reports whether o is no older than other.
func (o OpTime) AtLeast(other OpTime) bool {
	return o.Compare(other) >= 0
}

// IsZero reports whether o is the zero OpTime, i.e. no operation has ever been
// applied.
func (o OpTime) IsZero() bool {
	return o.Timestamp.IsZero() && o.Term == 0
}

// WithinOneSecondOf reports whether o's timestamp is within one whole second
// of other's, compared by truncating both timestamps to whole seconds.
// Sub-second staleness is tolerated; cross-second staleness is not. This exact
// boundary decides priority-takeover eligibility, so it must not be relaxed to
// a duration comparison.
func (o OpTime) WithinOneSecondOf(other OpTime) bool {
	return o.Timestamp.Unix()+1 >= other.Timestamp.Unix()
}

// String implements fmt.Stringer for log output.
func (o OpTime) String() string {
	return fmt.Sprintf("{ts: %s, t: %d}", o.Timestamp.Format(time.RFC3339Nano), o.Term)
}

// MaxOpTime returns the newer of the two OpTimes.
func MaxOpTime(a, b OpTime) OpTime {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}
