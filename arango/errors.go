package arango

import (
	driver "github.com/arangodb/go-driver"
)

// Server error numbers the pipeline cares about. 1200 is a write-write
// conflict, 1210 a unique constraint violation; both signal a harmless
// redelivery rather than a failure.
const (
	errNumConflict         = 1200
	errNumUniqueConstraint = 1210
)

// Kind is the closed error classification the core pipeline sees. The raw
// store error is classified exactly once, here at the adapter boundary.
type Kind int

const (
	// KindTransient covers transport failures and server-side errors that a
	// later retry can reasonably resolve.
	KindTransient Kind = iota
	// KindConflict marks "document already exists" class errors: expected
	// under at-least-once redelivery and treated as success by writers.
	KindConflict
	// KindFatal marks errors a retry will not fix (bad request, auth).
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	default:
		return "fatal"
	}
}

// Classify maps a store error onto the closed kind set.
func Classify(err error) Kind {
	if driver.IsConflict(err) || driver.IsArangoErrorWithErrorNum(err, errNumConflict, errNumUniqueConstraint) {
		return KindConflict
	}
	if ae, ok := driver.AsArangoError(err); ok {
		if ae.Code >= 500 {
			return KindTransient
		}
		return KindFatal
	}
	// No server verdict at all: the request may never have arrived, so the
	// safe assumption is transient.
	return KindTransient
}
