package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/entsync/internal/querykey"
)

// InvariantViolation reports an internal consistency bug, such as removing
// an entity that a subscribed slot still references.
//
// In strict mode the store panics with it. Otherwise it is logged and
// returned, and the offending operation is not performed.
type InvariantViolation struct {
	Op       string
	Resource string
	ID       string
	Message  string

	// Keys lists the live slots involved, if any.
	Keys []querykey.Key
}

// Error implements the error interface.
func (e *InvariantViolation) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invariant violation: %s %s/%s: %s", e.Op, e.Resource, e.ID, e.Message)
	if len(e.Keys) > 0 {
		hashes := make([]string, len(e.Keys))
		for i, k := range e.Keys {
			hashes[i] = k.Hash()
		}
		fmt.Fprintf(&b, " (slots=%s)", strings.Join(hashes, ","))
	}
	return b.String()
}

// IsInvariantViolation returns true if err is or wraps an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// ErrUnknownEntity is returned when an operation needs an entity the table
// does not hold.
var ErrUnknownEntity = errors.New("unknown entity")
