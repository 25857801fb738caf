package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleTerm is returned when an externally supplied term is not newer
	// than the local term. Non-fatal; no state changes.
	ErrStaleTerm = errors.New("term is not newer than the current term")

	// ErrConfigurationInProgress is returned when a reconfig is requested
	// while a previous one is still being durably committed. The caller
	// should retry later.
	ErrConfigurationInProgress = errors.New("a configuration change is already in progress")

	// ErrNotStarted is returned by operations invoked before Start or after Stop.
	ErrNotStarted = errors.New("coordinator is not running")

	// ErrNotPrimary is returned when a stepdown is requested on a node that
	// is not currently the primary.
	ErrNotPrimary = errors.New("this member is not the primary")
)

// ProtocolError reports a heartbeat or freshness exchange between members
// that disagree on set identity or config version. It is surfaced to the
// calling peer and never treated as a vote or term signal.
type ProtocolError struct {
	Op       string
	What     string
	Expected string
	Got      string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: %s mismatch, expected %q, got %q", e.Op, e.What, e.Expected, e.Got)
}
