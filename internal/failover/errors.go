package failover

import (
	"fmt"
	"strings"
)

// AllExhaustedError is returned when every target failed or was cooling
// down. Last is the final error seen, if any target was tried.
type AllExhaustedError struct {
	Attempted []string
	Skipped   []string
	Last      error
}

func (e *AllExhaustedError) Error() string {
	var sb strings.Builder
	sb.WriteString("all models exhausted")
	if len(e.Attempted) > 0 {
		fmt.Fprintf(&sb, ", attempted: %s", strings.Join(e.Attempted, ", "))
	}
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&sb, ", cooling down: %s", strings.Join(e.Skipped, ", "))
	}
	if e.Last != nil {
		fmt.Fprintf(&sb, ": %v", e.Last)
	}
	return sb.String()
}

func (e *AllExhaustedError) Unwrap() error { return e.Last }
