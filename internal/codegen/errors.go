package codegen

import (
	"fmt"
	"strings"
)

// ResumeEndpointError is returned when every candidate resume endpoint
// answered 404. It lists the paths tried so the failure is debuggable.
type ResumeEndpointError struct {
	RunID string
	Tried []string
}

func (e *ResumeEndpointError) Error() string {
	return fmt.Sprintf("no resume endpoint accepted run %s (tried %s)", e.RunID, strings.Join(e.Tried, ", "))
}
