package upstream

import (
	"fmt"
	"time"
)

// StatusError is a non-2xx upstream outcome. ResetAt carries the parsed
// quota-reset hint on 429 responses, when the upstream provided one.
type StatusError struct {
	Code    int
	Message string
	ResetAt time.Time
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
}

// HTTPStatus satisfies the status-code probe used by the pool and gateway.
func (e *StatusError) HTTPStatus() int { return e.Code }
