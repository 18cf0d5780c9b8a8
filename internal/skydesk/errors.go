package skydesk

import (
	"errors"
	"fmt"
)

// ErrGrantCodeNotSet is returned when a token exchange is attempted before a
// grant code has been supplied. Retrying without a new grant code cannot succeed.
var ErrGrantCodeNotSet = errors.New("skydesk: grant code not set")

// APIError is a failure reported by the accounts server: either a non-2xx
// response (StatusCode and Body carry the provider's answer) or a 2xx response
// missing a required field (Message carries the condition, StatusCode the
// original status).
type APIError struct {
	Message    string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("skydesk: %s", e.Message)
	}
	return fmt.Sprintf("skydesk: accounts server returned %d: %s", e.StatusCode, e.Body)
}
