package campus

import (
	"context"
	"errors"
	"fmt"
)

// RequestError is a network failure or a non-2xx response from the api.
// `Status` is 0 when the request never reached the server.
type RequestError struct {
	Status  int
	Message string
	Payload []byte
}

func (self *RequestError) Error() string {
	if self.Status == 0 {
		return fmt.Sprintf("request error: %s", self.Message)
	}
	return fmt.Sprintf("request error (%d): %s", self.Status, self.Message)
}

// AuthRequiredError short-circuits a call attempted with no credential,
// before any request is issued.
type AuthRequiredError struct {
	Op string
}

func (self *AuthRequiredError) Error() string {
	return fmt.Sprintf("auth required: %s", self.Op)
}

// ProtocolError means the server was reachable but its response violates the
// expected contract, e.g. a login success with no token.
type ProtocolError struct {
	Message string
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", self.Message)
}

// IsCancellation reports whether an error came from a caller-initiated abort.
// Cancellations are never surfaced as user-visible failures.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
