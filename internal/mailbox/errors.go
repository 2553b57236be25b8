package mailbox

import (
	"errors"
	"fmt"

	"google.golang.org/api/googleapi"
)

// ErrNoReadableBody means a message has neither a single-part body nor a
// text/plain part.
var ErrNoReadableBody = errors.New("message has no readable body")

var ErrMessageNotFound = errors.New("message not found")

// GatewayError is a failed read against the mail provider. It is never to be
// read as "no messages".
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("mail gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// SendError is a failed submission. Detail carries what the provider said.
type SendError struct {
	Detail   string
	Rejected []string
	Err      error
}

func (e *SendError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("send failed: %s", e.Detail)
	}
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func providerDetail(err error) string {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return fmt.Sprintf("%d %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Sprintf("status %d", apiErr.Code)
	}
	return err.Error()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}
