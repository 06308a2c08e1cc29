package transport

import (
	"errors"
	"fmt"
	"time"
)

// Delivery failures a Gateway reports.
var (
	ErrChatBlocked  = errors.New("bot blocked or removed from chat")
	ErrChatNotFound = errors.New("chat not found")
	ErrBadRequest   = errors.New("message rejected")
)

// DeliveryError tells the notifier how to treat a failed send.
type DeliveryError struct {
	Err error
	// Permanent failures are not retried and are reported to admins.
	Permanent bool
	// After is the delay the chat service asked for (flood control).
	After time.Duration
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Permanent:
		return fmt.Sprintf("permanent: %v", e.Err)
	case e.After > 0:
		return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// NoRetry marks err as permanent.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Err: err, Permanent: true}
}

// RetryAfter attaches a server-suggested delay to err.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Err: err, After: max(after, 0)}
}

func IsNoRetry(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// RetryDelay returns the delay carried by err, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var de *DeliveryError
	if errors.As(err, &de) && de.After > 0 {
		return de.After, true
	}
	return 0, false
}
