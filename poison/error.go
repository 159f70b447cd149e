package poison

import (
	"errors"
	"fmt"
)

// Error is reported for a handler invocation skipped because the event is
// quarantined for that handler.
type Error struct {
	HandlerID string
	EventID   string
	Reason    string
}

// NewError creates a new poison error.
func NewError(handlerID, eventID, reason string) *Error {
	return &Error{
		HandlerID: handlerID,
		EventID:   eventID,
		Reason:    reason,
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("poison event %s for handler %s: %s", e.EventID, e.HandlerID, e.Reason)
}

// Is matches any *Error so errors.Is(err, &poison.Error{}) works.
func (e *Error) Is(target error) bool {
	_, ok := target.(*Error)
	return ok
}

// IsPoisonError reports whether err is or wraps a *Error.
func IsPoisonError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}
