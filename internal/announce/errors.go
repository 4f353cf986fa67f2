package announce

import "errors"

var (
	// ErrPastTime rejects trigger times at or before the current time.
	ErrPastTime = errors.New("trigger time is in the past")

	// ErrBadInput rejects malformed requests (empty content, bad target).
	ErrBadInput = errors.New("malformed announcement request")

	// ErrResubmit tells the dispatcher to re-run the original command
	// message. Returned when the requester picks "edit" on a confirmation
	// menu after changing the source message.
	ErrResubmit = errors.New("resubmit requested")
)
