package store

import "errors"

var (
	ErrCapacityExceeded    = errors.New("daily ticket limit reached")
	ErrNoTicket            = errors.New("no tickets waiting")
	ErrCounterNotFound     = errors.New("counter not found")
	ErrCounterInactive     = errors.New("counter inactive")
	ErrCounterBusy         = errors.New("counter busy")
	ErrCounterNumberTaken  = errors.New("counter number already in use")
	ErrNothingToComplete   = errors.New("counter has no current ticket to complete")
	ErrNothingToRecall     = errors.New("counter has no current ticket to recall")
	ErrInvalidState        = errors.New("invalid ticket state")
	ErrDispatchUnavailable = errors.New("dispatch temporarily unavailable")
)
