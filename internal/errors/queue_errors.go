package errors

import "errors"

var (
	ErrAlreadyInQueue = errors.New("already in an active queue")
	ErrNoActiveQueue  = errors.New("no active queue entry")
	ErrBusy           = errors.New("another queue command is in flight")
	ErrConnectionLost = errors.New("push channel connection lost")
	ErrInvalidInput   = errors.New("invalid input")
)
