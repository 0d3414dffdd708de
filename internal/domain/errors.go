package domain

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionTerminal   = errors.New("session already in terminal state")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrInvalidTipAmount  = errors.New("tip amount cannot be negative")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrStartRejected     = errors.New("provider rejected payment start")
	ErrCancelNotAccepted = errors.New("provider did not accept cancellation")
	ErrEngineClosed      = errors.New("engine is shutting down")
)
