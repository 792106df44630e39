package formflow

import "errors"

var (
	ErrUnknownStep      = errors.New("unknown step")
	ErrStepOutOfRange   = errors.New("step index out of range")
	ErrIncompleteForm   = errors.New("required sections are incomplete")
	ErrSubmitInProgress = errors.New("submission already in progress")
	ErrNoSubmitFunc     = errors.New("no submit handler configured")
	ErrSessionClosed    = errors.New("session is closed")
)
