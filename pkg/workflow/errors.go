package workflow

import "errors"

var (
	ErrValidation        = errors.New("validation failed")
	ErrSessionBusy       = errors.New("session already has an active workflow")
	ErrNotFound          = errors.New("workflow not found")
	ErrNotActive         = errors.New("workflow is not active")
	ErrLimitReached      = errors.New("workflow admission limit reached")
	ErrInstantiation     = errors.New("agent instantiation failed")
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrClosed            = errors.New("coordinator is closed")
)
