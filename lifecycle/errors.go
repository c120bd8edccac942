package lifecycle

import "errors"

var (
	ErrAgentAlreadyRegistered = errors.New("lifecycle: agent already registered")
	ErrAgentUnknown           = errors.New("lifecycle: agent unknown")
	ErrIllegalTransition      = errors.New("lifecycle: illegal state transition")
)
