package broker

import "errors"

// Sentinel errors surfaced by the reference broker. Callers should
// prefer errors.Is against these rather than comparing *amcp.Error.Kind
// strings when they only care about the broker's own bookkeeping.
var (
	ErrNotStarted        = errors.New("broker: not started")
	ErrAlreadyStarted    = errors.New("broker: already started")
	ErrHandlerNil        = errors.New("broker: handler must not be nil")
	ErrPatternEmpty      = errors.New("broker: subscription pattern must not be empty")
	ErrUnknownHandle     = errors.New("broker: unknown subscription handle")
	ErrReservedTopic     = errors.New("broker: topic uses a reserved prefix")
)
