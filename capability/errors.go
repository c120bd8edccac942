package capability

import "errors"

// Sentinel errors for the capability registry (spec §4.7).
var (
	ErrAgentIDEmpty       = errors.New("capability: agent id must not be zero")
	ErrNoCapabilities     = errors.New("capability: at least one capability must be advertised")
	ErrAgentNotRegistered = errors.New("capability: agent is not registered")
	ErrCapabilityNotFound = errors.New("capability: no agent advertises this capability")
)
