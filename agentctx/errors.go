package agentctx

import "errors"

var (
	ErrAgentInstanceNil  = errors.New("agentctx: agent instance must not be nil")
	ErrAgentNotFound     = errors.New("agentctx: agent not found")
	ErrNotMobile         = errors.New("agentctx: agent does not implement MobileAgent")
	ErrNotSerializable   = errors.New("agentctx: agent does not implement Serializable")
)
