package mobility

import "errors"

var (
	ErrNotMobile       = errors.New("mobility: agent does not implement agentctx.MobileAgent")
	ErrNonceSeen       = errors.New("mobility: token nonce already seen, ignoring duplicate hand-off")
	ErrDestRestoreFailed = errors.New("mobility: destination failed to restore agent from token")
)
