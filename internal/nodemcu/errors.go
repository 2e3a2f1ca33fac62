package nodemcu

import "errors"

// Network-level results. They mean the console exchange itself worked and the
// device answered, as opposed to the console package's transport errors.
var (
	ErrNoAddress      = errors.New("nodemcu: no address assigned before timeout")
	ErrStillJoined    = errors.New("nodemcu: address still assigned after leave")
	ErrRefused        = errors.New("nodemcu: connection refused or dropped")
	ErrConnectTimeout = errors.New("nodemcu: connection not established before timeout")
	ErrResolve        = errors.New("nodemcu: hostname did not resolve before timeout")
	ErrNotOpen        = errors.New("nodemcu: no open connection")
	ErrReply          = errors.New("nodemcu: unexpected console reply")
)
