package serialmux

import "errors"

// Configuration errors. These are fatal for a session.
var (
	ErrOpenFailed      = errors.New("failed to open serial line")
	ErrBadParameter    = errors.New("bad line parameter")
	ErrDriverRejected  = errors.New("driver rejected line settings")
	ErrExclusiveAccess = errors.New("exclusive access to line denied")
)

// Transport errors.
var (
	ErrNotConfigured = errors.New("serial line not configured")
	ErrReadTimeout   = errors.New("read timed out")
	ErrRead          = errors.New("failed to read from serial line")
	ErrPoll          = errors.New("failed to poll serial line")
	ErrWrite         = errors.New("failed to write to serial line")
	ErrClose         = errors.New("failed to close serial line")
)
