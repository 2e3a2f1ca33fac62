package console

import "errors"

var (
	// ErrTimeout is returned when no byte could be read or written within the
	// session timeout.
	ErrTimeout = errors.New("console: timeout")

	// ErrFraming is returned when the console produced a byte where a control
	// byte was required. The session is no longer in a known state.
	ErrFraming = errors.New("console: framing violation")

	// ErrLineTooLong is returned when a statement does not fit in the device's
	// input line. Nothing has been written when it is returned.
	ErrLineTooLong = errors.New("console: statement exceeds input line")

	// ErrNotReady is returned by every exchange after an earlier one aborted.
	// Only Sync (normally after a radio reset) clears it.
	ErrNotReady = errors.New("console: session not in ready state")

	// ErrPortInUse is returned when a second session is opened on a port that
	// already has one.
	ErrPortInUse = errors.New("console: port already owned by a session")

	// ErrNoResetLine is returned by PulseReset when the port cannot drive the
	// radio's reset input.
	ErrNoResetLine = errors.New("console: no reset line")
)
