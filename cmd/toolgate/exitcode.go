package main

// Process exit codes. The library layer never calls os.Exit; commands
// translate outcomes into these.
const (
	exitOK       = 0
	exitError    = 1
	exitDenied   = 2
	exitConfirm  = 3 // confirmation was required but stdin is not a TTY
	exitTimedOut = 4
)

// exitCodeError is a non-user-facing command error used to preserve
// exit codes without bypassing deferred cleanup.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return ""
}

func (e *exitCodeError) ExitCode() int {
	return e.code
}

func commandExit(code int) error {
	if code == exitOK {
		return nil
	}
	return &exitCodeError{code: code}
}
