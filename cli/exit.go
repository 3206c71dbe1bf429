package cli

import "fmt"

// Process exit statuses. Usage errors and a session that never opened both
// count as a failed run.
const (
	exitSuccess = 0
	exitFailure = 1
)

// ExitError asks main to exit with Code after printing Message.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}
