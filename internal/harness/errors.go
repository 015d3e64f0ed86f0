package harness

import (
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	ErrEngineStart        = errors.New("harness: failed to spawn engine")
	ErrListenParse        = errors.New("harness: failed to parse listen address")
	ErrStartupTimeout     = errors.New("harness: engine did not report a listen address")
	ErrUnexpectedResponse = errors.New("harness: unexpected server response")
	ErrConnectionClosed   = errors.New("harness: engine connection closed")
)

// ExitError reports an engine process that terminated while the harness
// still needed it. State may be nil when the exit status was unobtainable.
type ExitError struct {
	State *os.ProcessState
}

func (e *ExitError) Error() string {
	if e.State == nil {
		return "harness: engine terminated early"
	}
	return fmt.Sprintf("harness: engine terminated early with status %s", e.State)
}

func startupTimeoutError(timeout time.Duration) error {
	return fmt.Errorf("%w within %s", ErrStartupTimeout, timeout)
}

func listenParseError(line string) error {
	return fmt.Errorf("%w: %q", ErrListenParse, line)
}

func unexpectedResponse(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedResponse, fmt.Sprintf(format, args...))
}
