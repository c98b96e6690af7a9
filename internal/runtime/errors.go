package runtime

import (
	"errors"
	"fmt"

	"github.com/frostline-dev/sigil/api/schemas"
)

// Error is the adapter's structured error: a stable reason code plus a
// human-readable message, optionally wrapping an underlying OS/transport
// error. Expected domain conditions on the read/write path (not attached,
// unresolved symbol, failed sanity check) all surface as *Error so callers
// can branch on the reason code instead of string matching.
type Error struct {
	Reason  schemas.ReasonCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the reason code from an adapter error, or
// EXECUTION_FAILURE for anything else.
func ReasonOf(err error) schemas.ReasonCode {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return schemas.ReasonExecutionFailure
}

func domainErr(reason schemas.ReasonCode, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(reason schemas.ReasonCode, err error, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}
