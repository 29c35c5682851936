package core

import "fmt"

type ErrorCode string

const (
	// ErrorLockContended: the retry budget acquiring the user's lock ran
	// out. Transient; the whole turn may be retried later.
	ErrorLockContended ErrorCode = "LOCK_CONTENDED"
	// ErrorStoreUnavailable: the backing store could not be reached. The
	// caller must not assume lock or state changed.
	ErrorStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	// ErrorStateCorrupt: the stored conversation blob is unreadable. The
	// turn is aborted with the prior state left untouched.
	ErrorStateCorrupt ErrorCode = "STATE_CORRUPT"
	// ErrorModelInvocation: the external model call failed. The lock is
	// still released and no state is saved.
	ErrorModelInvocation ErrorCode = "MODEL_INVOCATION_FAILED"
	// ErrorUnsupportedInput: the caller supplied an input type the session
	// does not recognize. Rejected before any lock is taken.
	ErrorUnsupportedInput ErrorCode = "UNSUPPORTED_INPUT_TYPE"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("core: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("core: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
