package protocol

import "errors"

// Each error kind maps to exactly one handling branch: the read errors in
// internal/tcpserver, ErrAuthenticationFailed in internal/handler; no
// error kind ever terminates the process.
var (
	// ErrIncompleteRequest is returned by the parser when EOF occurs
	// before the blank-line terminator.
	ErrIncompleteRequest = errors.New("protocol: incomplete request")

	// ErrRequestTooLarge is returned when the total request size exceeds
	// the configured cap (default 64 KiB).
	ErrRequestTooLarge = errors.New("protocol: request exceeds size cap")

	// ErrAuthenticationFailed is returned by user-key extraction when no
	// user key is found: with require_user_key set, the primary key is
	// missing or empty; otherwise, none of the candidates is present.
	ErrAuthenticationFailed = errors.New("protocol: authentication failed")
)

// IncompleteRequestError carries diagnostics for ErrIncompleteRequest,
// used for debugging connection churn under load.
type IncompleteRequestError struct {
	BytesRead int
	LastKeys  []string
}

func (e *IncompleteRequestError) Error() string {
	return ErrIncompleteRequest.Error()
}

func (e *IncompleteRequestError) Unwrap() error {
	return ErrIncompleteRequest
}
