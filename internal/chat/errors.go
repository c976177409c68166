package chat

import "fmt"

// AuthError reports a rejected credential, either at login/registration
// or when the server refuses a connection token. Not retriable without
// new credentials.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: %s", e.Reason)
}

// TransportError reports a network-level failure: a failed connection
// attempt or an unexpected connection drop.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
