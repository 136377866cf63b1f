// Package ssh runs adapter commands on another Mac over SSH. A Client owns
// the connection and a Runner turns adapter commands into remote exec
// requests, so every package manager and the defaults tool work against
// the remote machine unchanged.
package ssh

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "session")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed. Adapters classify
// temporary errors as transient.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
