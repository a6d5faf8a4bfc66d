package sync

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned by operations that were in flight, and
// delivered through Subscription.Done() and Barrier.C, when the connection
// to the sync service goes away. The condition is terminal: the client does
// not reconnect, and a new Client must be created to resume.
var ErrConnectionClosed = errors.New("sync client: connection closed")

// ErrNoRunParameters is returned by the generic client when an unbound
// context is passed in. See WithRunParams to bind RunParams to the context.
var ErrNoRunParameters = errors.New("no run parameters provided")

// A ConnectionError wraps a transport-level failure: dialing the sync
// service, or reading or writing on the established connection.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("sync service connection error during %s: %s", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// A ProtocolError indicates an inbound frame that could not be interpreted:
// malformed JSON, or a frame that is neither a response nor a topic event.
// The offending frame is dropped and logged; in-flight requests are not
// affected.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("sync service protocol error: %s", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// A RemoteError carries an error reported by the sync service in response to
// a single request. It is scoped to that request's caller and does not
// affect the connection.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sync service error: %s", e.Message)
}
