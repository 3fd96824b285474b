package shmstore

import "github.com/cockroachdb/errors"

// Request-level error kinds. Handlers wrap these with context and send
// them back to the requesting client; they never take the server down.
// Callers test for a kind with errors.Is.
var (
	// ErrObjectExists is returned from Create when the ID is already present.
	ErrObjectExists = errors.New("object already exists in the store")
	// ErrObjectNotFound is returned when an operation names an absent object.
	ErrObjectNotFound = errors.New("object does not exist in the store")
	// ErrObjectInUse is returned from Delete while clients still hold references.
	ErrObjectInUse = errors.New("object is still referenced")
	// ErrInvalidState is returned on an illegal lifecycle transition, such as
	// sealing an object twice.
	ErrInvalidState = errors.New("object is in the wrong state for this operation")
	// ErrReleaseWithoutHold is returned when a client releases an object more
	// times than it was granted.
	ErrReleaseWithoutHold = errors.New("release without a matching hold")
	// ErrOutOfMemory is returned when an allocation cannot be satisfied even
	// after evicting every eligible object.
	ErrOutOfMemory = errors.New("object does not fit in the store")
	// ErrTimeout is the normal outcome of a Get whose wait expired before the
	// object sealed. It is not a failure.
	ErrTimeout = errors.New("get timed out")
	// ErrTransport marks malformed messages and broken connections.
	ErrTransport = errors.New("transport error")
	// ErrDisconnected is returned from client calls made after Disconnect.
	ErrDisconnected = errors.New("client is disconnected")
)
