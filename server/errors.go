package server

import "errors"

// Structural dispatch failures. These propagate as errors out of
// ReceiveMessage; the transport decides how to surface them. Failures
// raised by user-supplied handlers never appear here — they are captured
// into the response body's error field instead.
var (
	// ErrDuplicatePath is returned when a second API object is registered
	// under an already-taken mount path. The registry is left unchanged.
	ErrDuplicatePath = errors.New("api already registered for path")

	// ErrApiNotFound is returned when no registered mount path is a prefix
	// of an inbound request's path.
	ErrApiNotFound = errors.New("no api registered for path")

	// ErrUnresolvedMethod is returned for a callMethod request addressed to
	// a bare mount path, where no method name can be derived.
	ErrUnresolvedMethod = errors.New("cannot determine method name from path")

	// ErrEndpointNotFound is returned when no registered RESTful pattern
	// matches the request path remainder.
	ErrEndpointNotFound = errors.New("endpoint does not exist")

	// ErrMethodNotAllowed is returned when a pattern matches but carries no
	// handler for the request's HTTP verb.
	ErrMethodNotAllowed = errors.New("endpoint does not support method")

	// ErrPushUnsupported is returned by PostMessage on transports that
	// cannot deliver data outside a request/response exchange. Receiving it
	// from a transport that claims push support is a programming error.
	ErrPushUnsupported = errors.New("transport does not support server push")
)
