package server

import "github.com/remapi/remapi/proto"

// Transport is the server-side contract a delivery mechanism must satisfy.
// A transport owns exactly one client connection (or connection equivalent),
// builds requests from raw platform messages, hands them to the connection
// manager, and returns the populated response to the client.
type Transport interface {
	// SupportsServerPush reports whether the transport can deliver data to
	// the client outside of a request/response exchange.
	SupportsServerPush() bool

	// PostMessage proactively delivers one response record to the client.
	// It is only invoked on transports whose SupportsServerPush returns
	// true; everything else must return ErrPushUnsupported.
	PostMessage(data proto.ResponseData) error
}

// NoPush is embedded by transports that cannot push. Its PostMessage fails
// loudly so that a transport declaring push support without overriding the
// method is caught immediately.
type NoPush struct{}

func (NoPush) SupportsServerPush() bool { return false }

func (NoPush) PostMessage(proto.ResponseData) error { return ErrPushUnsupported }
