package client

import (
	"context"

	"github.com/remapi/remapi/proto"
)

// ReceiveHandler consumes response records arriving from the server at
// hostname. Both direct responses and pushed publications come through the
// same handler; the Connection tells them apart by record type.
type ReceiveHandler func(hostname string, records []proto.ResponseData)

// Transport moves request envelopes from a client to a server. It is
// format-agnostic: implementations carry the JSON envelope however their
// medium requires and feed everything the server produces back through the
// handler registered with Connect.
type Transport interface {
	// SupportsServerPush reports whether the server can deliver records to
	// this transport outside a request/response exchange. Connections over
	// transports that cannot run a poll loop instead.
	SupportsServerPush() bool

	// PostMessage delivers req to the server addressed by uri. Any records
	// produced in direct response arrive through the Connect handler; the
	// call returns once the request has been handed off.
	PostMessage(ctx context.Context, uri string, req *proto.Request) error

	// Connect registers the receive handler. It must be called exactly once,
	// before the first PostMessage; NewConnection does this.
	Connect(h ReceiveHandler)
}
