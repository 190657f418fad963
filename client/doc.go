// Package client is the consumer-facing counterpart of package server. A
// Connection wraps one client transport and correlates outgoing requests
// with their response records; an Api is a proxy for a server-side API
// object mounted at a path, offering remote method calls and publication
// subscriptions.
//
// A Connection tracks the session uuid the server assigns per hostname, so
// a single client process can hold independent sessions against multiple
// servers. For transports that cannot receive server push it runs a poll
// loop that periodically asks each subscribed server to flush the session's
// queued publications.
//
//	conn := client.NewConnection(transport)
//	defer conn.Close()
//
//	wifi, _ := conn.Api("http://media-server:8080/player/wifi")
//	status, err := wifi.Call(ctx, "getStatus")
package client
