// Package server implements the server half of the remote API protocol: a
// connection manager that routes normalized requests to registered API
// objects, API objects that dispatch RPC calls, RESTful routes and
// subscription traffic, and sessions that queue publications for clients
// whose transport cannot push.
//
// The connection manager is an explicit, process-scoped object rather than
// a package global; construct one per server (or per test) and hand it to
// your transports:
//
//	cm := server.NewConnectionManager()
//	defer cm.Close()
//
//	wifi := server.NewApi(server.WithPublications("statusChanged"))
//	wifi.Method("getStatus", func(ctx context.Context, call *server.MethodCall) (any, error) {
//		return map[string]any{"ok": true}, nil
//	})
//	if err := cm.RegisterApi(wifi, "/player/wifi"); err != nil {
//		...
//	}
//
// Transports deliver inbound messages through ConnectionManager.ReceiveMessage
// and send the populated response back however their medium requires. A
// push-capable transport additionally receives queued publications through
// its PostMessage method, outside any request/response exchange; every other
// transport relies on the client's poll cycle to drain the session queue.
package server
