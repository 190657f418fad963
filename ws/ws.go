// Package ws binds the protocol to WebSocket connections using
// github.com/gorilla/websocket. Both directions carry JSON frames: a
// client-to-server frame holds one request envelope, a server-to-client
// frame holds response records. The server can push, so subscribed clients
// need no poll loop.
package ws

import (
	"time"

	"github.com/remapi/remapi/proto"
)

const (
	defaultWriteTimeout = 10 * time.Second
)

// frame is the single message shape both directions use.
type frame struct {
	URI     string               `json:"uri,omitempty"`
	Request *proto.Request       `json:"request,omitempty"`
	Records []proto.ResponseData `json:"records,omitempty"`
}
