package mail

import (
	"context"

	"github.com/remapi/remapi/server"
)

// EventFlushed is published after every queue flush with the FlushResult
// as payload.
const EventFlushed = "flushed"

// NewQueueApi exposes a Queue as an API object. RPC methods cover compose,
// flush and listing; individual messages are also reachable RESTfully at
// messages/{uuid} for reads and deletes.
func NewQueueApi(q *Queue) *server.Api {
	api := server.NewApi(server.WithPublications(EventFlushed))

	server.TypedMethod(api, "compose", func(ctx context.Context, call *server.MethodCall, msg Message) (any, error) {
		return q.Compose(ctx, &msg)
	}, server.WithDescription("queue a message for delivery"))

	api.Method("flush", func(ctx context.Context, call *server.MethodCall) (any, error) {
		clearQueue := true
		if len(call.Args) > 0 {
			if b, ok := call.Args[0].(bool); ok {
				clearQueue = b
			}
		}
		result, err := q.Flush(ctx, clearQueue)
		if err != nil {
			return nil, err
		}
		api.Publish(EventFlushed, result)
		return result, nil
	})

	api.Method("listQueue", func(ctx context.Context, call *server.MethodCall) (any, error) {
		return q.List(ctx)
	})

	api.Rest(server.VerbGet, "messages/{uuid}", func(ctx context.Context, req *server.RestRequest) (any, error) {
		return q.Get(ctx, req.PathParams["uuid"])
	})
	api.Rest(server.VerbDelete, "messages/{uuid}", func(ctx context.Context, req *server.RestRequest) (any, error) {
		if err := q.Delete(ctx, req.PathParams["uuid"]); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": req.PathParams["uuid"]}, nil
	})

	return api
}
