package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remapi/remapi/proto"
)

// ErrApiClosed indicates a call or subscription on a proxy after Close.
var ErrApiClosed = errors.New("api proxy closed")

const unsubscribeTimeout = 5 * time.Second

// RemoteError carries a failure raised by the remote handler. It arrives
// inside an otherwise-normal response record, never as a transport failure.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote call failed: " + e.Message }

// Handler consumes one publication payload.
type Handler func(payload any)

type subscription struct {
	event string
	fn    Handler
}

// Api is a proxy for a server-side API object. Method calls post a request
// and wait for the matching response record; Subscribe registers a local
// handler and only performs the wire subscription for the first handler of
// an event, mirroring that with a wire unsubscription when the last handler
// for the event is removed.
//
// An Api is safe for concurrent use.
type Api struct {
	conn     *Connection
	uuid     string
	hostname string
	path     string

	mu     sync.Mutex
	subs   map[string][]*subscription
	closed bool
}

// Api builds a proxy for the API object mounted at uri. The uri's authority
// (if any) names the server; its path is the mount path. Proxies against
// distinct hostnames hold distinct sessions.
func (c *Connection) Api(uri string) (*Api, error) {
	hostname, path, err := splitHostURI(uri)
	if err != nil {
		return nil, err
	}
	a := &Api{
		conn:     c,
		uuid:     uuid.NewString(),
		hostname: hostname,
		path:     path,
		subs:     make(map[string][]*subscription),
	}
	c.registerApi(a)
	return a, nil
}

// UUID returns the proxy's client API uuid. It travels on every request so
// the server can address publications to this proxy specifically.
func (a *Api) UUID() string { return a.uuid }

// Path returns the mount path the proxy targets.
func (a *Api) Path() string { return a.path }

// Call invokes the named remote method and returns its result. A failure
// inside the remote handler surfaces as a *RemoteError; transport and
// routing failures surface as ordinary errors.
//
// Results arrive as generic JSON values regardless of transport; use
// CallInto to project onto a concrete type.
func (a *Api) Call(ctx context.Context, method string, args ...any) (any, error) {
	if a.isClosed() {
		return nil, ErrApiClosed
	}
	reqPath := joinPath(a.path, method)
	req := &proto.Request{
		Type: proto.TypeCallMethod,
		Path: reqPath,
		Body: proto.RequestBody{MethodArgs: args},
	}
	req.SetHeader(proto.HeaderClientAPIUUID, a.uuid)

	rec, err := a.conn.roundTrip(ctx, a.hostname, a.hostname+reqPath, req)
	if err != nil {
		return nil, err
	}
	var body proto.CallBody
	if err := proto.DecodeBody(rec.Body, &body); err != nil {
		return nil, err
	}
	if body.Error != "" {
		return nil, &RemoteError{Message: body.Error}
	}
	return body.MethodResult, nil
}

// CallInto invokes the named remote method and decodes its result into dst.
func (a *Api) CallInto(ctx context.Context, dst any, method string, args ...any) error {
	result, err := a.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	return proto.DecodeBody(result, dst)
}

// Subscribe registers fn for the named publication and returns a function
// that removes it. The wire subscription is reference counted per event:
// only the first local handler subscribes on the wire, and only removing
// the last one unsubscribes. The returned function is idempotent.
func (a *Api) Subscribe(ctx context.Context, event string, fn Handler) (func(), error) {
	sub := &subscription{event: event, fn: fn}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrApiClosed
	}
	first := len(a.subs[event]) == 0
	a.subs[event] = append(a.subs[event], sub)
	a.mu.Unlock()

	if first {
		if err := a.sendSubscription(ctx, proto.TypeSubscribe, event); err != nil {
			a.removeSub(sub)
			return nil, err
		}
		a.conn.subscribeHost(a.hostname)
	}

	var once sync.Once
	return func() {
		once.Do(func() { a.unsubscribe(sub) })
	}, nil
}

func (a *Api) unsubscribe(sub *subscription) {
	if !a.removeSub(sub) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := a.sendSubscription(ctx, proto.TypeUnsubscribe, sub.event); err != nil {
		a.conn.log.Warn("unsubscribe.fail",
			slog.String("path", a.path),
			slog.String("event", sub.event),
			slog.String("err", err.Error()))
	}
	a.conn.unsubscribeHost(a.hostname)
}

// removeSub drops sub from the local set and reports whether it was the
// last handler for its event.
func (a *Api) removeSub(sub *subscription) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.subs[sub.event]
	for i, other := range list {
		if other == sub {
			a.subs[sub.event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(a.subs[sub.event]) == 0 {
		delete(a.subs, sub.event)
		return true
	}
	return false
}

func (a *Api) sendSubscription(ctx context.Context, typ proto.Type, event string) error {
	req := &proto.Request{
		Type: typ,
		Path: a.path,
		Body: proto.RequestBody{EventName: event},
	}
	req.SetHeader(proto.HeaderClientAPIUUID, a.uuid)
	_, err := a.conn.roundTrip(ctx, a.hostname, a.hostname+a.path, req)
	return err
}

// Close removes the proxy's remaining wire subscriptions and detaches it
// from the connection. Further calls fail with ErrApiClosed.
func (a *Api) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	events := make([]string, 0, len(a.subs))
	for event := range a.subs {
		events = append(events, event)
	}
	a.subs = make(map[string][]*subscription)
	a.mu.Unlock()

	for _, event := range events {
		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		if err := a.sendSubscription(ctx, proto.TypeUnsubscribe, event); err != nil {
			a.conn.log.Warn("unsubscribe.fail",
				slog.String("path", a.path),
				slog.String("event", event),
				slog.String("err", err.Error()))
		}
		cancel()
		a.conn.unsubscribeHost(a.hostname)
	}
	a.conn.unregisterApi(a)
}

// dispatch fans one publication record out to the event's local handlers.
func (a *Api) dispatch(rec proto.ResponseData) {
	a.mu.Lock()
	handlers := make([]Handler, 0, len(a.subs[rec.Type]))
	for _, sub := range a.subs[rec.Type] {
		handlers = append(handlers, sub.fn)
	}
	a.mu.Unlock()

	for _, fn := range handlers {
		fn(rec.Body)
	}
}

func (a *Api) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func joinPath(mount, rel string) string {
	if mount == "/" {
		return "/" + rel
	}
	return mount + "/" + rel
}
