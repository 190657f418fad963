package server

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/remapi/remapi/internal/logctx"
	"github.com/remapi/remapi/internal/pathmatch"
	"github.com/remapi/remapi/internal/strcase"
	"github.com/remapi/remapi/proto"
)

// Verb is an HTTP verb for RESTful endpoint registration.
type Verb string

const (
	VerbGet    Verb = "GET"
	VerbPost   Verb = "POST"
	VerbPut    Verb = "PUT"
	VerbDelete Verb = "DELETE"
)

// MethodCall carries the arguments of one RPC invocation. Args are the
// decoded positional arguments from the request body; Request gives access
// to headers, query parameters and the session.
type MethodCall struct {
	Args    []any
	Request *Request
}

// MethodFunc handles one RPC method. A returned error (or a panic) becomes
// the error field of the response body; it never escapes the dispatcher.
type MethodFunc func(ctx context.Context, call *MethodCall) (any, error)

// RestRequest carries the resolved inputs of one RESTful invocation. Query
// holds the request's query parameters merged with the matched path
// placeholders; on a name collision the placeholder value wins.
type RestRequest struct {
	Request    *Request
	PathParams map[string]string
	Query      proto.Query
}

// RestHandler handles one RESTful endpoint. Same failure contract as
// MethodFunc.
type RestHandler func(ctx context.Context, req *RestRequest) (any, error)

type restEndpoint struct {
	pattern  *pathmatch.Pattern
	handlers map[Verb]RestHandler
}

// Api is a registered endpoint handler: a method table for RPC calls, a
// set of RESTful sub-routes, and a declared set of publication names. An
// Api is mounted under exactly one path by ConnectionManager.RegisterApi.
type Api struct {
	id  string
	log *slog.Logger

	mu           sync.RWMutex
	path         string
	cm           *ConnectionManager
	methods      map[string]*method
	endpoints    []*restEndpoint
	publications map[string]struct{}
}

type method struct {
	fn         MethodFunc
	descriptor MethodDescriptor
}

// ApiOption configures an Api at construction.
type ApiOption func(*Api)

// WithPublications declares the publication names this API may emit.
// Publishing an undeclared name is logged as a warning but still proceeds.
func WithPublications(names ...string) ApiOption {
	return func(a *Api) {
		for _, n := range names {
			a.publications[n] = struct{}{}
		}
	}
}

// NewApi constructs an unmounted API object. Mount it with
// ConnectionManager.RegisterApi before use.
func NewApi(opts ...ApiOption) *Api {
	a := &Api{
		id:           uuid.NewString(),
		log:          slog.Default(),
		methods:      make(map[string]*method),
		publications: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// attach is called by the connection manager during registration.
func (a *Api) attach(cm *ConnectionManager, path string) {
	a.mu.Lock()
	a.cm = cm
	a.path = path
	a.log = cm.log
	a.mu.Unlock()
}

// UUID returns the server-side identity of this API object, echoed to
// clients in the Server-Api-Uuid header.
func (a *Api) UUID() string { return a.id }

// Path returns the mount path, or "" before registration.
func (a *Api) Path() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.path
}

// Method registers fn under name in the API's method table, replacing any
// previous registration. Returns the API for chaining.
func (a *Api) Method(name string, fn MethodFunc) *Api {
	a.mu.Lock()
	a.methods[name] = &method{fn: fn, descriptor: MethodDescriptor{Name: name}}
	a.mu.Unlock()
	return a
}

var leadingRelative = regexp.MustCompile(`^(\.{0,2}/)*`)

// Rest registers handler for verb at relPath, which is relative to the
// mount path; leading "/", "./" and "../" prefixes are ignored. relPath may
// contain named placeholders ("users/{id}") matched against the request's
// remaining path segments. A nil handler installs the default handler,
// which camel-cases the pattern's first segment into a method-table lookup
// and invokes it with the placeholder values in pattern order followed by
// the query parameters as a map.
//
// The returned function unregisters the endpoint.
func (a *Api) Rest(verb Verb, relPath string, handler RestHandler) (func(), error) {
	relPath = leadingRelative.ReplaceAllString(relPath, "")
	pattern, err := pathmatch.Compile(relPath)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		handler = a.defaultRestHandler(pattern)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var ep *restEndpoint
	for _, existing := range a.endpoints {
		if existing.pattern.String() == pattern.String() {
			ep = existing
			break
		}
	}
	if ep == nil {
		ep = &restEndpoint{pattern: pattern, handlers: make(map[Verb]RestHandler)}
		a.endpoints = append(a.endpoints, ep)
	}
	ep.handlers[verb] = handler

	unregister := func() {
		a.mu.Lock()
		delete(ep.handlers, verb)
		a.mu.Unlock()
	}
	return unregister, nil
}

// ReceiveMessage dispatches one request addressed to this API. Called
// exclusively by the connection manager.
//
// Dispatch is three-way: a request at the bare mount path is subscription
// traffic; a one-segment remainder is an RPC call; anything longer is
// RESTful. Handler failures of any kind are captured into the response
// body; only structural misses (unresolvable method, unknown endpoint,
// missing verb) surface as errors.
func (a *Api) ReceiveMessage(ctx context.Context, req *Request) (proto.ResponseData, error) {
	a.mu.RLock()
	mount := a.path
	a.mu.RUnlock()
	ctx = logctxAPI(ctx, a)

	if samePath(req.Path, mount) {
		switch req.Type {
		case proto.TypeSubscribe:
			return a.subscribe(req), nil
		case proto.TypeUnsubscribe:
			return a.unsubscribe(req), nil
		case proto.TypeCallMethod:
			return proto.ResponseData{}, fmt.Errorf("%w: %s", ErrUnresolvedMethod, req.Path)
		default:
			return proto.ResponseData{}, fmt.Errorf("unknown message type %q", req.Type)
		}
	}

	remainder := pathRemainder(mount, req.Path)
	if !strings.Contains(remainder, "/") {
		return a.callMethod(ctx, req, remainder), nil
	}
	return a.restful(ctx, req, remainder)
}

func (a *Api) subscribe(req *Request) proto.ResponseData {
	eventName := req.Body.EventName
	session := req.CreateSession()
	session.AddSubscription(a, req.Header(proto.HeaderClientAPIUUID), eventName)
	return proto.ResponseData{
		Type:    proto.RecordSubscribed,
		Headers: map[string]string{proto.HeaderSessionUUID: session.UUID()},
		Body:    &proto.EventBody{EventName: eventName},
	}
}

func (a *Api) unsubscribe(req *Request) proto.ResponseData {
	eventName := req.Body.EventName
	session := req.CreateSession()
	session.RemoveSubscription(a, req.Header(proto.HeaderClientAPIUUID), eventName)
	return proto.ResponseData{
		Type:    proto.RecordUnsubscribed,
		Headers: map[string]string{proto.HeaderSessionUUID: session.UUID()},
		Body:    &proto.EventBody{EventName: eventName},
	}
}

// callMethod serves an RPC call for the named path segment. A missing
// method is a lookup miss reported in the body, matching the contract that
// handler-level failures never break the envelope.
func (a *Api) callMethod(ctx context.Context, req *Request, segment string) proto.ResponseData {
	name := strcase.Camel(segment)
	body := &proto.CallBody{}

	a.mu.RLock()
	m := a.methods[name]
	a.mu.RUnlock()

	if m == nil {
		body.Error = fmt.Sprintf("method %q is not defined on api %s", name, a.Path())
	} else {
		result, err := invokeMethod(ctx, m.fn, &MethodCall{Args: req.Body.MethodArgs, Request: req})
		if err != nil {
			a.log.Debug("method.fail", slog.String("method", name), slog.String("err", err.Error()))
			body.Error = err.Error()
		} else {
			body.MethodResult = result
		}
	}

	return proto.ResponseData{
		Type:    proto.RecordMethodReturn,
		Headers: map[string]string{proto.HeaderCallIndex: req.Header(proto.HeaderCallIndex)},
		Body:    body,
	}
}

// restful serves a multi-segment remainder against the registered endpoint
// patterns, first match in registration order.
func (a *Api) restful(ctx context.Context, req *Request, remainder string) (proto.ResponseData, error) {
	if len(req.Body.MethodArgs) > 0 {
		a.log.Warn("rest.method_args_ignored", slog.String("path", req.Path))
	}

	a.mu.RLock()
	var matched *restEndpoint
	var params map[string]string
	for _, ep := range a.endpoints {
		if p, ok := ep.pattern.Match(remainder); ok {
			matched = ep
			params = p
			break
		}
	}
	var handler RestHandler
	if matched != nil {
		handler = matched.handlers[Verb(req.RestMethod)]
	}
	a.mu.RUnlock()

	if matched == nil {
		return proto.ResponseData{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, remainder)
	}
	if handler == nil {
		return proto.ResponseData{}, fmt.Errorf("%w: %s %s", ErrMethodNotAllowed, req.RestMethod, remainder)
	}

	// Placeholder values merge into the query parameters. On a name
	// collision the placeholder wins; this is deliberate and documented.
	query := proto.Query{}
	for k, v := range req.Query {
		query[k] = v
	}
	for k, v := range params {
		query.Set(k, v)
	}

	body := &proto.CallBody{}
	result, err := invokeRest(ctx, handler, &RestRequest{Request: req, PathParams: params, Query: query})
	if err != nil {
		a.log.Debug("rest.fail", slog.String("remainder", remainder), slog.String("err", err.Error()))
		body.Error = err.Error()
	} else {
		body.MethodResult = result
	}

	return proto.ResponseData{
		Type:    proto.RecordMethodReturn,
		Headers: map[string]string{proto.HeaderCallIndex: req.Header(proto.HeaderCallIndex)},
		Body:    body,
	}, nil
}

// defaultRestHandler maps the pattern's first segment to a method-table
// entry and invokes it with positional placeholder values followed by the
// query parameters as a map.
func (a *Api) defaultRestHandler(pattern *pathmatch.Pattern) RestHandler {
	paramNames := pattern.Params()
	first := strings.SplitN(pattern.String(), "/", 2)[0]
	name := strcase.Camel(strings.Trim(first, "/"))

	return func(ctx context.Context, req *RestRequest) (any, error) {
		a.mu.RLock()
		m := a.methods[name]
		a.mu.RUnlock()
		if m == nil {
			return nil, fmt.Errorf("method %q is not defined on api %s", name, a.Path())
		}
		args := make([]any, 0, len(paramNames)+1)
		for _, pn := range paramNames {
			args = append(args, req.PathParams[pn])
		}
		queryArg := make(map[string]any, len(req.Query))
		for k, v := range req.Query {
			if len(v) == 1 {
				queryArg[k] = v[0]
			} else {
				queryArg[k] = []string(v)
			}
		}
		args = append(args, queryArg)
		return m.fn(ctx, &MethodCall{Args: args, Request: req.Request})
	}
}

// Publish notifies every subscribed session of an event. The fan-out walks
// all live sessions; Session.Publish filters by subscription, so only
// subscribed sessions enqueue the record.
func (a *Api) Publish(eventName string, data any) {
	a.mu.RLock()
	_, declared := a.publications[eventName]
	cm := a.cm
	a.mu.RUnlock()

	if !declared {
		a.log.Warn("publish.undeclared",
			slog.String("event", eventName), slog.String("api_path", a.Path()))
	}
	if cm == nil {
		a.log.Warn("publish.unregistered_api", slog.String("event", eventName))
		return
	}
	for _, session := range cm.Sessions().AllSessions() {
		session.Publish(a, eventName, data)
	}
}

func invokeMethod(ctx context.Context, fn MethodFunc, call *MethodCall) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, call)
}

func invokeRest(ctx context.Context, fn RestHandler, req *RestRequest) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, req)
}

func logctxAPI(ctx context.Context, a *Api) context.Context {
	return logctx.WithAPIData(ctx, &logctx.APIData{Path: a.Path(), UUID: a.id})
}

func samePath(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}

// pathRemainder strips the mount prefix plus surrounding slashes from
// path: pathRemainder("/player/wifi", "/player/wifi/get-status") is
// "get-status".
func pathRemainder(mount, path string) string {
	rest := strings.TrimPrefix(path, strings.TrimRight(mount, "/"))
	return strings.Trim(rest, "/")
}
