package server

import (
	"context"
	"errors"
	"testing"

	"github.com/remapi/remapi/proto"
)

func restEnv(path, verb string) *proto.Request {
	return &proto.Request{
		Type:       proto.TypeCallMethod,
		Path:       path,
		RestMethod: verb,
	}
}

func TestApi_CallMethodAtBareMountPath(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi()
	if err := cm.RegisterApi(api, "/player/wifi"); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := receive(t, cm, &pollTransport{}, &proto.Request{
		Type: proto.TypeCallMethod,
		Path: "/player/wifi",
	})
	if !errors.Is(err, ErrUnresolvedMethod) {
		t.Fatalf("expected ErrUnresolvedMethod, got %v", err)
	}
}

func TestApi_MissingMethodIsBodyError(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	if err := cm.RegisterApi(NewApi(), "/player/wifi"); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := receive(t, cm, &pollTransport{}, &proto.Request{
		Type: proto.TypeCallMethod,
		Path: "/player/wifi/noSuchMethod",
	})
	if err != nil {
		t.Fatalf("lookup miss must not be a structural failure: %v", err)
	}
	body := resp.Data[0].Body.(*proto.CallBody)
	if body.Error == "" {
		t.Fatal("expected lookup-miss error in body")
	}
}

func TestApi_MethodNameIsCamelCased(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi()
	api.Method("getStatus", func(ctx context.Context, call *MethodCall) (any, error) {
		return "up", nil
	})
	if err := cm.RegisterApi(api, "/player/wifi"); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := receive(t, cm, &pollTransport{}, &proto.Request{
		Type: proto.TypeCallMethod,
		Path: "/player/wifi/get-status",
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	body := resp.Data[0].Body.(*proto.CallBody)
	if body.Error != "" || body.MethodResult != "up" {
		t.Fatalf("camel-cased dispatch failed: %+v", body)
	}
}

func TestApi_MethodArgsArePassedPositionally(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi()
	api.Method("join", func(ctx context.Context, call *MethodCall) (any, error) {
		if len(call.Args) != 2 {
			t.Errorf("expected 2 args, got %d", len(call.Args))
		}
		return []any{call.Args[0], call.Args[1]}, nil
	})
	if err := cm.RegisterApi(api, "/util"); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := receive(t, cm, &pollTransport{}, &proto.Request{
		Type: proto.TypeCallMethod,
		Path: "/util/join",
		Body: proto.RequestBody{MethodArgs: []any{"a", "b"}},
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if body := resp.Data[0].Body.(*proto.CallBody); body.Error != "" {
		t.Fatalf("unexpected error: %s", body.Error)
	}
}

func TestApi_HandlerPanicIsCaptured(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi()
	api.Method("die", func(ctx context.Context, call *MethodCall) (any, error) {
		panic("oh no")
	})
	if err := cm.RegisterApi(api, "/volatile"); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := receive(t, cm, &pollTransport{}, &proto.Request{
		Type: proto.TypeCallMethod,
		Path: "/volatile/die",
	})
	if err != nil {
		t.Fatalf("panic must not escape the dispatcher: %v", err)
	}
	body := resp.Data[0].Body.(*proto.CallBody)
	if body.Error == "" {
		t.Fatal("expected panic converted to body error")
	}
}

func TestApi_RestDispatch(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi()
	if err := cm.RegisterApi(api, "/store"); err != nil {
		t.Fatalf("register: %v", err)
	}

	var seenID string
	if _, err := api.Rest(VerbGet, "users/{id}", func(ctx context.Context, req *RestRequest) (any, error) {
		seenID = req.Query.Get("id")
		return map[string]any{"id": seenID}, nil
	}); err != nil {
		t.Fatalf("rest register: %v", err)
	}

	resp, err := receive(t, cm, &pollTransport{}, restEnv("/store/users/42", "GET"))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	body := resp.Data[0].Body.(*proto.CallBody)
	if body.Error != "" {
		t.Fatalf("unexpected error: %s", body.Error)
	}
	if seenID != "42" {
		t.Fatalf("placeholder not merged into query, got %q", seenID)
	}

	// extra trailing segment must not match
	if _, err := receive(t, cm, &pollTransport{}, restEnv("/store/users/42/extra", "GET")); !errors.Is(err, ErrEndpointNotFound) {
		t.Fatalf("expected ErrEndpointNotFound, got %v", err)
	}

	// matching path but unsupported verb
	if _, err := receive(t, cm, &pollTransport{}, restEnv("/store/users/42", "DELETE")); !errors.Is(err, ErrMethodNotAllowed) {
		t.Fatalf("expected ErrMethodNotAllowed, got %v", err)
	}
}

func TestApi_RestPlaceholderWinsQueryCollision(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi()
	if err := cm.RegisterApi(api, "/store"); err != nil {
		t.Fatalf("register: %v", err)
	}

	var got string
	if _, err := api.Rest(VerbGet, "users/{id}", func(ctx context.Context, req *RestRequest) (any, error) {
		got = req.Query.Get("id")
		return nil, nil
	}); err != nil {
		t.Fatalf("rest register: %v", err)
	}

	env := restEnv("/store/users/42?id=fromquery", "GET")
	req, err := cm.NewRequest(&pollTransport{}, "", env)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	var resp proto.Response
	if err := cm.ReceiveMessage(context.Background(), req, &resp); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got != "42" {
		t.Fatalf("placeholder should win a name collision, got %q", got)
	}
}

func TestApi_RestUnregister(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi()
	if err := cm.RegisterApi(api, "/store"); err != nil {
		t.Fatalf("register: %v", err)
	}

	unregister, err := api.Rest(VerbGet, "users/{id}", func(ctx context.Context, req *RestRequest) (any, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("rest register: %v", err)
	}
	unregister()

	if _, err := receive(t, cm, &pollTransport{}, restEnv("/store/users/42", "GET")); !errors.Is(err, ErrMethodNotAllowed) {
		t.Fatalf("expected ErrMethodNotAllowed after unregister, got %v", err)
	}
}

func TestApi_RestLeadingRelativePrefixesIgnored(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi()
	if err := cm.RegisterApi(api, "/store"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := api.Rest(VerbGet, "../users/{id}/posts", func(ctx context.Context, req *RestRequest) (any, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("rest register: %v", err)
	}

	resp, err := receive(t, cm, &pollTransport{}, restEnv("/store/users/7/posts", "GET"))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if body := resp.Data[0].Body.(*proto.CallBody); body.MethodResult != "ok" {
		t.Fatalf("relative prefix was not stripped: %+v", body)
	}
}

func TestApi_RestDefaultHandler(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi()
	api.Method("users", func(ctx context.Context, call *MethodCall) (any, error) {
		// positional placeholder values, then the query map
		if len(call.Args) != 3 {
			t.Fatalf("expected 3 args, got %d: %#v", len(call.Args), call.Args)
		}
		if call.Args[0] != "7" || call.Args[1] != "9" {
			t.Errorf("path args wrong: %#v", call.Args)
		}
		query, ok := call.Args[2].(map[string]any)
		if !ok {
			t.Fatalf("trailing arg should be the query map, got %T", call.Args[2])
		}
		if query["verbose"] != "yes" {
			t.Errorf("query arg wrong: %#v", query)
		}
		return "listed", nil
	})
	if err := cm.RegisterApi(api, "/store"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := api.Rest(VerbGet, "users/{userId}/posts/{postId}", nil); err != nil {
		t.Fatalf("rest register: %v", err)
	}

	env := restEnv("/store/users/7/posts/9?verbose=yes", "GET")
	req, err := cm.NewRequest(&pollTransport{}, "", env)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	var resp proto.Response
	if err := cm.ReceiveMessage(context.Background(), req, &resp); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if body := resp.Data[0].Body.(*proto.CallBody); body.MethodResult != "listed" || body.Error != "" {
		t.Fatalf("default handler dispatch failed: %+v", body)
	}
}

func TestApi_PublishUndeclaredStillProceeds(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi() // no declared publications
	if err := cm.RegisterApi(api, "/clock"); err != nil {
		t.Fatalf("register: %v", err)
	}

	tr := &pollTransport{}
	sessionUUID := subscribeSession(t, cm, tr, "/clock", "tick", "c1")

	api.Publish("tick", 1)
	s := cm.Sessions().GetSessionByUuid(sessionUUID)
	if got := len(s.ConsumePublicationsQueue()); got != 1 {
		t.Fatalf("undeclared publication should still be delivered, got %d records", got)
	}
}
