package server

import (
	"context"
	"testing"

	"github.com/remapi/remapi/proto"
)

type scanArgs struct {
	Channel int  `json:"channel"`
	Active  bool `json:"active,omitempty"`
}

func TestTypedMethod_DecodesSingleObjectArg(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi()
	TypedMethod(api, "scan", func(ctx context.Context, call *MethodCall, args scanArgs) (any, error) {
		return args.Channel * 2, nil
	})
	if err := cm.RegisterApi(api, "/player/wifi"); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := receive(t, cm, &pollTransport{}, &proto.Request{
		Type: proto.TypeCallMethod,
		Path: "/player/wifi/scan",
		Body: proto.RequestBody{MethodArgs: []any{map[string]any{"channel": 6}}},
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	body := resp.Data[0].Body.(*proto.CallBody)
	if body.Error != "" {
		t.Fatalf("unexpected error: %s", body.Error)
	}
	if body.MethodResult != 12 {
		t.Fatalf("method result: %#v", body.MethodResult)
	}
}

func TestTypedMethod_StrictDecodingRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi()
	TypedMethod(api, "scan", func(ctx context.Context, call *MethodCall, args scanArgs) (any, error) {
		return nil, nil
	})
	if err := cm.RegisterApi(api, "/player/wifi"); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := receive(t, cm, &pollTransport{}, &proto.Request{
		Type: proto.TypeCallMethod,
		Path: "/player/wifi/scan",
		Body: proto.RequestBody{MethodArgs: []any{map[string]any{"chanel": 6}}},
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if body := resp.Data[0].Body.(*proto.CallBody); body.Error == "" {
		t.Fatal("expected decode failure in body error")
	}
}

func TestDescribe_ListsMethodsAndPublications(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	api := NewApi(WithPublications("statusChanged"))
	api.Method("getStatus", func(ctx context.Context, call *MethodCall) (any, error) { return nil, nil })
	TypedMethod(api, "scan", func(ctx context.Context, call *MethodCall, args scanArgs) (any, error) {
		return nil, nil
	}, WithDescription("scan wifi channels"))
	if err := cm.RegisterApi(api, "/player/wifi"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := api.Rest(VerbGet, "networks/{ssid}", func(ctx context.Context, req *RestRequest) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("rest: %v", err)
	}

	d := api.Describe()
	if d.Path != "/player/wifi" {
		t.Errorf("path: %q", d.Path)
	}
	if len(d.Methods) != 2 || d.Methods[0].Name != "getStatus" || d.Methods[1].Name != "scan" {
		t.Fatalf("methods: %#v", d.Methods)
	}
	if d.Methods[1].ArgsSchema == nil {
		t.Error("typed method should carry an args schema")
	}
	if d.Methods[1].Description != "scan wifi channels" {
		t.Errorf("description: %q", d.Methods[1].Description)
	}
	if len(d.Publications) != 1 || d.Publications[0] != "statusChanged" {
		t.Errorf("publications: %#v", d.Publications)
	}
	if len(d.Endpoints) != 1 || d.Endpoints[0] != "networks/{ssid}" {
		t.Errorf("endpoints: %#v", d.Endpoints)
	}
}

func TestIntrospectionApi(t *testing.T) {
	t.Parallel()

	cm := newTestManager(t)
	wifi := NewApi()
	wifi.Method("getStatus", func(ctx context.Context, call *MethodCall) (any, error) { return nil, nil })
	if err := cm.RegisterApi(wifi, "/player/wifi"); err != nil {
		t.Fatalf("register wifi: %v", err)
	}
	if err := cm.RegisterApi(NewIntrospectionApi(cm), "/meta"); err != nil {
		t.Fatalf("register meta: %v", err)
	}

	resp, err := receive(t, cm, &pollTransport{}, &proto.Request{
		Type: proto.TypeCallMethod,
		Path: "/meta/describe",
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	body := resp.Data[0].Body.(*proto.CallBody)
	if body.Error != "" {
		t.Fatalf("describe failed: %s", body.Error)
	}
	descriptors, ok := body.MethodResult.([]ApiDescriptor)
	if !ok {
		t.Fatalf("result type %T", body.MethodResult)
	}
	if len(descriptors) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(descriptors))
	}
}
