package pollinghttp_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/remapi/remapi/client"
	"github.com/remapi/remapi/pollinghttp"
	"github.com/remapi/remapi/proto"
	"github.com/remapi/remapi/server"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*httptest.Server, *server.Api) {
	t.Helper()

	cm := server.NewConnectionManager(server.WithLogger(quietLogger()))
	t.Cleanup(cm.Close)

	api := server.NewApi(server.WithPublications("statusChanged"))
	api.Method("getStatus", func(ctx context.Context, call *server.MethodCall) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	if _, err := api.Rest(server.VerbGet, "networks/{ssid}", func(ctx context.Context, req *server.RestRequest) (any, error) {
		return map[string]any{"ssid": req.PathParams["ssid"], "signal": req.Query.Get("signal")}, nil
	}); err != nil {
		t.Fatalf("rest: %v", err)
	}
	if err := cm.RegisterApi(api, "/player/wifi"); err != nil {
		t.Fatalf("register: %v", err)
	}

	ts := httptest.NewServer(pollinghttp.NewHandler(cm, pollinghttp.WithHandlerLogger(quietLogger())))
	t.Cleanup(ts.Close)
	return ts, api
}

func postEnvelope(t *testing.T, url string, env *proto.Request) (*http.Response, *proto.Response) {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	httpResp, err := http.Post(url, "application/json", strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { httpResp.Body.Close() })
	if httpResp.StatusCode != http.StatusOK {
		return httpResp, nil
	}
	var resp proto.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return httpResp, &resp
}

func TestHandler_MethodCall(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	httpResp, resp := postEnvelope(t, ts.URL+"/player/wifi/getStatus", &proto.Request{Type: proto.TypeCallMethod})
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", httpResp.StatusCode)
	}
	if len(resp.Data) != 1 || resp.Data[0].Type != proto.RecordMethodReturn {
		t.Fatalf("records: %#v", resp.Data)
	}
	var body proto.CallBody
	if err := proto.DecodeBody(resp.Data[0].Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	result, ok := body.MethodResult.(map[string]any)
	if !ok || result["ok"] != true {
		t.Fatalf("result: %#v", body.MethodResult)
	}
}

func TestHandler_BareRestGet(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	httpResp, err := http.Get(ts.URL + "/player/wifi/networks/home?signal=weak")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", httpResp.StatusCode)
	}
	var resp proto.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var body proto.CallBody
	if err := proto.DecodeBody(resp.Data[0].Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	result := body.MethodResult.(map[string]any)
	if result["ssid"] != "home" || result["signal"] != "weak" {
		t.Fatalf("result: %#v", result)
	}
}

func TestHandler_ErrorStatusCodes(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)

	httpResp, _ := postEnvelope(t, ts.URL+"/no/such/api", &proto.Request{Type: proto.TypeCallMethod})
	if httpResp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown api: status %d", httpResp.StatusCode)
	}

	httpResp, err := http.Post(ts.URL+"/player/wifi/networks/home", "application/json",
		strings.NewReader(`{"type":"callMethod"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("wrong verb: status %d", httpResp.StatusCode)
	}
}

func TestHandler_RejectsNonJSONBody(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	httpResp, err := http.Post(ts.URL+"/player/wifi/getStatus", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", httpResp.StatusCode)
	}
}

func TestTransport_EndToEndWithPolling(t *testing.T) {
	t.Parallel()

	ts, api := newTestServer(t)

	transport := pollinghttp.NewTransport(pollinghttp.Config{RequestTimeout: 5 * time.Second},
		pollinghttp.WithTransportLogger(quietLogger()))
	conn := client.NewConnection(transport,
		client.WithLogger(quietLogger()),
		client.WithPollInterval(20*time.Millisecond))
	defer conn.Close()

	wifi, err := conn.Api(ts.URL + "/player/wifi")
	if err != nil {
		t.Fatalf("api: %v", err)
	}

	result, err := wifi.Call(context.Background(), "getStatus")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if status, ok := result.(map[string]any); !ok || status["ok"] != true {
		t.Fatalf("result: %#v", result)
	}

	var mu sync.Mutex
	var got []any
	unsub, err := wifi.Subscribe(context.Background(), "statusChanged", func(payload any) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if conn.SessionUUID(ts.URL) == "" {
		t.Fatal("subscribe should have established a session")
	}

	api.Publish("statusChanged", map[string]any{"online": true})
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("publication never polled through")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
