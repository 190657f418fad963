package ws_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/remapi/remapi/client"
	"github.com/remapi/remapi/server"
	"github.com/remapi/remapi/ws"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (string, *server.Api) {
	t.Helper()

	cm := server.NewConnectionManager(server.WithLogger(quietLogger()))
	t.Cleanup(cm.Close)

	api := server.NewApi(server.WithPublications("tick"))
	api.Method("getStatus", func(ctx context.Context, call *server.MethodCall) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	if err := cm.RegisterApi(api, "/player/wifi"); err != nil {
		t.Fatalf("register: %v", err)
	}

	handler := ws.NewHandler(cm,
		ws.WithHandlerLogger(quietLogger()),
		ws.WithCheckOrigin(func(*http.Request) bool { return true }))
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http"), api
}

func dial(t *testing.T, wsURL string) *client.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	transport, err := ws.Dial(ctx, wsURL, ws.WithTransportLogger(quietLogger()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { transport.Close() })

	conn := client.NewConnection(transport, client.WithLogger(quietLogger()))
	t.Cleanup(conn.Close)
	return conn
}

func TestWebSocket_Call(t *testing.T) {
	t.Parallel()

	wsURL, _ := newTestServer(t)
	conn := dial(t, wsURL)

	wifi, err := conn.Api(wsURL + "/player/wifi")
	if err != nil {
		t.Fatalf("api: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := wifi.Call(ctx, "getStatus")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if status, ok := result.(map[string]any); !ok || status["ok"] != true {
		t.Fatalf("result: %#v", result)
	}
}

func TestWebSocket_StructuralFailureSurfaces(t *testing.T) {
	t.Parallel()

	wsURL, _ := newTestServer(t)
	conn := dial(t, wsURL)

	ghost, err := conn.Api(wsURL + "/no/such/api")
	if err != nil {
		t.Fatalf("api: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := ghost.Call(ctx, "anything"); err == nil {
		t.Fatal("expected failure")
	}
}

func TestWebSocket_PushDeliversPublications(t *testing.T) {
	t.Parallel()

	wsURL, api := newTestServer(t)
	conn := dial(t, wsURL)

	wifi, err := conn.Api(wsURL + "/player/wifi")
	if err != nil {
		t.Fatalf("api: %v", err)
	}

	var mu sync.Mutex
	var got []any
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	unsub, err := wifi.Subscribe(ctx, "tick", func(payload any) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	api.Publish("tick", map[string]any{"seq": 1})
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("publication never pushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
