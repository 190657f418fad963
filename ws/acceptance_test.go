package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/remapi/remapi/client"
	"github.com/remapi/remapi/server"
	"github.com/remapi/remapi/transporttest"
	"github.com/remapi/remapi/ws"
)

func TestWebSocketAcceptance(t *testing.T) {
	t.Parallel()

	transporttest.RunTransportTests(t, func(t *testing.T, cm *server.ConnectionManager) (client.Transport, string) {
		handler := ws.NewHandler(cm,
			ws.WithHandlerLogger(quietLogger()),
			ws.WithCheckOrigin(func(*http.Request) bool { return true }))
		ts := httptest.NewServer(handler)
		t.Cleanup(ts.Close)
		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		transport, err := ws.Dial(ctx, wsURL, ws.WithTransportLogger(quietLogger()))
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { transport.Close() })
		return transport, wsURL
	})
}
