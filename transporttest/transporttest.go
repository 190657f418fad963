// Package transporttest provides a reusable acceptance suite that any
// client transport implementation must pass. Transport packages run it
// against a live server to prove the protocol semantics survive their
// particular delivery mechanism.
package transporttest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/remapi/remapi/client"
	"github.com/remapi/remapi/server"
)

// Factory builds a connected client transport served by cm, returning the
// transport and the hostname prefix API uris must carry ("" for in-process
// transports).
type Factory func(t *testing.T, cm *server.ConnectionManager) (transport client.Transport, hostname string)

// RunTransportTests runs the complete transport acceptance suite against
// the provided factory.
func RunTransportTests(t *testing.T, factory Factory) {
	t.Run("MethodCallRoundTrip", func(t *testing.T) {
		testMethodCallRoundTrip(t, factory)
	})
	t.Run("HandlerErrorStaysInBody", func(t *testing.T) {
		testHandlerErrorStaysInBody(t, factory)
	})
	t.Run("UnknownApiFails", func(t *testing.T) {
		testUnknownApiFails(t, factory)
	})
	t.Run("SubscribeEstablishesSession", func(t *testing.T) {
		testSubscribeEstablishesSession(t, factory)
	})
	t.Run("PublicationDelivery", func(t *testing.T) {
		testPublicationDelivery(t, factory)
	})
	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		testUnsubscribeStopsDelivery(t, factory)
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	cm       *server.ConnectionManager
	api      *server.Api
	conn     *client.Connection
	hostname string
}

func newFixture(t *testing.T, factory Factory) *fixture {
	t.Helper()

	cm := server.NewConnectionManager(server.WithLogger(quietLogger()))
	t.Cleanup(cm.Close)

	api := server.NewApi(server.WithPublications("changed"))
	api.Method("getStatus", func(ctx context.Context, call *server.MethodCall) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	api.Method("fail", func(ctx context.Context, call *server.MethodCall) (any, error) {
		return nil, errors.New("boom")
	})
	if err := cm.RegisterApi(api, "/acceptance/device"); err != nil {
		t.Fatalf("register: %v", err)
	}

	transport, hostname := factory(t, cm)
	conn := client.NewConnection(transport,
		client.WithLogger(quietLogger()),
		client.WithPollInterval(20*time.Millisecond))
	t.Cleanup(conn.Close)

	return &fixture{cm: cm, api: api, conn: conn, hostname: hostname}
}

func (f *fixture) deviceApi(t *testing.T) *client.Api {
	t.Helper()
	api, err := f.conn.Api(f.hostname + "/acceptance/device")
	if err != nil {
		t.Fatalf("api: %v", err)
	}
	return api
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recorder struct {
	mu       sync.Mutex
	payloads []any
}

func (r *recorder) record(payload any) {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func testMethodCallRoundTrip(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	device := f.deviceApi(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := device.Call(ctx, "getStatus")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	status, ok := result.(map[string]any)
	if !ok || status["ok"] != true {
		t.Fatalf("result: %#v", result)
	}
}

func testHandlerErrorStaysInBody(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	device := f.deviceApi(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := device.Call(ctx, "fail")
	var remote *client.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Message != "boom" {
		t.Errorf("message: %q", remote.Message)
	}
}

func testUnknownApiFails(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	ghost, err := f.conn.Api(f.hostname + "/acceptance/missing")
	if err != nil {
		t.Fatalf("api: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := ghost.Call(ctx, "anything"); err == nil {
		t.Fatal("expected failure")
	}
}

func testSubscribeEstablishesSession(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	device := f.deviceApi(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	unsub, err := device.Subscribe(ctx, "changed", func(any) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	sid := f.conn.SessionUUID(f.hostname)
	if sid == "" {
		t.Fatal("no session uuid recorded")
	}
	if f.cm.Sessions().GetSessionByUuid(sid) == nil {
		t.Fatal("server does not know the recorded session")
	}
}

func testPublicationDelivery(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	device := f.deviceApi(t)

	rec := &recorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	unsub, err := device.Subscribe(ctx, "changed", rec.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	f.api.Publish("changed", map[string]any{"value": 1})
	waitFor(t, "publication", func() bool { return rec.count() == 1 })
}

func testUnsubscribeStopsDelivery(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	device := f.deviceApi(t)

	rec := &recorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	unsub, err := device.Subscribe(ctx, "changed", rec.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	f.api.Publish("changed", "first")
	waitFor(t, "first publication", func() bool { return rec.count() == 1 })

	unsub()
	sid := f.conn.SessionUUID(f.hostname)
	sess := f.cm.Sessions().GetSessionByUuid(sid)
	if sess == nil {
		t.Fatal("session disappeared")
	}
	waitFor(t, "server-side unsubscription", func() bool { return sess.SubscriptionCount() == 0 })

	f.api.Publish("changed", "second")
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("publication after unsubscribe: %d", rec.count())
	}
}
