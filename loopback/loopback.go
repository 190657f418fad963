// Package loopback connects a client directly to an in-process
// ConnectionManager with no serialization boundary. It supports full server
// push and is the transport of choice for embedding an API server and its
// consumers in the same process, and for tests.
package loopback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/remapi/remapi/client"
	"github.com/remapi/remapi/proto"
	"github.com/remapi/remapi/server"
)

// Option configures a Transport.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Transport is the client end of an in-process connection to cm. API uris
// are bare mount paths; there is no hostname.
type Transport struct {
	cm  *server.ConnectionManager
	log *slog.Logger

	mu sync.Mutex
	h  client.ReceiveHandler
}

// New builds a loopback transport serving requests against cm.
func New(cm *server.ConnectionManager, opts ...Option) *Transport {
	cfg := &config{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return &Transport{cm: cm, log: cfg.logger}
}

// SupportsServerPush reports true: pushed records are handed to the receive
// handler directly.
func (t *Transport) SupportsServerPush() bool { return true }

// Connect registers the receive handler.
func (t *Transport) Connect(h client.ReceiveHandler) {
	t.mu.Lock()
	t.h = h
	t.mu.Unlock()
}

// PostMessage dispatches req synchronously and delivers the resulting
// records before returning.
func (t *Transport) PostMessage(ctx context.Context, uri string, req *proto.Request) error {
	sreq, err := t.cm.NewRequest(serverEnd{t}, uri, req)
	if err != nil {
		return err
	}
	resp := &proto.Response{}
	if err := t.cm.ReceiveMessage(ctx, sreq, resp); err != nil {
		return err
	}
	t.deliver(resp.Data)
	return nil
}

func (t *Transport) deliver(records []proto.ResponseData) {
	t.mu.Lock()
	h := t.h
	t.mu.Unlock()
	if h == nil {
		t.log.Warn("loopback.deliver.unconnected", slog.Int("records", len(records)))
		return
	}
	if len(records) > 0 {
		h("", records)
	}
}

// serverEnd is the transport the ConnectionManager sees; pushes land in the
// client handler without framing.
type serverEnd struct{ t *Transport }

func (s serverEnd) SupportsServerPush() bool { return true }

func (s serverEnd) PostMessage(rec proto.ResponseData) error {
	s.t.deliver([]proto.ResponseData{rec})
	return nil
}
