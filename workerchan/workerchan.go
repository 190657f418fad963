// Package workerchan moves the request/response envelope over a pair of Go
// channels carrying JSON frames. The two ends may live in different
// goroutines of one process; the serialization boundary keeps the semantics
// identical to an out-of-process transport, and the server end can push.
package workerchan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/remapi/remapi/client"
	"github.com/remapi/remapi/proto"
	"github.com/remapi/remapi/server"
)

// frame is the single message shape both directions use: client-to-server
// frames carry a request, server-to-client frames carry records.
type frame struct {
	URI     string               `json:"uri,omitempty"`
	Request *proto.Request       `json:"request,omitempty"`
	Records []proto.ResponseData `json:"records,omitempty"`
}

// Option configures either end.
type Option func(*config)

type config struct {
	logger  *slog.Logger
	bufSize int
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBufferSize sets the channel buffer used by Pipe. Defaults to 16.
func WithBufferSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.bufSize = n
		}
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{logger: slog.Default(), bufSize: 16}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// Pipe wires a client transport to cm over a fresh channel pair and starts
// the server loop. The returned stop function shuts both ends down; it is
// idempotent.
func Pipe(cm *server.ConnectionManager, opts ...Option) (*Transport, func()) {
	cfg := newConfig(opts)
	toServer := make(chan []byte, cfg.bufSize)
	toClient := make(chan []byte, cfg.bufSize)

	ctx, cancel := context.WithCancel(context.Background())
	go Serve(ctx, cm, toServer, toClient, opts...)

	t := newTransport(toServer, toClient, cfg)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			t.close()
		})
	}
	return t, stop
}

// Serve runs the server end: it decodes request frames from in, dispatches
// them against cm, and writes response frames to out. Pushed publications
// travel through out as well. Serve returns when in closes or ctx is done.
func Serve(ctx context.Context, cm *server.ConnectionManager, in <-chan []byte, out chan<- []byte, opts ...Option) {
	cfg := newConfig(opts)
	end := &serverEnd{out: out, log: cfg.logger}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			end.handle(ctx, cm, raw)
		}
	}
}

type serverEnd struct {
	log *slog.Logger

	mu  sync.Mutex
	out chan<- []byte
}

func (e *serverEnd) handle(ctx context.Context, cm *server.ConnectionManager, raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		e.log.Warn("workerchan.frame.decode_fail", slog.String("err", err.Error()))
		return
	}
	if f.Request == nil {
		e.log.Warn("workerchan.frame.no_request")
		return
	}

	req, err := cm.NewRequest(e, f.URI, f.Request)
	if err != nil {
		e.send(frame{Records: []proto.ResponseData{proto.ErrorRecord(f.Request, err)}})
		return
	}
	resp := &proto.Response{}
	if err := cm.ReceiveMessage(ctx, req, resp); err != nil {
		e.send(frame{Records: []proto.ResponseData{proto.ErrorRecord(f.Request, err)}})
		return
	}
	if len(resp.Data) > 0 {
		e.send(frame{Records: resp.Data})
	}
}

func (e *serverEnd) send(f frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		e.log.Error("workerchan.frame.encode_fail", slog.String("err", err.Error()))
		return
	}
	defer func() {
		// The peer channel closes when the client stops; a send racing that
		// close must not take the server loop down with it.
		if recover() != nil {
			e.log.Debug("workerchan.send.closed")
		}
	}()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out <- raw
}

func (e *serverEnd) SupportsServerPush() bool { return true }

func (e *serverEnd) PostMessage(rec proto.ResponseData) error {
	e.send(frame{Records: []proto.ResponseData{rec}})
	return nil
}

// Transport is the client end of a channel pair. API uris are bare mount
// paths; there is no hostname.
type Transport struct {
	out chan<- []byte
	in  <-chan []byte
	log *slog.Logger

	mu     sync.Mutex
	h      client.ReceiveHandler
	closed bool
	done   chan struct{}
}

func newTransport(out chan<- []byte, in <-chan []byte, cfg *config) *Transport {
	return &Transport{out: out, in: in, log: cfg.logger, done: make(chan struct{})}
}

// NewTransport builds the client end over an existing channel pair whose
// other end is being served by Serve.
func NewTransport(out chan<- []byte, in <-chan []byte, opts ...Option) *Transport {
	return newTransport(out, in, newConfig(opts))
}

// SupportsServerPush reports true: the server end writes pushed records to
// the inbound channel at any time.
func (t *Transport) SupportsServerPush() bool { return true }

// Connect registers the receive handler and starts the read loop.
func (t *Transport) Connect(h client.ReceiveHandler) {
	t.mu.Lock()
	t.h = h
	t.mu.Unlock()
	go t.readLoop()
}

// PostMessage encodes req into a frame and queues it for the server loop.
func (t *Transport) PostMessage(ctx context.Context, uri string, req *proto.Request) error {
	raw, err := json.Marshal(frame{URI: uri, Request: req})
	if err != nil {
		return fmt.Errorf("encode request frame: %w", err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	select {
	case t.out <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return fmt.Errorf("transport closed")
	}
}

func (t *Transport) readLoop() {
	for {
		select {
		case <-t.done:
			return
		case raw, ok := <-t.in:
			if !ok {
				return
			}
			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.log.Warn("workerchan.frame.decode_fail", slog.String("err", err.Error()))
				continue
			}
			t.mu.Lock()
			h := t.h
			t.mu.Unlock()
			if h != nil && len(f.Records) > 0 {
				h("", f.Records)
			}
		}
	}
}

func (t *Transport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.done)
}
