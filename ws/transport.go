package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remapi/remapi/client"
	"github.com/remapi/remapi/proto"
)

// TransportOption configures a client Transport.
type TransportOption func(*transportConfig)

type transportConfig struct {
	logger       *slog.Logger
	writeTimeout time.Duration
}

// WithTransportLogger sets the slog logger. Defaults to slog.Default().
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(c *transportConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTransportWriteTimeout bounds each outbound frame write.
func WithTransportWriteTimeout(d time.Duration) TransportOption {
	return func(c *transportConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// Transport is the client side of the WebSocket binding: one dialed
// connection to one server, full push support. Records received on the
// socket are attributed to the dialed host, so API uris must use the
// dialed "ws://host:port/mount/path" form.
type Transport struct {
	conn         *websocket.Conn
	hostname     string
	log          *slog.Logger
	writeTimeout time.Duration

	mu     sync.Mutex
	h      client.ReceiveHandler
	closed bool
}

// Dial connects to a ws:// or wss:// endpoint served by Handler.
func Dial(ctx context.Context, rawURL string, opts ...TransportOption) (*Transport, error) {
	cfg := &transportConfig{logger: slog.Default(), writeTimeout: defaultWriteTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url %q: %w", rawURL, err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return &Transport{
		conn:         conn,
		hostname:     u.Scheme + "://" + u.Host,
		log:          cfg.logger,
		writeTimeout: cfg.writeTimeout,
	}, nil
}

// SupportsServerPush reports true.
func (t *Transport) SupportsServerPush() bool { return true }

// Connect registers the receive handler and starts the read loop.
func (t *Transport) Connect(h client.ReceiveHandler) {
	t.mu.Lock()
	t.h = h
	t.mu.Unlock()
	go t.readLoop()
}

// PostMessage sends one request frame over the socket.
func (t *Transport) PostMessage(ctx context.Context, uri string, req *proto.Request) error {
	raw, err := json.Marshal(frame{URI: uri, Request: req})
	if err != nil {
		return fmt.Errorf("encode request frame: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("websocket transport closed")
	}
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write request frame: %w", err)
	}
	return nil
}

// Close tears the connection down; the read loop exits.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *Transport) readLoop() {
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				t.log.Warn("ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.log.Warn("ws.frame.decode_fail", slog.String("err", err.Error()))
			continue
		}
		t.mu.Lock()
		h := t.h
		t.mu.Unlock()
		if h == nil || len(f.Records) == 0 {
			continue
		}
		h(t.hostname, f.Records)
	}
}
