package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remapi/remapi/proto"
	"github.com/remapi/remapi/server"
)

// HandlerOption configures a Handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	logger       *slog.Logger
	writeTimeout time.Duration
	checkOrigin  func(*http.Request) bool
}

// WithHandlerLogger sets the slog logger. Defaults to slog.Default().
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(c *handlerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithWriteTimeout bounds each outbound frame write.
func WithWriteTimeout(d time.Duration) HandlerOption {
	return func(c *handlerConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) HandlerOption {
	return func(c *handlerConfig) { c.checkOrigin = fn }
}

// Handler upgrades HTTP requests to WebSocket connections and serves the
// protocol over them. Each connection is its own push-capable transport;
// sessions created through it receive publications as they are published.
type Handler struct {
	cm           *server.ConnectionManager
	log          *slog.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

// NewHandler builds an http.Handler serving the protocol over WebSockets
// against cm.
func NewHandler(cm *server.ConnectionManager, opts ...HandlerOption) *Handler {
	cfg := &handlerConfig{logger: slog.Default(), writeTimeout: defaultWriteTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return &Handler{
		cm:           cm,
		log:          cfg.logger,
		upgrader:     websocket.Upgrader{CheckOrigin: cfg.checkOrigin},
		writeTimeout: cfg.writeTimeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	ct := &connTransport{conn: conn, log: h.log, writeTimeout: h.writeTimeout}
	defer conn.Close()
	h.readLoop(r.Context(), ct)
}

func (h *Handler) readLoop(ctx context.Context, ct *connTransport) {
	for {
		_, raw, err := ct.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				h.log.Error("ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			h.log.Warn("ws.frame.decode_fail", slog.String("err", err.Error()))
			continue
		}
		if f.Request == nil {
			h.log.Warn("ws.frame.no_request")
			continue
		}

		req, err := h.cm.NewRequest(ct, f.URI, f.Request)
		if err != nil {
			ct.writeRecords([]proto.ResponseData{proto.ErrorRecord(f.Request, err)})
			continue
		}
		resp := &proto.Response{}
		if err := h.cm.ReceiveMessage(ctx, req, resp); err != nil {
			ct.writeRecords([]proto.ResponseData{proto.ErrorRecord(f.Request, err)})
			continue
		}
		if len(resp.Data) > 0 {
			ct.writeRecords(resp.Data)
		}
	}
}

// connTransport is the server transport for one upgraded connection. Writes
// are serialized under a mutex; gorilla connections allow one concurrent
// writer only.
type connTransport struct {
	conn         *websocket.Conn
	log          *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func (ct *connTransport) SupportsServerPush() bool { return true }

func (ct *connTransport) PostMessage(rec proto.ResponseData) error {
	return ct.writeRecords([]proto.ResponseData{rec})
}

func (ct *connTransport) writeRecords(records []proto.ResponseData) error {
	raw, err := json.Marshal(frame{Records: records})
	if err != nil {
		ct.log.Error("ws.frame.encode_fail", slog.String("err", err.Error()))
		return err
	}
	ct.writeMu.Lock()
	defer ct.writeMu.Unlock()
	ct.conn.SetWriteDeadline(time.Now().Add(ct.writeTimeout))
	if err := ct.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		ct.log.Warn("ws.write.fail", slog.String("err", err.Error()))
		return err
	}
	return nil
}
