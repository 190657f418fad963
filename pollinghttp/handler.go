// Package pollinghttp binds the protocol to plain HTTP. Requests are posted
// as JSON envelopes (or bare RESTful calls) and the response envelope comes
// back in the HTTP body. HTTP cannot push, so subscribed clients run the
// connection's poll loop; every poll response carries the session's queued
// publications.
package pollinghttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"

	"github.com/remapi/remapi/proto"
	"github.com/remapi/remapi/server"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

// HandlerOption configures a Handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	logger *slog.Logger
}

// WithHandlerLogger sets the slog logger. Defaults to slog.Default().
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(c *handlerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Handler serves the protocol over HTTP. Mount it at the root that the API
// mount paths are relative to; it routes by request path, so a single
// Handler fronts every API registered on cm.
type Handler struct {
	cm  *server.ConnectionManager
	log *slog.Logger
}

// NewHandler builds an http.Handler dispatching against cm.
func NewHandler(cm *server.ConnectionManager, opts ...HandlerOption) *Handler {
	cfg := &handlerConfig{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return &Handler{cm: cm, log: cfg.logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "response is application/json")
		return
	}

	env, err := h.decodeEnvelope(r)
	if err != nil {
		h.log.Warn("http.envelope.decode_fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	env.RestMethod = r.Method

	// Protocol headers may ride on the HTTP request; the envelope wins.
	for _, name := range []string{proto.HeaderSessionUUID, proto.HeaderClientAPIUUID, proto.HeaderCallIndex} {
		if env.Header(name) == "" {
			if v := r.Header.Get(name); v != "" {
				env.SetHeader(name, v)
			}
		}
	}

	req, err := h.cm.NewRequest(server.NoPush{}, r.URL.RequestURI(), env)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := &proto.Response{}
	if err := h.cm.ReceiveMessage(r.Context(), req, resp); err != nil {
		writeJSONError(w, statusForError(err), err.Error())
		return
	}
	if resp.Data == nil {
		resp.Data = []proto.ResponseData{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warn("http.response.encode_fail", slog.String("err", err.Error()))
	}
}

// decodeEnvelope reads the request envelope from the body. A bodiless
// request (a RESTful GET, say) yields an empty callMethod envelope; a body
// must be application/json.
func (h *Handler) decodeEnvelope(r *http.Request) (*proto.Request, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(raw) == 0 {
		return &proto.Request{Type: proto.TypeCallMethod}, nil
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		return nil, errors.New("content-type must be application/json")
	}
	return proto.ParseRequest(raw)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, server.ErrApiNotFound), errors.Is(err, server.ErrEndpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, server.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, server.ErrUnresolvedMethod):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
