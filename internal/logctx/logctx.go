// Package logctx decorates slog records with request and session context so
// that every log line emitted while serving a call carries the same
// correlation attributes regardless of which layer produced it.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("type", rd.Type),
			slog.String("path", rd.Path),
			slog.String("rest_method", rd.RestMethod),
			slog.String("call_index", rd.CallIndex),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionUUID),
			slog.String("client_api", sd.ClientAPIUUID),
		))
	}

	if ad, ok := ctx.Value(apiDataKey{}).(*APIData); ok {
		r.AddAttrs(slog.Group("api",
			slog.String("path", ad.Path),
			slog.String("id", ad.UUID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	Type       string
	Path       string
	RestMethod string
	CallIndex  string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionUUID   string
	ClientAPIUUID string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type apiDataKey struct{}

type APIData struct {
	Path string
	UUID string
}

func WithAPIData(ctx context.Context, data *APIData) context.Context {
	return context.WithValue(ctx, apiDataKey{}, data)
}
