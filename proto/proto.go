// Package proto defines the transport-agnostic request and response
// envelopes exchanged between remote API clients and servers.
//
// A request is one of four kinds: an RPC method call, a subscription to a
// named publication, the removal of such a subscription, or a poll whose
// only purpose is to trigger delivery of a session's queued publications
// over a transport that cannot push. A response is an ordered sequence of
// records: the direct outcome of the request followed by any publications
// that were queued on the caller's session.
//
// The envelope is plain JSON and carries no transport-specific framing;
// each transport decides how the bytes move.
package proto

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the four kinds of request.
type Type string

const (
	TypeCallMethod  Type = "callMethod"
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypePoll        Type = "poll"
)

// Valid reports whether t is one of the defined request types.
func (t Type) Valid() bool {
	switch t {
	case TypeCallMethod, TypeSubscribe, TypeUnsubscribe, TypePoll:
		return true
	}
	return false
}

// Well-known header names. Headers are matched by exact name; transports
// that have their own header notion (HTTP) carry these inside the body
// envelope instead.
const (
	HeaderSessionUUID   = "Session-Uuid"
	HeaderClientAPIUUID = "Client-Api-Uuid"
	HeaderServerAPIUUID = "Server-Api-Uuid"
	HeaderCallIndex     = "Call-Index"
	HeaderAPIPath       = "Api-Path"
)

// Response record types. A record whose type is none of these carries a
// publication and its type is the publication's event name. RecordError is
// emitted by transports that have no out-of-band failure channel (channel
// pairs, websockets) when a request fails structurally before dispatch; its
// body is a CallBody whose Error field holds the message.
const (
	RecordMethodReturn = "methodReturn"
	RecordSubscribed   = "subscribed"
	RecordUnsubscribed = "unsubscribed"
	RecordError        = "error"
)

// RequestBody is the structured payload of a request. MethodArgs is set for
// callMethod requests, EventName for subscribe/unsubscribe. Poll requests
// have an empty body.
type RequestBody struct {
	MethodArgs []any  `json:"methodArgs,omitempty"`
	EventName  string `json:"eventName,omitempty"`
}

// Request is the wire form of an inbound call. Path never includes a query
// string; transports split the query off before building the envelope.
type Request struct {
	Type       Type              `json:"type"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       RequestBody       `json:"body"`
	Query      Query             `json:"query,omitempty"`
	RestMethod string            `json:"restMethod,omitempty"`
}

// Header returns the named header or "" when absent.
func (r *Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[name]
}

// SetHeader sets a header, allocating the map on first use.
func (r *Request) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string, 4)
	}
	r.Headers[name] = value
}

// CallBody is the body of a methodReturn record. Error is the flattened
// message of a handler failure; it is mutually exclusive with MethodResult.
type CallBody struct {
	MethodResult any    `json:"methodResult,omitempty"`
	Error        string `json:"error,omitempty"`
}

// EventBody is the body of a subscribed/unsubscribed record.
type EventBody struct {
	EventName string `json:"eventName"`
}

// ResponseData is a single record in a response. Body is a *CallBody for
// method returns, an *EventBody for (un)subscribe acknowledgements, and an
// arbitrary payload for publications.
type ResponseData struct {
	Type    string            `json:"type"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// Header returns the named header or "" when absent.
func (d *ResponseData) Header(name string) string {
	if d.Headers == nil {
		return ""
	}
	return d.Headers[name]
}

// SetHeader sets a header, allocating the map on first use.
func (d *ResponseData) SetHeader(name, value string) {
	if d.Headers == nil {
		d.Headers = make(map[string]string, 4)
	}
	d.Headers[name] = value
}

// IsPublication reports whether the record carries a publication rather
// than the direct outcome of a request.
func (d *ResponseData) IsPublication() bool {
	switch d.Type {
	case RecordMethodReturn, RecordSubscribed, RecordUnsubscribed, RecordError:
		return false
	}
	return true
}

// Response accumulates the records produced while serving one request. It
// is created by the transport, populated by the dispatch layer, serialized
// once, and discarded. It is not safe for concurrent mutation; a request is
// processed to completion before its response is finalized.
type Response struct {
	Data []ResponseData `json:"data"`
}

// AddData appends a record, preserving insertion order.
func (r *Response) AddData(d ResponseData) {
	r.Data = append(r.Data, d)
}

// ParseRequest decodes a request envelope from raw bytes, defaulting the
// type to callMethod the way the original protocol does for bare bodies.
func ParseRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode request envelope: %w", err)
	}
	if req.Type == "" {
		req.Type = TypeCallMethod
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
	return &req, nil
}

// ErrorRecord builds the RecordError record answering req, echoing the
// correlation headers so the caller's rendezvous still completes.
func ErrorRecord(req *Request, err error) ResponseData {
	rec := ResponseData{Type: RecordError, Body: &CallBody{Error: err.Error()}}
	if req != nil {
		if idx := req.Header(HeaderCallIndex); idx != "" {
			rec.SetHeader(HeaderCallIndex, idx)
		}
		if uuid := req.Header(HeaderClientAPIUUID); uuid != "" {
			rec.SetHeader(HeaderClientAPIUUID, uuid)
		}
	}
	return rec
}

// DecodeBody re-marshals an arbitrary decoded value into dst. Handler
// results and publication payloads travel as generic JSON values; this is
// the supported way to project them onto a concrete type.
func DecodeBody(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("re-encode body: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
