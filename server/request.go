package server

import (
	"fmt"

	"github.com/remapi/remapi/proto"
)

// Request is the server-side view of one inbound envelope. It is built by
// the receiving transport, consumed synchronously by the connection
// manager, and discarded once the response is complete.
type Request struct {
	Type       proto.Type
	Path       string
	Headers    map[string]string
	Body       proto.RequestBody
	Query      proto.Query
	RestMethod string

	transport Transport
	cm        *ConnectionManager
	session   *Session
}

// NewRequest normalizes an inbound envelope into a Request. The uri, when
// non-empty, overrides the envelope's path; either may carry a query
// string, which is split off and merged into the request's query
// parameters (explicit envelope parameters win over URI parameters).
//
// When the envelope names a session that is still alive, the session is
// attached and its activity timestamp refreshed. An unknown session UUID is
// not an error: the request simply proceeds sessionless, and a subsequent
// subscribe will mint a fresh session.
func (cm *ConnectionManager) NewRequest(transport Transport, uri string, env *proto.Request) (*Request, error) {
	if env == nil {
		return nil, fmt.Errorf("request envelope required")
	}
	rawPath := env.Path
	if uri != "" {
		rawPath = uri
	}

	req := &Request{
		Type:       env.Type,
		Headers:    env.Headers,
		Body:       env.Body,
		RestMethod: env.RestMethod,
		transport:  transport,
		cm:         cm,
	}
	if req.Type == "" {
		req.Type = proto.TypeCallMethod
	}

	if rawPath != "" {
		path, query, err := proto.SplitURI(rawPath)
		if err != nil {
			return nil, err
		}
		req.Path = path
		req.Query = query
	}
	if len(env.Query) > 0 {
		if req.Query == nil {
			req.Query = proto.Query{}
		}
		for key, vals := range env.Query {
			req.Query[key] = vals
		}
	}

	if uuid := req.Header(proto.HeaderSessionUUID); uuid != "" {
		if s := cm.Sessions().GetSessionByUuid(uuid); s != nil {
			s.Touch()
			req.session = s
		}
	}
	return req, nil
}

// Header returns the named header or "" when absent.
func (r *Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[name]
}

// Transport returns the transport that received this request.
func (r *Request) Transport() Transport { return r.transport }

// Session returns the session this request is part of, or nil.
func (r *Request) Session() *Session { return r.session }

// CreateSession returns the request's session, creating and registering one
// owned by the request's transport if none exists yet.
func (r *Request) CreateSession() *Session {
	if r.session != nil {
		return r.session
	}
	if uuid := r.Header(proto.HeaderSessionUUID); uuid != "" {
		if s := r.cm.Sessions().GetSessionByUuid(uuid); s != nil {
			r.session = s
			return s
		}
	}
	s := newSession(r.cm, r.transport)
	r.cm.Sessions().AddSession(s)
	r.session = s
	return s
}
