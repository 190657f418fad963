package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remapi/remapi/proto"
)

type subscriptionKey struct {
	api   *Api
	event string
}

// Session correlates one client's subscriptions and queued publications
// across requests. A session belongs to exactly one transport: the one
// through which it was created. Sessions are minted on first subscribe (or
// explicit creation), kept alive by activity, and reaped by the registry's
// idle sweep.
type Session struct {
	uuid string
	cm   *ConnectionManager

	mu           sync.Mutex
	transport    Transport
	lastActivity time.Time
	subs         map[subscriptionKey]string // -> client api uuid
	queue        []proto.ResponseData
}

func newSession(cm *ConnectionManager, transport Transport) *Session {
	return &Session{
		uuid:         uuid.NewString(),
		cm:           cm,
		transport:    transport,
		lastActivity: time.Now(),
		subs:         make(map[subscriptionKey]string),
	}
}

// UUID returns the session's identifier, as carried in Session-Uuid headers.
func (s *Session) UUID() string { return s.uuid }

// Transport returns the transport that owns this session.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent request on this session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// AddSubscription subscribes the session to (api, eventName). The operation
// is idempotent; re-subscribing refreshes the recorded client API uuid,
// which disambiguates multiple logical client APIs sharing one session.
func (s *Session) AddSubscription(api *Api, clientAPIUUID, eventName string) {
	s.mu.Lock()
	s.subs[subscriptionKey{api: api, event: eventName}] = clientAPIUUID
	s.mu.Unlock()
}

// RemoveSubscription drops the (api, eventName) subscription if present.
func (s *Session) RemoveSubscription(api *Api, clientAPIUUID, eventName string) {
	s.mu.Lock()
	delete(s.subs, subscriptionKey{api: api, event: eventName})
	s.mu.Unlock()
}

// SubscriptionCount returns the number of live subscriptions.
func (s *Session) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Publish enqueues one publication record for this session if — and only
// if — the session is subscribed to (api, eventName). When the owning
// transport supports push the queue is flushed asynchronously; otherwise
// the record waits for the client's next request or poll.
func (s *Session) Publish(api *Api, eventName string, data any) {
	s.mu.Lock()
	clientAPIUUID, ok := s.subs[subscriptionKey{api: api, event: eventName}]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec := proto.ResponseData{
		Type: eventName,
		Headers: map[string]string{
			proto.HeaderSessionUUID:   s.uuid,
			proto.HeaderClientAPIUUID: clientAPIUUID,
			proto.HeaderAPIPath:       api.Path(),
		},
		Body: data,
	}
	s.queue = append(s.queue, rec)
	push := s.transport != nil && s.transport.SupportsServerPush()
	s.mu.Unlock()

	if push {
		// Fire and forget; delivery errors are logged by the manager and
		// never reach the publisher.
		go s.cm.FlushPublicationsQueue(s)
	}
}

// ConsumePublicationsQueue atomically drains and returns the queue in
// enqueue order. Safe to call concurrently from the request path and the
// push trigger; each record is returned exactly once.
func (s *Session) ConsumePublicationsQueue() []proto.ResponseData {
	s.mu.Lock()
	q := s.queue
	s.queue = nil
	s.mu.Unlock()
	return q
}
