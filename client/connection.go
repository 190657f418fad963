package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remapi/remapi/proto"
)

// ErrConnectionClosed indicates the connection was closed while a call was
// pending or before it was issued.
var ErrConnectionClosed = errors.New("connection closed")

const defaultPollInterval = 1 * time.Second

// Option configures a Connection.
type Option func(*connConfig)

type connConfig struct {
	logger       *slog.Logger
	pollInterval time.Duration
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *connConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPollInterval sets how often the poll loop runs on transports without
// server push. It has no effect on push-capable transports.
func WithPollInterval(d time.Duration) Option {
	return func(c *connConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

type pendingCall struct {
	respCh chan proto.ResponseData
	errCh  chan error
}

type apiKey struct {
	hostname string
	path     string
}

// Connection multiplexes API proxies over one client transport. It
// correlates responses with calls via the Call-Index header, records the
// session uuid each server assigns, routes pushed publications to the
// subscribing proxy, and polls subscribed servers when the transport cannot
// receive push.
type Connection struct {
	transport Transport
	log       *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingCall // call index -> rendezvous
	sessions map[string]string       // hostname -> session uuid
	hostRefs map[string]int          // hostname -> live wire subscriptions
	apis     map[apiKey][]*Api

	nextCallIndex atomic.Uint64

	closed   atomic.Bool
	closeErr error
	done     chan struct{}
}

// NewConnection wraps transport. If the transport cannot receive server
// push, a poll loop starts immediately; Close stops it.
func NewConnection(transport Transport, opts ...Option) *Connection {
	cfg := &connConfig{logger: slog.Default(), pollInterval: defaultPollInterval}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	c := &Connection{
		transport: transport,
		log:       cfg.logger,
		pending:   make(map[string]*pendingCall),
		sessions:  make(map[string]string),
		hostRefs:  make(map[string]int),
		apis:      make(map[apiKey][]*Api),
		done:      make(chan struct{}),
	}
	transport.Connect(c.onReceive)
	if !transport.SupportsServerPush() {
		go c.pollLoop(cfg.pollInterval)
	}
	return c
}

// Close stops the poll loop and fails every pending call with
// ErrConnectionClosed. The transport itself is not closed; the caller owns
// its lifetime.
func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.closeErr = ErrConnectionClosed
	close(c.done)

	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, pc := range c.pending {
		delete(c.pending, idx)
		pc.errCh <- ErrConnectionClosed
	}
}

// SessionUUID returns the session uuid the server at hostname has assigned,
// or "" when no exchange has established one yet.
func (c *Connection) SessionUUID(hostname string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[hostname]
}

// roundTrip issues one request and waits for its direct response record.
func (c *Connection) roundTrip(ctx context.Context, hostname, uri string, req *proto.Request) (proto.ResponseData, error) {
	if c.closed.Load() {
		return proto.ResponseData{}, ErrConnectionClosed
	}

	idx := strconv.FormatUint(c.nextCallIndex.Add(1), 10)
	req.SetHeader(proto.HeaderCallIndex, idx)

	pc := &pendingCall{
		respCh: make(chan proto.ResponseData, 1),
		errCh:  make(chan error, 1),
	}
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return proto.ResponseData{}, ErrConnectionClosed
	}
	if sid := c.sessions[hostname]; sid != "" {
		req.SetHeader(proto.HeaderSessionUUID, sid)
	}
	c.pending[idx] = pc
	c.mu.Unlock()

	if err := c.transport.PostMessage(ctx, uri, req); err != nil {
		c.mu.Lock()
		delete(c.pending, idx)
		c.mu.Unlock()
		return proto.ResponseData{}, fmt.Errorf("post request: %w", err)
	}

	select {
	case rec := <-pc.respCh:
		if rec.Type == proto.RecordError {
			var body proto.CallBody
			if err := proto.DecodeBody(rec.Body, &body); err != nil {
				return proto.ResponseData{}, err
			}
			return proto.ResponseData{}, fmt.Errorf("request rejected: %s", body.Error)
		}
		return rec, nil
	case err := <-pc.errCh:
		return proto.ResponseData{}, err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, idx)
		c.mu.Unlock()
		return proto.ResponseData{}, ctx.Err()
	}
}

// onReceive is the transport's receive handler. Direct response records
// rendezvous with the call that issued them; publication records are routed
// to the proxy whose subscription produced them.
func (c *Connection) onReceive(hostname string, records []proto.ResponseData) {
	for _, rec := range records {
		if sid := rec.Header(proto.HeaderSessionUUID); sid != "" {
			c.mu.Lock()
			c.sessions[hostname] = sid
			c.mu.Unlock()
		}

		if rec.IsPublication() {
			c.dispatchPublication(hostname, rec)
			continue
		}

		idx := rec.Header(proto.HeaderCallIndex)
		c.mu.Lock()
		pc, ok := c.pending[idx]
		if ok {
			delete(c.pending, idx)
		}
		c.mu.Unlock()
		if ok {
			pc.respCh <- rec
		} else {
			c.log.Debug("response.unmatched",
				slog.String("type", rec.Type),
				slog.String("call_index", idx))
		}
	}
}

func (c *Connection) dispatchPublication(hostname string, rec proto.ResponseData) {
	path := rec.Header(proto.HeaderAPIPath)
	clientAPIUUID := rec.Header(proto.HeaderClientAPIUUID)

	c.mu.Lock()
	proxies := append([]*Api(nil), c.apis[apiKey{hostname: hostname, path: path}]...)
	c.mu.Unlock()

	for _, a := range proxies {
		if clientAPIUUID != "" && a.uuid != clientAPIUUID {
			continue
		}
		a.dispatch(rec)
		return
	}
	c.log.Debug("publication.drop",
		slog.String("event", rec.Type),
		slog.String("path", path))
}

func (c *Connection) registerApi(a *Api) {
	key := apiKey{hostname: a.hostname, path: a.path}
	c.mu.Lock()
	c.apis[key] = append(c.apis[key], a)
	c.mu.Unlock()
}

func (c *Connection) unregisterApi(a *Api) {
	key := apiKey{hostname: a.hostname, path: a.path}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.apis[key]
	for i, other := range list {
		if other == a {
			c.apis[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.apis[key]) == 0 {
		delete(c.apis, key)
	}
}

// subscribeHost and unsubscribeHost maintain the per-hostname count of live
// wire subscriptions; the poll loop only polls hosts with at least one.
func (c *Connection) subscribeHost(hostname string) {
	c.mu.Lock()
	c.hostRefs[hostname]++
	c.mu.Unlock()
}

func (c *Connection) unsubscribeHost(hostname string) {
	c.mu.Lock()
	if c.hostRefs[hostname]--; c.hostRefs[hostname] <= 0 {
		delete(c.hostRefs, hostname)
	}
	c.mu.Unlock()
}

func (c *Connection) pollLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.pollOnce(interval)
		}
	}
}

// pollOnce posts an empty poll request to every subscribed hostname with an
// established session, purely to make the server flush that session's
// queued publications into the response.
func (c *Connection) pollOnce(timeout time.Duration) {
	c.mu.Lock()
	targets := make(map[string]string, len(c.hostRefs))
	for hostname := range c.hostRefs {
		if sid := c.sessions[hostname]; sid != "" {
			targets[hostname] = sid
		}
	}
	c.mu.Unlock()

	for hostname, sid := range targets {
		req := &proto.Request{Type: proto.TypePoll}
		req.SetHeader(proto.HeaderSessionUUID, sid)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := c.transport.PostMessage(ctx, hostname, req)
		cancel()
		if err != nil {
			c.log.Warn("poll.fail",
				slog.String("hostname", hostname),
				slog.String("err", err.Error()))
		}
	}
}

// splitHostURI separates an API uri into its hostname (scheme://authority,
// or "" for in-process transports) and mount path.
func splitHostURI(uri string) (hostname, path string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse api uri %q: %w", uri, err)
	}
	if u.Scheme != "" && u.Host != "" {
		hostname = u.Scheme + "://" + u.Host
	}
	path = u.Path
	if path == "" {
		return "", "", fmt.Errorf("api uri %q has no path", uri)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}
	return hostname, path, nil
}
