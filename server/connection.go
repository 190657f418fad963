package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/remapi/remapi/internal/logctx"
	"github.com/remapi/remapi/proto"
)

type apiEntry struct {
	path string
	api  *Api
}

// ConnectionManager is the central router. It owns the mount-path registry
// and the session registry; transports and API objects never resolve
// routing themselves.
type ConnectionManager struct {
	log      *slog.Logger
	sessions *SessionRegistry
	metrics  *managerMetrics

	mu     sync.RWMutex
	apis   []apiEntry // registration order; first prefix match wins
	byPath map[string]*Api
}

// Option configures a ConnectionManager.
type Option func(*managerConfig)

type managerConfig struct {
	logger        *slog.Logger
	maxIdle       time.Duration
	sweepInterval time.Duration
	promRegistry  prometheus.Registerer
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *managerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSessionMaxIdle sets how long a session may sit without activity
// before the sweep evicts it.
func WithSessionMaxIdle(d time.Duration) Option {
	return func(c *managerConfig) { c.maxIdle = d }
}

// WithSweepInterval sets how often the expiry sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(c *managerConfig) { c.sweepInterval = d }
}

// WithMetrics registers request/publication/session metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *managerConfig) { c.promRegistry = reg }
}

// NewConnectionManager constructs a manager and starts its session expiry
// sweep. Call Close when done to stop the sweep.
func NewConnectionManager(opts ...Option) *ConnectionManager {
	cfg := &managerConfig{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	cm := &ConnectionManager{
		log:    log,
		byPath: make(map[string]*Api),
	}
	cm.sessions = newSessionRegistry(log, cfg.maxIdle, cfg.sweepInterval)
	if cfg.promRegistry != nil {
		cm.metrics = newManagerMetrics(cfg.promRegistry, cm.sessions)
	}
	return cm
}

// Close stops the session expiry sweep. Registered APIs and live sessions
// are not torn down; the process owns their lifetime.
func (cm *ConnectionManager) Close() {
	cm.sessions.close()
}

// Sessions returns the session registry.
func (cm *ConnectionManager) Sessions() *SessionRegistry { return cm.sessions }

// RegisterApi mounts api under path. Paths are normalized (trailing slash
// insignificant); registering two APIs under one path fails with
// ErrDuplicatePath and leaves the registry unchanged.
func (cm *ConnectionManager) RegisterApi(api *Api, path string) error {
	norm, err := normalizeMountPath(path)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, taken := cm.byPath[norm]; taken {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, norm)
	}
	cm.byPath[norm] = api
	cm.apis = append(cm.apis, apiEntry{path: norm, api: api})
	api.attach(cm, norm)
	cm.log.Debug("api.register", slog.String("path", norm), slog.String("api_id", api.UUID()))
	return nil
}

// RegisterApiFunc instantiates an API from a factory and mounts it. The
// constructed API is returned so the caller can keep configuring it.
func (cm *ConnectionManager) RegisterApiFunc(factory func() *Api, path string) (*Api, error) {
	api := factory()
	if err := cm.RegisterApi(api, path); err != nil {
		return nil, err
	}
	return api, nil
}

// UnregisterApi removes the API mounted at path, if any. In-flight requests
// already dispatched to it are unaffected.
func (cm *ConnectionManager) UnregisterApi(path string) {
	norm, err := normalizeMountPath(path)
	if err != nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.byPath[norm]; !ok {
		return
	}
	delete(cm.byPath, norm)
	for i, e := range cm.apis {
		if e.path == norm {
			cm.apis = append(cm.apis[:i], cm.apis[i+1:]...)
			break
		}
	}
}

// ReceiveMessage serves one normalized request and populates resp. Poll
// requests skip API dispatch entirely. For everything else the first
// registered API whose mount path covers the request path receives the
// message, and its record — decorated with the server and client API
// uuids — is appended to resp. In both cases, if the request resolved to a
// session, the session is touched and its queued publications are drained
// into resp. That unconditional drain is how poll-only transports deliver
// events.
func (cm *ConnectionManager) ReceiveMessage(ctx context.Context, req *Request, resp *proto.Response) error {
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		Type:       string(req.Type),
		Path:       req.Path,
		RestMethod: req.RestMethod,
		CallIndex:  req.Header(proto.HeaderCallIndex),
	})
	if s := req.Session(); s != nil {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
			SessionUUID:   s.UUID(),
			ClientAPIUUID: req.Header(proto.HeaderClientAPIUUID),
		})
	}
	cm.metrics.observeRequest(string(req.Type))

	if req.Type != proto.TypePoll {
		api := cm.resolveApi(req.Path)
		if api == nil {
			cm.metrics.observeDispatchError()
			return fmt.Errorf("%w: %s", ErrApiNotFound, req.Path)
		}
		data, err := api.ReceiveMessage(ctx, req)
		if err != nil {
			cm.metrics.observeDispatchError()
			return err
		}
		data.SetHeader(proto.HeaderServerAPIUUID, api.UUID())
		data.SetHeader(proto.HeaderClientAPIUUID, req.Header(proto.HeaderClientAPIUUID))
		resp.AddData(data)
	}

	if session := req.Session(); session != nil {
		session.Touch()
		for _, publication := range session.ConsumePublicationsQueue() {
			cm.log.Debug("publication.deliver",
				slog.String("type", publication.Type),
				slog.String("session_id", session.UUID()))
			resp.AddData(publication)
		}
	}
	return nil
}

// FlushPublicationsQueue drains a session's queued publications and posts
// each one through the session's transport. Only sessions owned by a
// push-capable transport call this; poll-only transports rely on the drain
// inside ReceiveMessage instead. Delivery failures are logged, never
// propagated to the publisher.
func (cm *ConnectionManager) FlushPublicationsQueue(session *Session) {
	transport := session.Transport()
	if transport == nil || !transport.SupportsServerPush() {
		return
	}
	for _, publication := range session.ConsumePublicationsQueue() {
		cm.metrics.observePublicationPush()
		if err := transport.PostMessage(publication); err != nil {
			cm.log.Error("publication.push.fail",
				slog.String("type", publication.Type),
				slog.String("session_id", session.UUID()),
				slog.String("err", err.Error()))
		}
	}
}

// resolveApi returns the first registered API (in registration order) whose
// mount path covers path, or nil. Coverage is prefix matching on segment
// boundaries: "/player/wifi" covers "/player/wifi" and "/player/wifi/x"
// but not "/player/wifiX". Callers must still avoid overlapping prefixes.
func (cm *ConnectionManager) resolveApi(path string) *Api {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, e := range cm.apis {
		if mountCovers(e.path, path) {
			return e.api
		}
	}
	return nil
}

func mountCovers(mount, path string) bool {
	if mount == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, mount) {
		return false
	}
	rest := path[len(mount):]
	return rest == "" || rest[0] == '/'
}

func normalizeMountPath(path string) (string, error) {
	if path == "" || !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("mount path must start with %q, got %q", "/", path)
	}
	if path == "/" {
		return path, nil
	}
	return strings.TrimRight(path, "/"), nil
}
