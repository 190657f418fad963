package server

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultSessionMaxIdle  = 10 * time.Minute
	defaultSweepInterval   = 30 * time.Second
	minimumSweepResolution = 10 * time.Millisecond
)

// SessionRegistry is the process-wide table of live sessions, keyed by
// UUID. A background sweep evicts sessions whose idle time exceeds the
// configured maximum, discarding any queued publications with them.
type SessionRegistry struct {
	log     *slog.Logger
	maxIdle time.Duration

	mu     sync.RWMutex
	byUUID map[string]*Session

	done     chan struct{}
	stopOnce sync.Once
}

func newSessionRegistry(log *slog.Logger, maxIdle, sweepInterval time.Duration) *SessionRegistry {
	if maxIdle <= 0 {
		maxIdle = defaultSessionMaxIdle
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	if sweepInterval < minimumSweepResolution {
		sweepInterval = minimumSweepResolution
	}
	r := &SessionRegistry{
		log:     log,
		maxIdle: maxIdle,
		byUUID:  make(map[string]*Session),
		done:    make(chan struct{}),
	}
	go r.sweepLoop(sweepInterval)
	return r
}

// AddSession registers a session.
func (r *SessionRegistry) AddSession(s *Session) {
	r.mu.Lock()
	r.byUUID[s.UUID()] = s
	r.mu.Unlock()
}

// GetSessionByUuid returns the session for uuid, or nil when none is live.
func (r *SessionRegistry) GetSessionByUuid(uuid string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUUID[uuid]
}

// RemoveSession drops a session from the registry. Queued publications are
// abandoned with it.
func (r *SessionRegistry) RemoveSession(uuid string) {
	r.mu.Lock()
	delete(r.byUUID, uuid)
	r.mu.Unlock()
}

// AllSessions returns a snapshot of every live session.
func (r *SessionRegistry) AllSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byUUID))
	for _, s := range r.byUUID {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUUID)
}

func (r *SessionRegistry) close() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *SessionRegistry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *SessionRegistry) sweep(now time.Time) {
	var expired []*Session
	r.mu.Lock()
	for uuid, s := range r.byUUID {
		if now.Sub(s.LastActivity()) > r.maxIdle {
			delete(r.byUUID, uuid)
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		dropped := len(s.ConsumePublicationsQueue())
		r.log.Debug("session.expire",
			slog.String("session_id", s.UUID()),
			slog.Int("dropped_publications", dropped))
	}
}
