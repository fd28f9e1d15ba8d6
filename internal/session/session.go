// Package session tracks per-user activity and liveness, independent of
// any particular Connection. A session becomes active on Start, refreshes
// on Touch, and becomes inactive either explicitly (End) or via the
// periodic idle sweep.
package session

import (
	"sync"
	"time"

	"github.com/lilycore/gateway-core/internal/logx"
)

// Session is one user's liveness record.
type Session struct {
	UserID       string    `json:"user_id"`
	Start        time.Time `json:"start"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"active"`
}

// Broadcaster is the subset of the Gateway's WS hub the Tracker needs to
// emit session_expired events on idle sweep. Kept as a narrow interface so
// this package never imports the gateway package.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Tracker holds every user's Session behind one RWMutex and runs the idle
// sweep on its own goroutine once Run is called.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration
	sweep    time.Duration
	bcast    Broadcaster

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// DefaultTimeout is the idle threshold used when none is given to New.
const DefaultTimeout = 30 * time.Minute

// defaultSweepInterval is how often the idle sweep runs, per spec §4.3.
const defaultSweepInterval = 60 * time.Second

// New creates a Tracker. timeout <= 0 uses DefaultTimeout.
func New(timeout time.Duration, bcast Broadcaster) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		sweep:    defaultSweepInterval,
		bcast:    bcast,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start activates user's session, creating it if absent.
func (t *Tracker) Start(user string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[user]
	if !ok {
		s = &Session{UserID: user, Start: now}
		t.sessions[user] = s
	}
	s.LastActivity = now
	s.Active = true
}

// End marks user's session inactive. No-op (idempotent) if already
// inactive or absent.
func (t *Tracker) End(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[user]; ok {
		s.Active = false
	}
}

// Touch refreshes user's last-activity timestamp. It never reactivates an
// inactive or absent session — touching a dead session is a no-op.
func (t *Tracker) Touch(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[user]
	if !ok || !s.Active {
		return
	}
	s.LastActivity = time.Now()
}

// IsActive reports whether user currently has an active session.
func (t *Tracker) IsActive(user string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[user]
	return ok && s.Active
}

// List returns a snapshot of every tracked session.
func (t *Tracker) List() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	return out
}

// Run starts the idle sweep goroutine. It blocks until Stop is called, so
// callers should invoke it with `go`.
func (t *Tracker) Run() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
}

func (t *Tracker) sweepOnce() {
	now := time.Now()
	var expired []string

	t.mu.Lock()
	for user, s := range t.sessions {
		if s.Active && now.Sub(s.LastActivity) >= t.timeout {
			s.Active = false
			expired = append(expired, user)
		}
	}
	t.mu.Unlock()

	for _, user := range expired {
		logx.Info().Str("user", user).Msg("session expired on idle sweep")
		if t.bcast != nil {
			t.bcast.Broadcast("session_expired", map[string]string{"user_id": user})
		}
	}
}
