package liveness

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/abaumgartner/livegate/internal/logging"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrCodeActive = errors.New("pairing code already has an active session")
)

// Registry tracks live sessions by ID and by pairing code and evicts the
// ones that go idle.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byCode      map[string]string
	idleTimeout time.Duration
	onEvict     func(*Session)
}

func NewRegistry(idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		byCode:      make(map[string]string),
		idleTimeout: idleTimeout,
	}
}

// SetEvictHook installs the callback run for every session removed by
// the janitor. The hook runs outside the registry lock.
func (r *Registry) SetEvictHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = hook
}

// Add registers a session. A pairing code may only back one live
// session at a time.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byCode[s.Code]; ok {
		if existing := r.sessions[id]; existing != nil && existing.Status() == StatusActive {
			return ErrCodeActive
		}
	}
	r.sessions[s.ID] = s
	r.byCode[s.Code] = s.ID
	return nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *Registry) GetByCode(code string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove drops a session from the registry and returns it.
func (r *Registry) Remove(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(r.sessions, id)
	if r.byCode[s.Code] == id {
		delete(r.byCode, s.Code)
	}
	return s, nil
}

// ActiveCount reports sessions still running.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.Status() == StatusActive {
			count++
		}
	}
	return count
}

// StartJanitor sweeps idle and ended sessions until ctx is done.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireIdle(time.Now().UTC())
			}
		}
	}()
}

func (r *Registry) expireIdle(now time.Time) {
	var evicted []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if s.Status() == StatusActive && now.Sub(s.LastActivity()) < r.idleTimeout {
			continue
		}
		delete(r.sessions, id)
		if r.byCode[s.Code] == id {
			delete(r.byCode, s.Code)
		}
		evicted = append(evicted, s)
	}
	hook := r.onEvict
	r.mu.Unlock()

	log := logging.Component("liveness")
	for _, s := range evicted {
		log.WithField("session_id", s.ID).Info("session evicted")
		if hook != nil {
			hook(s)
		}
	}
}
