// Package pairing manages the short-lived numeric codes a requesting
// party hands to the subject to bind a verification session to a
// request.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/abaumgartner/livegate/internal/challenge"
	"github.com/abaumgartner/livegate/internal/logging"
)

type State string

const (
	StatePending   State = "pending"
	StateClaimed   State = "claimed"
	StateCompleted State = "completed"
	StateExpired   State = "expired"
)

var (
	ErrNotFound       = errors.New("pairing code not found")
	ErrExpired        = errors.New("pairing code expired")
	ErrAlreadyClaimed = errors.New("pairing code already claimed")
	ErrNotClaimed     = errors.New("pairing code not claimed")
)

// retention is how long resolved and expired codes stay queryable before
// the janitor drops them. Durable results live in the audit store.
const retention = 10 * time.Minute

// Pairing is one issued code and its lifecycle state.
type Pairing struct {
	Code        string           `json:"code"`
	State       State            `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	ClaimedAt   time.Time        `json:"claimed_at,omitempty"`
	SessionID   string           `json:"session_id,omitempty"`
	Result      challenge.Result `json:"result,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
}

// Store issues and tracks pairing codes in memory. Codes are meaningful
// only while a verifier instance is up; durable outcomes go to audit.
type Store struct {
	mu         sync.RWMutex
	codes      map[string]*Pairing
	codeLength int
	ttl        time.Duration
}

func NewStore(codeLength int, ttl time.Duration) *Store {
	if codeLength < 4 {
		codeLength = 4
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Store{
		codes:      make(map[string]*Pairing),
		codeLength: codeLength,
		ttl:        ttl,
	}
}

// Create issues a fresh pending code.
func (s *Store) Create(now time.Time) (*Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; attempt < 16; attempt++ {
		code, err := randomCode(s.codeLength)
		if err != nil {
			return nil, fmt.Errorf("generate pairing code: %w", err)
		}
		if _, taken := s.codes[code]; taken {
			continue
		}
		p := &Pairing{
			Code:      code,
			State:     StatePending,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		s.codes[code] = p
		return clone(p), nil
	}
	return nil, errors.New("pairing code space exhausted")
}

// Get returns the pairing for a code, flipping a pending code past its
// deadline to expired on the way out.
func (s *Store) Get(code string, now time.Time) (*Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	s.expireLocked(p, now)
	return clone(p), nil
}

// Claim binds a pending code to a verification session.
func (s *Store) Claim(code, sessionID string, now time.Time) (*Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	s.expireLocked(p, now)
	switch p.State {
	case StateExpired:
		return nil, ErrExpired
	case StateClaimed, StateCompleted:
		return nil, ErrAlreadyClaimed
	}
	p.State = StateClaimed
	p.ClaimedAt = now
	p.SessionID = sessionID
	return clone(p), nil
}

// Complete records the requester-facing result on a claimed code.
func (s *Store) Complete(code string, result challenge.Result, now time.Time) (*Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	if p.State != StateClaimed {
		return nil, ErrNotClaimed
	}
	p.State = StateCompleted
	p.Result = result
	p.CompletedAt = now
	return clone(p), nil
}

// Release puts a claimed code back to pending, used when a session ends
// without resolving before the code deadline.
func (s *Store) Release(code string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.codes[code]
	if !ok || p.State != StateClaimed {
		return
	}
	p.State = StatePending
	p.ClaimedAt = time.Time{}
	p.SessionID = ""
	s.expireLocked(p, now)
}

// Count reports codes currently tracked, pending or otherwise.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.codes)
}

// StartJanitor sweeps expired and stale resolved codes until ctx is
// done.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(time.Now().UTC())
			}
		}
	}()
}

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for code, p := range s.codes {
		s.expireLocked(p, now)
		var since time.Time
		switch p.State {
		case StateExpired:
			since = p.ExpiresAt
		case StateCompleted:
			since = p.CompletedAt
		default:
			continue
		}
		if now.Sub(since) >= retention {
			delete(s.codes, code)
			removed++
		}
	}
	if removed > 0 {
		logging.Component("pairing").WithField("removed", removed).Debug("swept stale pairing codes")
	}
}

// expireLocked advances a pending code past its deadline to expired. A
// claimed code does not expire; the session attempt budget bounds it.
func (s *Store) expireLocked(p *Pairing, now time.Time) {
	if p.State == StatePending && !now.Before(p.ExpiresAt) {
		p.State = StateExpired
	}
}

func randomCode(length int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

func clone(p *Pairing) *Pairing {
	c := *p
	return &c
}
