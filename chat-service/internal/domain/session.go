package domain

import (
	"fmt"
	"sync"
	"time"
)

// SessionState is the lifecycle position of one realtime connection.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateJoined
	StateClosed
	StateRejected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session tracks one connection through
// Connecting -> Authenticated -> Joined -> Closed, with Rejected reachable
// before Joined.
type Session struct {
	ID           string
	CreatedAt    time.Time
	state        SessionState
	user         *User
	thread       *Thread
	lastActiveAt time.Time
	mu           sync.RWMutex
}

func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		lastActiveAt: now,
		state:        StateConnecting,
	}
}

func (s *Session) transition(from []SessionState, to SessionState) error {
	for _, f := range from {
		if s.state == f {
			s.state = to
			s.lastActiveAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
}

// Authenticate binds the resolved user.
func (s *Session) Authenticate(user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition([]SessionState{StateConnecting}, StateAuthenticated); err != nil {
		return err
	}
	s.user = user
	return nil
}

// Join binds the thread whose broadcast group the session participates in.
func (s *Session) Join(thread *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition([]SessionState{StateAuthenticated}, StateJoined); err != nil {
		return err
	}
	s.thread = thread
	return nil
}

// Reject ends a session that failed setup.
func (s *Session) Reject() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition([]SessionState{StateConnecting, StateAuthenticated}, StateRejected)
}

// Close ends a joined session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition([]SessionState{StateJoined}, StateClosed)
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) IsJoined() bool {
	return s.State() == StateJoined
}

func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) Thread() *Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thread
}

func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveAt = time.Now()
}

func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}
