package session

import (
	"context"
	"sync"
	"time"
)

// Activity describes an in-process session slot.
type Activity struct {
	SessionID      string    `json:"session_id"`
	Turns          int       `json:"turns"`
	Busy           bool      `json:"busy"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type slot struct {
	lock     chan struct{}
	waiters  int
	activity Activity
}

// Manager serializes turns per session inside one process and tracks
// activity. Idle slots are evicted by the janitor.
type Manager struct {
	mu                sync.Mutex
	slots             map[string]*slot
	inactivityTimeout time.Duration
	onExpire          func(Activity)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		slots:             make(map[string]*slot),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(Activity)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Acquire blocks until the caller holds the session's turn lock or ctx is
// done. The returned func releases it.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (func(), error) {
	m.mu.Lock()
	s, ok := m.slots[sessionID]
	if !ok {
		now := time.Now().UTC()
		s = &slot{
			lock:     make(chan struct{}, 1),
			activity: Activity{SessionID: sessionID, StartedAt: now, LastActivityAt: now},
		}
		m.slots[sessionID] = s
	}
	s.waiters++
	m.mu.Unlock()

	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		m.mu.Lock()
		s.waiters--
		m.mu.Unlock()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	s.waiters--
	s.activity.Busy = true
	s.activity.LastActivityAt = time.Now().UTC()
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			s.activity.Busy = false
			s.activity.Turns++
			s.activity.LastActivityAt = time.Now().UTC()
			m.mu.Unlock()
			<-s.lock
		})
	}, nil
}

func (m *Manager) Get(sessionID string) (Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[sessionID]
	if !ok {
		return Activity{}, ErrNotFound
	}
	return s.activity, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.activity.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
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
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []Activity

	m.mu.Lock()
	for id, s := range m.slots {
		if s.activity.Busy || s.waiters > 0 || len(s.lock) > 0 {
			continue
		}
		if now.Sub(s.activity.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		expired = append(expired, s.activity)
		delete(m.slots, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, a := range expired {
			hook(a)
		}
	}
}
