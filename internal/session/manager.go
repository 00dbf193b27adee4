package session

import (
	"errors"
	"sync"
)

var (
	// ErrServerFull rejects a connection over the global cap.
	ErrServerFull = errors.New("server at connection capacity")
	// ErrTooManyFromAddress rejects a connection over the per-IP cap.
	ErrTooManyFromAddress = errors.New("too many connections from this address")
)

// Manager enforces admission control: a global connection cap and a
// per-remote-address cap, under one mutex.
type Manager struct {
	mu       sync.Mutex
	max      int
	maxPerIP int
	total    int
	perIP    map[string]int
}

// NewManager creates the admission controller.
func NewManager(max, maxPerIP int) *Manager {
	if max <= 0 {
		max = 50
	}
	if maxPerIP <= 0 {
		maxPerIP = 5
	}
	return &Manager{max: max, maxPerIP: maxPerIP, perIP: make(map[string]int)}
}

// Acquire reserves a slot for ip. Every successful Acquire must be
// paired with a Release on disconnect.
func (m *Manager) Acquire(ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.total >= m.max {
		return ErrServerFull
	}
	if m.perIP[ip] >= m.maxPerIP {
		return ErrTooManyFromAddress
	}
	m.total++
	m.perIP[ip]++
	return nil
}

// Release frees a slot.
func (m *Manager) Release(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.total > 0 {
		m.total--
	}
	if n := m.perIP[ip]; n > 1 {
		m.perIP[ip] = n - 1
	} else {
		delete(m.perIP, ip)
	}
}

// Count reports the current number of admitted connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
