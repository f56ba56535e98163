package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChaseRain/pptwizard/internal/infra/logger"
	"github.com/ChaseRain/pptwizard/pkg/errors"
)

// SessionFactory builds the session behind a new wizard.
type SessionFactory func(id string) Session

// Registry owns the live wizards of a process.
type Registry struct {
	newSession SessionFactory
	idleTTL    time.Duration
	logger     *logger.Logger
	now        func() time.Time

	mu       sync.Mutex
	machines map[string]*Machine
}

// NewRegistry returns an empty registry. A zero idleTTL disables eviction.
func NewRegistry(newSession SessionFactory, idleTTL time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		newSession: newSession,
		idleTTL:    idleTTL,
		logger:     log,
		now:        time.Now,
		machines:   make(map[string]*Machine),
	}
}

func (r *Registry) Create() *Machine {
	id := uuid.New().String()
	m := NewMachine(r.newSession(id), r.logger)
	m.now = r.now
	m.lastActive = r.now()

	r.mu.Lock()
	r.machines[id] = m
	n := len(r.machines)
	r.mu.Unlock()

	r.logger.Info("wizard session created", "session_id", id, "live", n)
	return m
}

func (r *Registry) Get(id string) (*Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeNotFound, "session not found: "+id)
	}
	return m, nil
}

// Close closes and forgets the wizard with id.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	m, ok := r.machines[id]
	delete(r.machines, id)
	r.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "session not found: "+id)
	}
	m.Close()
	return nil
}

// CloseAll closes every wizard; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	machines := r.machines
	r.machines = make(map[string]*Machine)
	r.mu.Unlock()

	for _, m := range machines {
		m.Close()
	}
	if len(machines) > 0 {
		r.logger.Info("closed all wizard sessions", "count", len(machines))
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// Evict closes wizards idle for longer than the TTL. Wizards with an
// operation running are never evicted. Returns how many were closed.
func (r *Registry) Evict() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var stale []*Machine
	for id, m := range r.machines {
		since, idle := m.idleSince()
		if idle && since.Before(cutoff) {
			stale = append(stale, m)
			delete(r.machines, id)
		}
	}
	r.mu.Unlock()

	for _, m := range stale {
		r.logger.Info("evicting idle wizard session", "session_id", m.ID())
		m.Close()
	}
	return len(stale)
}

// Run evicts idle wizards periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.idleTTL <= 0 {
		return
	}
	interval := r.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Evict()
		}
	}
}
