package authflow

import (
	"errors"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-oauth-proxy/internal/errors"
)

const cleanupInterval = time.Minute

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// InMemoryRepo is a thread-safe in-memory implementation of the Repo
// interface with TTL-based expiry of abandoned flows.
type InMemoryRepo struct {
	mu     sync.RWMutex
	states map[string]*State

	ttl         time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewInMemoryRepo creates a new in-memory auth flow state repository and
// starts its background cleanup loop.
func NewInMemoryRepo(ttl time.Duration) *InMemoryRepo {
	r := &InMemoryRepo{
		states:      make(map[string]*State),
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Upsert stores or updates a pending flow state
func (r *InMemoryRepo) Upsert(state string, flowState *State) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	if flowState == nil {
		return errors.New("flowState cannot be nil")
	}

	stored := *flowState
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = NowTimeFunc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state] = &stored
	return nil
}

// Consume retrieves a flow state and deletes it in the same critical
// section, so concurrent callbacks with the same state cannot both succeed.
func (r *InMemoryRepo) Consume(state string) (*State, error) {
	if state == "" {
		return nil, errors.New("state cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	flowState, exists := r.states[state]
	if !exists {
		return nil, apperrors.ErrNotFound
	}
	delete(r.states, state)

	if NowTimeFunc().Sub(flowState.CreatedAt) > r.ttl {
		return nil, apperrors.ErrNotFound
	}

	copied := *flowState
	return &copied, nil
}

// Delete removes a flow state
func (r *InMemoryRepo) Delete(state string) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, state)
	return nil
}

// Stop stops the background cleanup goroutine.
func (r *InMemoryRepo) Stop() {
	r.stopOnce.Do(func() { close(r.stopCleanup) })
}

func (r *InMemoryRepo) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCleanup:
			return
		}
	}
}

func (r *InMemoryRepo) cleanup() {
	now := NowTimeFunc()

	r.mu.Lock()
	defer r.mu.Unlock()
	for state, flowState := range r.states {
		if now.Sub(flowState.CreatedAt) > r.ttl {
			delete(r.states, state)
		}
	}
}
