package tokenstore

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-oauth-proxy/internal/errors"
)

const cleanupInterval = time.Minute

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

type memoryEntry struct {
	record     Record
	lastAccess time.Time
}

// InMemoryRepo is a thread-safe in-memory implementation of the Repo
// interface. Records idle beyond the configured TTL are evicted by a
// background loop; this is the cache mode for single-process deployments.
type InMemoryRepo struct {
	mu      sync.RWMutex
	records map[string]*memoryEntry

	idleTTL     time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewInMemoryRepo creates an in-memory token record store with the given
// idle TTL and starts its eviction loop.
func NewInMemoryRepo(idleTTL time.Duration) *InMemoryRepo {
	r := &InMemoryRepo{
		records:     make(map[string]*memoryEntry),
		idleTTL:     idleTTL,
		stopCleanup: make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

func (r *InMemoryRepo) Put(ctx context.Context, sessionID string, record *Record) error {
	if sessionID == "" {
		return errors.New("sessionID cannot be empty")
	}
	if record == nil {
		return errors.New("record cannot be nil")
	}

	// Copy so callers cannot mutate the stored record afterwards.
	stored := *record
	stored.Ciphertext = append([]byte(nil), record.Ciphertext...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[sessionID] = &memoryEntry{record: stored, lastAccess: NowTimeFunc()}
	return nil
}

func (r *InMemoryRepo) Get(ctx context.Context, sessionID string) (*Record, error) {
	if sessionID == "" {
		return nil, errors.New("sessionID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.records[sessionID]
	if !exists {
		return nil, apperrors.ErrNotFound
	}

	now := NowTimeFunc()
	if now.Sub(entry.lastAccess) > r.idleTTL {
		delete(r.records, sessionID)
		return nil, apperrors.ErrNotFound
	}
	entry.lastAccess = now

	copied := entry.record
	copied.Ciphertext = append([]byte(nil), entry.record.Ciphertext...)
	return &copied, nil
}

func (r *InMemoryRepo) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("sessionID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, sessionID)
	return nil
}

// Stop stops the background eviction goroutine.
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
	for sessionID, entry := range r.records {
		if now.Sub(entry.lastAccess) > r.idleTTL {
			delete(r.records, sessionID)
		}
	}
}
