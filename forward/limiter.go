package forward

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// Limiter applies token-bucket admission control: one bucket per session
// plus a global bucket shared by every caller. Admission is fail-fast; a
// request that finds an empty bucket is rejected, never queued.
type Limiter struct {
	global *rate.Limiter

	sessionRate  rate.Limit
	sessionBurst int

	mu       sync.Mutex
	sessions map[string]*sessionBucket

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type sessionBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter with the given per-session and global
// token-bucket parameters. Rates are events per second.
func NewLimiter(sessionLimit float64, sessionBurst int, globalLimit float64, globalBurst int) *Limiter {
	l := &Limiter{
		global:       rate.NewLimiter(rate.Limit(globalLimit), globalBurst),
		sessionRate:  rate.Limit(sessionLimit),
		sessionBurst: sessionBurst,
		sessions:     make(map[string]*sessionBucket),
		stopCleanup:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether one request for the given session may proceed.
// Both budgets must have a token; the global token is only consumed when
// the session bucket admits, so a throttled session cannot drain the
// global budget.
func (l *Limiter) Allow(sessionID string) bool {
	l.mu.Lock()
	bucket, ok := l.sessions[sessionID]
	if !ok {
		bucket = &sessionBucket{limiter: rate.NewLimiter(l.sessionRate, l.sessionBurst)}
		l.sessions[sessionID] = bucket
	}
	bucket.lastSeen = time.Now()
	l.mu.Unlock()

	if !bucket.limiter.Allow() {
		return false
	}
	return l.global.Allow()
}

// Stop stops the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for sessionID, bucket := range l.sessions {
		if now.Sub(bucket.lastSeen) > limiterIdleTTL {
			delete(l.sessions, sessionID)
		}
	}
}
