package router

import (
	"math/rand/v2"
	"time"
)

// Restart backoff policy: 50ms doubling per consecutive failure up to 5s,
// with up to delay/4 of jitter. A session that stays connected for at least
// backoffStableSession resets the counter.
const (
	backoffInitialDelay  = 50 * time.Millisecond
	backoffMaxDelay      = 5 * time.Second
	backoffStableSession = 10 * time.Second
)

// restartBackoff tracks consecutive restart attempts for one shard. Not safe
// for concurrent use; each shard's supervisor goroutine owns its own.
type restartBackoff struct {
	attempts int
}

// next returns the delay before the next spawn attempt and bumps the counter.
func (b *restartBackoff) next() time.Duration {
	delay := backoffInitialDelay << b.attempts
	if delay > backoffMaxDelay || delay <= 0 {
		delay = backoffMaxDelay
	}
	b.attempts++
	return delay
}

// reset clears the counter after a sustained healthy session.
func (b *restartBackoff) reset() {
	b.attempts = 0
}

// noteSession resets the counter if the session lasted long enough to count
// as stable.
func (b *restartBackoff) noteSession(connectedFor time.Duration) {
	if connectedFor >= backoffStableSession {
		b.reset()
	}
}

// withJitter spreads restarts out by up to delay/4 so a batch of crashed
// workers does not thunder back at once.
func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	return delay + rand.N(delay/4+1) //nolint:gosec // jitter does not need crypto rand
}
