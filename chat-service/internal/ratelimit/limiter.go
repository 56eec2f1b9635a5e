// Package ratelimit throttles message sends per user.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// A bucket idle for a full minute has refilled, so dropping it later
	// loses no state.
	idleTTL     = 10 * time.Minute
	sweepPeriod = time.Minute
)

type entry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// Pool keeps one token bucket per user. The bucket refills at perMinute/60
// tokens per second and holds at most perMinute tokens. Buckets unused for
// idleTTL are dropped by a sweep that piggybacks on Allow.
type Pool struct {
	mu        sync.Mutex
	m         map[uint]*entry
	lastSweep time.Time
}

func NewPool() *Pool {
	return &Pool{m: make(map[uint]*entry)}
}

// Allow reports whether userID may send now. perMinute <= 0 disables the limit.
func (p *Pool) Allow(userID uint, perMinute int, now time.Time) bool {
	if perMinute <= 0 {
		return true
	}
	return p.get(userID, perMinute, now).AllowN(now, 1)
}

// Len returns the number of tracked users.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *Pool) get(userID uint, perMinute int, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastSweep) >= sweepPeriod {
		p.sweep(now)
	}

	limit := rate.Limit(float64(perMinute) / 60)
	if e, ok := p.m[userID]; ok {
		if e.l.Limit() != limit || e.l.Burst() != perMinute {
			e.l.SetLimit(limit)
			e.l.SetBurst(perMinute)
		}
		if now.After(e.lastSeen) {
			e.lastSeen = now
		}
		return e.l
	}
	l := rate.NewLimiter(limit, perMinute)
	p.m[userID] = &entry{l: l, lastSeen: now}
	return l
}

// sweep must be called with p.mu held.
func (p *Pool) sweep(now time.Time) {
	p.lastSweep = now
	cutoff := now.Add(-idleTTL)
	for id, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, id)
		}
	}
}
