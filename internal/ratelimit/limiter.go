// Package ratelimit provides a token-bucket limiter keyed by client IP
// and device id. Ward tablets poll aggressively when connectivity
// returns; the limiter keeps a misbehaving device from starving the hub.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

type bucket struct {
	tokens   float64
	lastTime time.Time
	rps      float64
	burst    int
}

func (b *bucket) allow(now time.Time) bool {
	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * b.rps
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

type Limiter struct {
	mu sync.Mutex

	ipBuckets     map[string]*bucket
	deviceBuckets map[string]*bucket

	rps   float64
	burst int

	rejected atomic.Int64
	stopCh   chan struct{}
}

func NewLimiter(rps float64, burst int) *Limiter {
	l := &Limiter{
		ipBuckets:     make(map[string]*bucket),
		deviceBuckets: make(map[string]*bucket),
		rps:           rps,
		burst:         burst,
		stopCh:        make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow reports whether a request from clientIP may proceed. When the
// request carries an authenticated device id its bucket is checked too,
// so several devices behind one NAT cannot hide behind a shared IP.
func (l *Limiter) Allow(clientIP, deviceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	ib, ok := l.ipBuckets[clientIP]
	if !ok {
		ib = &bucket{tokens: float64(l.burst), lastTime: now, rps: l.rps, burst: l.burst}
		l.ipBuckets[clientIP] = ib
	}
	if !ib.allow(now) {
		l.rejected.Add(1)
		return false
	}

	if deviceID != "" {
		db, ok := l.deviceBuckets[deviceID]
		if !ok {
			db = &bucket{tokens: float64(l.burst), lastTime: now, rps: l.rps, burst: l.burst}
			l.deviceBuckets[deviceID] = db
		}
		if !db.allow(now) {
			l.rejected.Add(1)
			return false
		}
	}

	return true
}

func (l *Limiter) Status() map[string]interface{} {
	l.mu.Lock()
	ipCount := len(l.ipBuckets)
	deviceCount := len(l.deviceBuckets)
	l.mu.Unlock()

	return map[string]interface{}{
		"active_ip_limiters":     ipCount,
		"active_device_limiters": deviceCount,
		"total_rejected":         l.rejected.Load(),
		"requests_per_sec":       l.rps,
		"burst":                  l.burst,
	}
}

func (l *Limiter) Stop() {
	close(l.stopCh)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for ip, b := range l.ipBuckets {
				if now.Sub(b.lastTime) > 5*time.Minute {
					delete(l.ipBuckets, ip)
				}
			}
			for id, b := range l.deviceBuckets {
				if now.Sub(b.lastTime) > 5*time.Minute {
					delete(l.deviceBuckets, id)
				}
			}
			l.mu.Unlock()
		}
	}
}
