package link

import (
	"sync"
	"time"
)

// rateLimiter is a sliding window limiter with a per-peer and a global cap.
// Times come from the engine clock.
type rateLimiter struct {
	mu        sync.Mutex
	perPeer   map[string][]time.Duration
	global    []time.Duration
	peerMax   int
	globalMax int
	window    time.Duration
}

// newRateLimiter allows perPeer messages per second from one peer and global
// in total; zero disables a limit.
func newRateLimiter(perPeer, global int) *rateLimiter {
	return &rateLimiter{
		perPeer:   make(map[string][]time.Duration),
		peerMax:   perPeer,
		globalMax: global,
		window:    time.Second,
	}
}

func (r *rateLimiter) Allow(peerID string, now time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now - r.window

	if r.globalMax > 0 {
		r.global = pruneOld(r.global, cutoff)
		if len(r.global) >= r.globalMax {
			return false
		}
	}
	if r.peerMax > 0 {
		r.perPeer[peerID] = pruneOld(r.perPeer[peerID], cutoff)
		if len(r.perPeer[peerID]) >= r.peerMax {
			return false
		}
		r.perPeer[peerID] = append(r.perPeer[peerID], now)
	}
	if r.globalMax > 0 {
		r.global = append(r.global, now)
	}
	return true
}

func (r *rateLimiter) Forget(peerID string) {
	r.mu.Lock()
	delete(r.perPeer, peerID)
	r.mu.Unlock()
}

func (r *rateLimiter) Reset() {
	r.mu.Lock()
	r.perPeer = make(map[string][]time.Duration)
	r.global = nil
	r.mu.Unlock()
}

func pruneOld(ts []time.Duration, cutoff time.Duration) []time.Duration {
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
