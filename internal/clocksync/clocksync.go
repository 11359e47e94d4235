// Package clocksync estimates, per peer, the offset that maps the peer's clock
// onto the local one:
//
//	local ≈ remote + Offset(peer)
//
// The local clock is never adjusted. Samples are kept in a short window and the
// window median feeds an exponential moving average, which rejects single
// delayed packets while still following slow drift.
package clocksync

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ktamas77/ableton-link/internal/util"
)

type Config struct {
	Window    int           // samples kept for median filtering
	Smoothing float64       // EMA factor in (0, 1]; 1 tracks the median exactly
	Timeout   time.Duration // offset goes stale after this long without a sample
}

func DefaultConfig() Config {
	return Config{Window: 5, Smoothing: 0.5, Timeout: 5 * time.Second}
}

type peerClock struct {
	samples *util.RingBuffer[time.Duration]
	offset  float64 // nanoseconds
	latency float64 // smoothed one-way latency, nanoseconds
	rtts    int
	last    time.Duration
	primed  bool
}

type Estimator struct {
	mu    sync.Mutex
	cfg   Config
	peers map[string]*peerClock
}

func New(cfg Config) *Estimator {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = def.Smoothing
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Estimator{cfg: cfg, peers: map[string]*peerClock{}}
}

func (e *Estimator) peer(id string) *peerClock {
	pc, ok := e.peers[id]
	if !ok {
		pc = &peerClock{samples: util.NewRingBuffer[time.Duration](e.cfg.Window)}
		e.peers[id] = pc
	}
	return pc
}

// ObserveOneWay records a message stamped sentAt on the peer's clock and
// received at recvAt on ours. Without a round trip the transit time is
// unknown, so the smoothed latency from earlier pings is subtracted.
func (e *Estimator) ObserveOneWay(id string, sentAt, recvAt time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	pc := e.peer(id)
	sample := recvAt - sentAt - time.Duration(pc.latency)
	e.add(pc, sample, recvAt)
	return time.Duration(pc.offset)
}

// ObserveRoundTrip records a ping sent at pingSent (local), answered at
// remoteAt (peer clock) and whose reply arrived at pongRecv (local). The
// reply is assumed to have been stamped halfway through the round trip.
func (e *Estimator) ObserveRoundTrip(id string, pingSent, remoteAt, pongRecv time.Duration) (time.Duration, bool) {
	rtt := pongRecv - pingSent
	if rtt < 0 {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pc := e.peer(id)
	half := float64(rtt) / 2
	if pc.rtts == 0 {
		pc.latency = half
	} else {
		pc.latency += e.cfg.Smoothing * (half - pc.latency)
	}
	pc.rtts++
	sample := pingSent + time.Duration(half) - remoteAt
	e.add(pc, sample, pongRecv)
	return time.Duration(pc.offset), true
}

func (e *Estimator) add(pc *peerClock, sample, at time.Duration) {
	pc.samples.Push(sample)
	m := float64(median(pc.samples.Snapshot()))
	if !pc.primed {
		pc.offset = m
		pc.primed = true
	} else {
		pc.offset += e.cfg.Smoothing * (m - pc.offset)
	}
	if at > pc.last {
		pc.last = at
	}
}

// Offset returns the current estimate for id. ok is false when no sample has
// arrived yet or the last one is older than the timeout.
func (e *Estimator) Offset(id string, now time.Duration) (offset time.Duration, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pc, found := e.peers[id]
	if !found || !pc.primed || now-pc.last >= e.cfg.Timeout {
		return 0, false
	}
	return time.Duration(math.Round(pc.offset)), true
}

// Latency is the smoothed one-way latency to id, zero until a round trip completes.
func (e *Estimator) Latency(id string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pc, ok := e.peers[id]; ok {
		return time.Duration(pc.latency)
	}
	return 0
}

func (e *Estimator) Forget(id string) {
	e.mu.Lock()
	delete(e.peers, id)
	e.mu.Unlock()
}

func (e *Estimator) Reset() {
	e.mu.Lock()
	e.peers = map[string]*peerClock{}
	e.mu.Unlock()
}

func (e *Estimator) Peers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func median(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
