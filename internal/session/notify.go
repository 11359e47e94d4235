package session

import (
	"time"
)

type Event struct {
	Type    string  `json:"type"` // tempo|peers|playing
	Tempo   float64 `json:"tempo,omitempty"`
	Peers   int     `json:"peers"`
	Playing bool    `json:"playing"`
}

const (
	EventTempo   = "tempo"
	EventPeers   = "peers"
	EventPlaying = "playing"
)

// Subscribe returns a channel of change events. Slow consumers miss events
// rather than block writers.
func (s *Session) Subscribe() chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, 16)
	s.listeners = append(s.listeners, ch)
	return ch
}

func (s *Session) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Session) notifyListeners(evt Event) {
	for _, ch := range s.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

type effects struct {
	calls []func()
}

func (fx *effects) add(fn func()) {
	fx.calls = append(fx.calls, fn)
}

// enqueue is called with s.mu held so the queue follows commit order.
func (s *Session) enqueue(fx effects) {
	if len(fx.calls) == 0 {
		return
	}
	s.qmu.Lock()
	s.queue = append(s.queue, fx.calls...)
	s.qmu.Unlock()
}

// drain runs queued callbacks unless another goroutine already is. A callback
// that writes to the session has its own callbacks run after it returns.
func (s *Session) drain() {
	s.qmu.Lock()
	if s.draining {
		s.qmu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.qmu.Unlock()
		safeCall(fn)
		s.qmu.Lock()
	}
	s.draining = false
	s.qmu.Unlock()
}

// effects diffs the published snapshot against what observers last saw.
// Called with s.mu held.
func (s *Session) effects(next *Snapshot, now time.Duration, local bool) effects {
	var fx effects

	if bpm := next.Timeline.Tempo; bpm != s.lastTempo {
		s.lastTempo = bpm
		s.notifyListeners(Event{Type: EventTempo, Tempo: bpm, Peers: next.Peers})
		if fn := s.onTempo; fn != nil {
			fx.add(func() { fn(bpm) })
		}
	}
	if n := next.Peers; n != s.lastPeers {
		s.lastPeers = n
		s.notifyListeners(Event{Type: EventPeers, Peers: n})
		if fn := s.onPeerCount; fn != nil {
			fx.add(func() { fn(n) })
		}
	}
	if playing := next.IsPlayingAt(now); playing != s.lastPlaying {
		s.lastPlaying = playing
		s.notifyListeners(Event{Type: EventPlaying, Playing: playing, Peers: next.Peers})
		if fn := s.onStartStop; fn != nil {
			fx.add(func() { fn(playing) })
		}
	}

	if local {
		if fn := s.hooks.Changed; fn != nil {
			fx.add(fn)
		}
	}
	if at, ok := nextDue(next, now); ok {
		if fn := s.hooks.Due; fn != nil {
			fx.add(func() { fn(at) })
		}
	}
	return fx
}

// nextDue is the earliest future time at which Tick changes something.
func nextDue(snap *Snapshot, now time.Duration) (time.Duration, bool) {
	var at time.Duration
	ok := false
	if sh := snap.Shift; sh.At > now && (sh.Pending(now) || sh.Fold) {
		at, ok = sh.At, true
	}
	if ss := snap.StartStop; ss.Scheduled(now) && (!ok || ss.Stamp.At < at) {
		at, ok = ss.Stamp.At, true
	}
	return at, ok
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("session callback panicked: %v", r)
		}
	}()
	fn()
}
