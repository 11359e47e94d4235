// Package session owns the shared timeline and transport state of one process.
//
// Writers (local API calls and merges of peer state) serialize on a mutex and
// publish a fresh immutable Snapshot through an atomic pointer. Readers call
// Capture and never block. Callbacks and hooks run after the mutex is
// released, one at a time and in commit order.
//
// Tempo, peer count and start/stop changes are notified. Beat and phase
// crossings are not: a host that needs them polls Capture from its own
// render or timer loop and compares Snapshot.PhaseAtTime between calls.
package session

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ktamas77/ableton-link/internal/clock"
	"github.com/ktamas77/ableton-link/internal/timeline"
)

var log = logging.Logger("link/session")

var (
	ErrInvalidTempo   = errors.New("tempo must be a positive finite number")
	ErrInvalidQuantum = errors.New("quantum must be a positive finite number")
	ErrInvalidBeat    = errors.New("beat must be a finite number")
)

type Config struct {
	ID            string
	Tempo         float64
	Clock         clock.Clock
	StartStopSync bool
}

// Hooks let the owner react to state changes. Due is called with the next
// time at which Tick has work to do. Changed is called after every local
// change that peers should hear about.
type Hooks struct {
	Due     func(at time.Duration)
	Changed func()
}

type Session struct {
	id  string
	clk clock.Clock

	cur atomic.Pointer[Snapshot]

	mu      sync.Mutex
	version uint64
	hooks   Hooks

	onTempo     func(bpm float64)
	onPeerCount func(n int)
	onStartStop func(playing bool)
	listeners   []chan Event

	lastTempo   float64
	lastPeers   int
	lastPlaying bool

	// Callbacks queued by commits, drained by one goroutine at a time.
	qmu      sync.Mutex
	queue    []func()
	draining bool
}

func New(cfg Config) (*Session, error) {
	if !timeline.ValidTempo(cfg.Tempo) {
		return nil, ErrInvalidTempo
	}
	if cfg.ID == "" {
		return nil, errors.New("session id is empty")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	s := &Session{id: cfg.ID, clk: cfg.Clock, lastTempo: cfg.Tempo}
	now := s.clk.Now()
	s.cur.Store(&Snapshot{
		Timeline:      timeline.Timeline{Tempo: cfg.Tempo, TimeOrigin: now},
		Stamp:         timeline.Stamp{Origin: cfg.ID},
		StartStop:     timeline.StartStop{Stamp: timeline.Stamp{Origin: cfg.ID}},
		StartStopSync: cfg.StartStopSync,
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Now() time.Duration { return s.clk.Now() }

// Capture returns the current snapshot. Safe to call from any goroutine,
// including real-time ones.
func (s *Session) Capture() *Snapshot {
	return s.cur.Load()
}

func (s *Session) SetHooks(h Hooks) {
	s.mu.Lock()
	s.hooks = h
	s.mu.Unlock()
}

func (s *Session) OnTempo(fn func(bpm float64)) {
	s.mu.Lock()
	s.onTempo = fn
	s.mu.Unlock()
}

func (s *Session) OnPeerCount(fn func(n int)) {
	s.mu.Lock()
	s.onPeerCount = fn
	s.mu.Unlock()
}

func (s *Session) OnStartStop(fn func(playing bool)) {
	s.mu.Lock()
	s.onStartStop = fn
	s.mu.Unlock()
}

// begin locks the writer mutex and returns a private copy of the current
// snapshot with any elapsed shift applied.
func (s *Session) begin() (next *Snapshot, now time.Duration, stamped bool) {
	s.mu.Lock()
	cp := *s.cur.Load()
	now = s.clk.Now()
	stamped = s.advance(&cp, now)
	if stamped {
		cp.Stamp = s.stamp(now)
	}
	return &cp, now, stamped
}

// advance settles a shift whose switch time has passed. A shift requested
// while alone is folded into the shared timeline, which is a shared change.
func (s *Session) advance(next *Snapshot, now time.Duration) bool {
	sh := next.Shift
	if now < sh.At {
		return false
	}
	if sh.Fold && sh.After != sh.Before {
		next.Timeline = next.Timeline.Shift(sh.After - sh.Before).Reanchor(now)
		next.Shift = timeline.Constant(sh.Before)
		return true
	}
	next.Shift = sh.Settle(now)
	return false
}

func (s *Session) stamp(now time.Duration) timeline.Stamp {
	s.version++
	return timeline.Stamp{Origin: s.id, Version: s.version, At: now}
}

// commit publishes next, unlocks and runs whatever the change triggers.
// An invalid candidate is dropped and the prior state kept.
func (s *Session) commit(next *Snapshot, now time.Duration, local bool) bool {
	if !next.valid() {
		s.mu.Unlock()
		log.Errorf("dropping invalid session state: timeline=%+v shift=%+v", next.Timeline, next.Shift)
		return false
	}
	s.cur.Store(next)
	fx := s.effects(next, now, local)
	s.enqueue(fx)
	s.mu.Unlock()
	s.drain()
	return true
}

// abort unlocks without publishing.
func (s *Session) abort() {
	s.mu.Unlock()
}

// SetTempo changes the tempo now, keeping the current beat.
func (s *Session) SetTempo(bpm float64) error {
	if !timeline.ValidTempo(bpm) {
		return ErrInvalidTempo
	}
	next, now, stamped := s.begin()
	if next.Timeline.Tempo == bpm && !stamped {
		s.abort()
		return nil
	}
	if next.Timeline.Tempo != bpm {
		next.Timeline = next.Timeline.WithTempo(bpm, now)
		next.Stamp = s.stamp(now)
	}
	s.commit(next, now, true)
	return nil
}

// SetIsPlaying schedules a transport change at the given local time.
func (s *Session) SetIsPlaying(playing bool, at time.Duration) {
	next, now, stamped := s.begin()
	if !s.setPlaying(next, playing, at, now, nil) && !stamped {
		s.abort()
		return
	}
	s.commit(next, now, true)
}

// setPlaying reports whether the transport state changed. A start that
// carries a beat request takes effect at the instant the beat is placed, so
// playback begins on a quantum boundary.
func (s *Session) setPlaying(next *Snapshot, playing bool, at, now time.Duration, req *timeline.BeatRequest) bool {
	prior := next.StartStop.IsPlayingAt(now)
	if req == nil && prior == playing && !next.StartStop.Scheduled(now) && at <= now {
		return false
	}
	if playing && !prior && req == nil && next.PendingStart != nil {
		pending := *next.PendingStart
		req = &pending
	}
	if playing && req != nil {
		mode := placeStart
		if prior {
			mode = placeNext
		}
		ts, rewrote := s.requestBeat(next, req.Beat, at, req.Quantum, now, mode)
		if rewrote {
			next.Stamp = s.stamp(now)
		}
		if !prior {
			at = ts
		}
		next.PendingStart = nil
	}
	next.StartStop = timeline.StartStop{
		Playing: playing,
		Prior:   prior,
		Stamp:   s.stamp(at),
		Request: req,
	}
	return true
}

// RequestBeatAtTime asks for beat to fall on at. With peers present the
// shared phase is kept and beats are renumbered from the first quantum
// boundary matching beat's phase at or after at. Alone a future request is
// exact; a request for now or the past switches to the requested mapping at
// the next quantum boundary, so the beat at the call does not move.
func (s *Session) RequestBeatAtTime(beat float64, at time.Duration, quantum float64) error {
	if err := checkRequest(beat, quantum); err != nil {
		return err
	}
	next, now, _ := s.begin()
	if _, rewrote := s.requestBeat(next, beat, at, quantum, now, placeNext); rewrote {
		next.Stamp = s.stamp(now)
	}
	s.commit(next, now, true)
	return nil
}

// placement selects how requestBeat picks the switch time.
type placement int

const (
	// placeNext keeps the beat at now and switches at a later boundary.
	placeNext placement = iota
	// placeStart places the beat where stopped transport starts; alone, a
	// start in the past remaps immediately since nothing was playing.
	placeStart
	// placeSnap takes a peer's start time, already on a boundary of the
	// shared timeline, and snaps to the closest match.
	placeSnap
)

// requestBeat installs the shift or rewrite that puts beat on a quantum
// boundary at or after at. It returns the switch time and whether the shared
// timeline was rewritten.
func (s *Session) requestBeat(next *Snapshot, beat float64, at time.Duration, quantum float64, now time.Duration, mode placement) (time.Duration, bool) {
	base := next.Shift.Value(now)

	if next.Peers > 0 {
		t0 := at
		if mode != placeSnap && t0 < now {
			t0 = now
		}
		a0 := next.Timeline.BeatAtTime(t0) + base
		match := timeline.NextPhaseMatch(a0, beat, quantum)
		if mode == placeSnap {
			match = timeline.ClosestPhaseMatch(a0, beat, quantum)
		}
		ts := next.Timeline.TimeAtBeat(match - base)
		if mode != placeSnap && ts < t0 {
			ts = t0
		}
		if mode == placeNext && ts <= now {
			match += quantum
			ts = next.Timeline.TimeAtBeat(match - base)
		}
		next.Shift = timeline.Shift{
			Before: base,
			After:  base + math.Round((beat-match)/quantum)*quantum,
			At:     ts,
		}
		return ts, false
	}

	a := next.Timeline.BeatAtTime(at) + base
	switch {
	case at > now:
		next.Shift = timeline.Shift{Before: base, After: base + beat - a, At: at, Fold: true}
		return at, false
	case mode != placeNext:
		next.Timeline = next.Timeline.Shift(beat - a).Reanchor(now)
		next.Shift = timeline.Constant(base)
		return at, true
	}

	// Switch to the requested mapping at the next boundary after now.
	cur := next.Timeline.BeatAtTime(now) + base
	bar := timeline.NextPhaseMatch(cur, 0, quantum)
	if bar <= cur {
		bar += quantum
	}
	ts := next.Timeline.TimeAtBeat(bar - base)
	if ts <= now {
		ts = now + 1
	}
	next.Shift = timeline.Shift{Before: base, After: base + beat - a, At: ts, Fold: true}
	return ts, false
}

// ForceBeatAtTime maps beat to at immediately, moving the shared phase so
// every peer follows.
func (s *Session) ForceBeatAtTime(beat float64, at time.Duration, quantum float64) error {
	if err := checkRequest(beat, quantum); err != nil {
		return err
	}
	next, now, _ := s.begin()
	base := next.Shift.Value(now)
	cur := next.Timeline.BeatAtTime(at) + base
	closest := timeline.ClosestPhaseMatch(cur, beat, quantum)
	next.Timeline = next.Timeline.Shift(closest - cur).Reanchor(now)
	next.Shift = timeline.Constant(base + math.Round((beat-closest)/quantum)*quantum)
	next.Stamp = s.stamp(now)
	s.commit(next, now, true)
	return nil
}

// RequestBeatAtStartPlayingTime maps beat to the time transport starts. When
// stopped the request waits for the next start.
func (s *Session) RequestBeatAtStartPlayingTime(beat, quantum float64) error {
	if err := checkRequest(beat, quantum); err != nil {
		return err
	}
	next, now, _ := s.begin()
	ss := next.StartStop
	switch {
	case ss.Playing && ss.Scheduled(now):
		// Move the pending start onto the boundary the beat lands on.
		req := &timeline.BeatRequest{Beat: beat, Quantum: quantum}
		ts, rewrote := s.requestBeat(next, beat, ss.Stamp.At, quantum, now, placeStart)
		if rewrote {
			next.Stamp = s.stamp(now)
		}
		ss.Stamp = s.stamp(ts)
		ss.Request = req
		next.StartStop = ss
	case ss.Playing && ss.IsPlayingAt(now):
		if _, rewrote := s.requestBeat(next, beat, ss.Stamp.At, quantum, now, placeNext); rewrote {
			next.Stamp = s.stamp(now)
		}
	default:
		next.PendingStart = &timeline.BeatRequest{Beat: beat, Quantum: quantum}
	}
	s.commit(next, now, true)
	return nil
}

// SetIsPlayingAndRequestBeatAtTime changes transport and maps beat to the
// same instant. With peers a start waits for the first boundary at or after
// at where beat's phase matches the session.
func (s *Session) SetIsPlayingAndRequestBeatAtTime(playing bool, at time.Duration, beat, quantum float64) error {
	if err := checkRequest(beat, quantum); err != nil {
		return err
	}
	next, now, _ := s.begin()
	if playing {
		next.PendingStart = nil
		s.setPlaying(next, true, at, now, &timeline.BeatRequest{Beat: beat, Quantum: quantum})
	} else {
		s.setPlaying(next, false, at, now, nil)
		if _, rewrote := s.requestBeat(next, beat, at, quantum, now, placeNext); rewrote {
			next.Stamp = s.stamp(now)
		}
	}
	s.commit(next, now, true)
	return nil
}

func (s *Session) EnableStartStopSync(on bool) {
	next, now, stamped := s.begin()
	if next.StartStopSync == on && !stamped {
		s.abort()
		return
	}
	next.StartStopSync = on
	s.commit(next, now, stamped)
}

// MergeTimeline offers a peer's timeline, already translated to the local
// clock. It is adopted only if its stamp is newer, re-anchored at now.
func (s *Session) MergeTimeline(tl timeline.Timeline, st timeline.Stamp) bool {
	if !tl.Valid() {
		return false
	}
	next, now, stamped := s.begin()
	if !st.Newer(next.Stamp) {
		if stamped {
			s.commit(next, now, true)
		} else {
			s.abort()
		}
		return false
	}
	next.Timeline = tl.Reanchor(now)
	next.Stamp = st
	return s.commit(next, now, stamped)
}

// MergeStartStop offers a peer's transport state. Ignored while start/stop
// sync is off.
func (s *Session) MergeStartStop(ss timeline.StartStop) bool {
	next, now, stamped := s.begin()
	if !next.StartStopSync || !ss.Stamp.Newer(next.StartStop.Stamp) {
		if stamped {
			s.commit(next, now, true)
		} else {
			s.abort()
		}
		return false
	}
	starting := ss.Playing && !ss.Prior
	req, mode := ss.Request, placeSnap
	if starting && next.PendingStart != nil {
		req, mode = next.PendingStart, placeStart
		next.PendingStart = nil
	}
	if starting && req != nil {
		if _, rewrote := s.requestBeat(next, req.Beat, ss.Stamp.At, req.Quantum, now, mode); rewrote {
			next.Stamp = s.stamp(now)
			stamped = true
		}
	}
	next.StartStop = ss
	return s.commit(next, now, stamped)
}

func (s *Session) SetPeerCount(n int) {
	s.UpdatePeerCount(func() int { return n })
}

// UpdatePeerCount publishes count(), evaluated under the writer lock.
func (s *Session) UpdatePeerCount(count func() int) {
	next, now, stamped := s.begin()
	n := count()
	if n < 0 {
		n = 0
	}
	if next.Peers == n && !stamped {
		s.abort()
		return
	}
	next.Peers = n
	s.commit(next, now, stamped)
}

// Tick applies whatever became due since the last write: elapsed shifts and
// scheduled transport changes.
func (s *Session) Tick() {
	next, now, stamped := s.begin()
	s.commit(next, now, stamped)
}

func checkRequest(beat, quantum float64) error {
	if !timeline.ValidQuantum(quantum) {
		return ErrInvalidQuantum
	}
	if !finite(beat) {
		return ErrInvalidBeat
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
