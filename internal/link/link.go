// Package link is the session engine: it owns one session, discovers peers
// on a transport, keeps their clock offsets fresh and exchanges timeline
// state with them.
//
// OnTempo, OnPeerCount and OnStartStop are the only callbacks. There is no
// beat or phase crossing notification; audio and timer code reads Capture
// (or Beat and Phase) on its own schedule instead.
package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ktamas77/ableton-link/internal/clock"
	"github.com/ktamas77/ableton-link/internal/clocksync"
	"github.com/ktamas77/ableton-link/internal/p2p"
	"github.com/ktamas77/ableton-link/internal/session"
	"github.com/ktamas77/ableton-link/internal/state"
)

var log = logging.Logger("link")

type Timings struct {
	Advertise   time.Duration
	Jitter      float64 // fraction of Advertise, 0.2 = ±20%
	PeerTimeout time.Duration
	Reap        time.Duration
	Broadcast   time.Duration
	MinGap      time.Duration // between two state broadcasts
	Ping        time.Duration
	PeerRate    int // messages per second accepted from one peer
	OpenTimeout time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		Advertise:   time.Second,
		Jitter:      0.2,
		PeerTimeout: 5 * time.Second,
		Reap:        250 * time.Millisecond,
		Broadcast:   250 * time.Millisecond,
		MinGap:      20 * time.Millisecond,
		Ping:        500 * time.Millisecond,
		PeerRate:    200,
		OpenTimeout: 5 * time.Second,
	}
}

type Option func(*Link)

func WithClock(c clock.Clock) Option { return func(l *Link) { l.clk = c } }

func WithDialer(d p2p.Dialer) Option { return func(l *Link) { l.dial = d } }

func WithTimings(t Timings) Option { return func(l *Link) { l.timings = t } }

func WithClockSync(cfg clocksync.Config) Option { return func(l *Link) { l.syncCfg = cfg } }

func WithID(id string) Option { return func(l *Link) { l.id = id } }

func WithStartStopSync(on bool) Option { return func(l *Link) { l.startStopSync = on } }

type Stats struct {
	Sent       uint64 `json:"sent"`
	Received   uint64 `json:"received"`
	Invalid    uint64 `json:"invalid"`
	Duplicate  uint64 `json:"duplicate"`
	Limited    uint64 `json:"limited"`
	SendErrors uint64 `json:"send_errors"`
	Merged     uint64 `json:"merged"`
}

type counters struct {
	sent, received, invalid, duplicate, limited, sendErrors, merged atomic.Uint64
}

type Link struct {
	id            string
	clk           clock.Clock
	dial          p2p.Dialer
	timings       Timings
	syncCfg       clocksync.Config
	startStopSync bool

	sess    *session.Session
	peers   *state.PeerTable
	offsets *clocksync.Estimator
	limiter *rateLimiter

	toggle  sync.Mutex // serializes Enable
	mu      sync.Mutex
	enabled bool
	tr      p2p.Transport
	cancel  context.CancelFunc
	group   *errgroup.Group
	kick    chan struct{}

	dueMu sync.Mutex
	due   *time.Timer

	seq   atomic.Uint64
	stats counters
}

// New creates a disabled engine at the given tempo.
func New(bpm float64, opts ...Option) (*Link, error) {
	l := &Link{
		timings: DefaultTimings(),
		syncCfg: clocksync.DefaultConfig(),
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.id == "" {
		l.id = uuid.NewString()
	}
	if l.clk == nil {
		l.clk = clock.System()
	}
	if l.syncCfg.Timeout <= 0 {
		l.syncCfg.Timeout = l.timings.PeerTimeout
	}

	sess, err := session.New(session.Config{
		ID:            l.id,
		Tempo:         bpm,
		Clock:         l.clk,
		StartStopSync: l.startStopSync,
	})
	if err != nil {
		return nil, err
	}
	l.sess = sess
	l.peers = state.NewPeerTable()
	l.offsets = clocksync.New(l.syncCfg)
	l.limiter = newRateLimiter(l.timings.PeerRate, 0)
	sess.SetHooks(session.Hooks{Due: l.scheduleTick, Changed: l.kickBroadcast})
	return l, nil
}

func (l *Link) ID() string { return l.id }

// Now is the engine clock all times passed in and out are measured on.
func (l *Link) Now() time.Duration { return l.clk.Now() }

// Capture returns the current session snapshot without blocking.
func (l *Link) Capture() *session.Snapshot { return l.sess.Capture() }

func (l *Link) Tempo() float64 { return l.sess.Capture().Tempo() }

func (l *Link) SetTempo(bpm float64) error { return l.sess.SetTempo(bpm) }

func (l *Link) Beat() float64 { return l.BeatAtTime(l.Now()) }

func (l *Link) BeatAtTime(t time.Duration) float64 { return l.sess.Capture().BeatAtTime(t) }

func (l *Link) Phase(quantum float64) (float64, error) {
	return l.PhaseAtTime(l.Now(), quantum)
}

func (l *Link) PhaseAtTime(t time.Duration, quantum float64) (float64, error) {
	return l.sess.Capture().PhaseAtTime(t, quantum)
}

// TimeForBeat is the next time from now at which beat's phase comes round.
func (l *Link) TimeForBeat(beat, quantum float64) (time.Duration, error) {
	return l.sess.Capture().TimeForBeat(beat, quantum, l.Now())
}

func (l *Link) TimeAtBeat(beat float64) time.Duration { return l.sess.Capture().TimeAtBeat(beat) }

func (l *Link) IsPlaying() bool { return l.sess.Capture().IsPlayingAt(l.Now()) }

func (l *Link) SetIsPlaying(playing bool) { l.sess.SetIsPlaying(playing, l.Now()) }

func (l *Link) SetIsPlayingAt(playing bool, at time.Duration) { l.sess.SetIsPlaying(playing, at) }

func (l *Link) RequestBeatAtTime(beat float64, at time.Duration, quantum float64) error {
	return l.sess.RequestBeatAtTime(beat, at, quantum)
}

func (l *Link) ForceBeatAtTime(beat float64, at time.Duration, quantum float64) error {
	return l.sess.ForceBeatAtTime(beat, at, quantum)
}

func (l *Link) RequestBeatAtStartPlayingTime(beat, quantum float64) error {
	return l.sess.RequestBeatAtStartPlayingTime(beat, quantum)
}

func (l *Link) SetIsPlayingAndRequestBeatAtTime(playing bool, at time.Duration, beat, quantum float64) error {
	return l.sess.SetIsPlayingAndRequestBeatAtTime(playing, at, beat, quantum)
}

func (l *Link) EnableStartStopSync(on bool) {
	l.sess.EnableStartStopSync(on)
	l.kickBroadcast()
}

func (l *Link) IsStartStopSyncEnabled() bool { return l.sess.Capture().StartStopSync }

func (l *Link) NumPeers() int { return l.sess.Capture().Peers }

func (l *Link) Peers() []state.Peer { return l.peers.Snapshot() }

// Offset reports the clock offset held for a peer.
func (l *Link) Offset(peerID string) (time.Duration, bool) {
	return l.offsets.Offset(peerID, l.Now())
}

func (l *Link) OnTempo(fn func(bpm float64)) { l.sess.OnTempo(fn) }

func (l *Link) OnPeerCount(fn func(n int)) { l.sess.OnPeerCount(fn) }

func (l *Link) OnStartStop(fn func(playing bool)) { l.sess.OnStartStop(fn) }

func (l *Link) Subscribe() chan session.Event { return l.sess.Subscribe() }

func (l *Link) Unsubscribe(ch chan session.Event) { l.sess.Unsubscribe(ch) }

func (l *Link) Stats() Stats {
	return Stats{
		Sent:       l.stats.sent.Load(),
		Received:   l.stats.received.Load(),
		Invalid:    l.stats.invalid.Load(),
		Duplicate:  l.stats.duplicate.Load(),
		Limited:    l.stats.limited.Load(),
		SendErrors: l.stats.sendErrors.Load(),
		Merged:     l.stats.merged.Load(),
	}
}

// scheduleTick arranges for the session to be ticked at the given engine
// time so scheduled transport changes notify on time.
func (l *Link) scheduleTick(at time.Duration) {
	d := at - l.Now()
	if d < 0 {
		d = 0
	}
	l.dueMu.Lock()
	defer l.dueMu.Unlock()
	if l.due != nil {
		l.due.Stop()
	}
	l.due = time.AfterFunc(d, l.sess.Tick)
}

func (l *Link) kickBroadcast() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Close disables the engine and stops pending timers.
func (l *Link) Close() error {
	err := l.Enable(false)
	l.dueMu.Lock()
	if l.due != nil {
		l.due.Stop()
	}
	l.dueMu.Unlock()
	return err
}
