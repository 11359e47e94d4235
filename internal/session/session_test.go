package session

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ktamas77/ableton-link/internal/clock"
	"github.com/ktamas77/ableton-link/internal/timeline"
)

const tol = 1e-6

func newTestSession(t *testing.T) (*Session, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(10 * time.Second)
	s, err := New(Config{ID: "self", Tempo: 120, Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, clk
}

func TestNewRejectsInvalidTempo(t *testing.T) {
	for _, bpm := range []float64{0, -10, math.NaN(), math.Inf(1)} {
		if _, err := New(Config{ID: "x", Tempo: bpm}); !errors.Is(err, ErrInvalidTempo) {
			t.Fatalf("New(%v) err = %v", bpm, err)
		}
	}
	if _, err := New(Config{Tempo: 120}); err == nil {
		t.Fatal("New without id succeeded")
	}
}

func TestSetTempoNotifiesOnce(t *testing.T) {
	s, _ := newTestSession(t)
	var calls []float64
	s.OnTempo(func(bpm float64) { calls = append(calls, bpm) })

	if err := s.SetTempo(128); err != nil {
		t.Fatalf("SetTempo: %v", err)
	}
	if got := s.Capture().Tempo(); got != 128 {
		t.Fatalf("tempo = %v, want 128", got)
	}
	if err := s.SetTempo(128); err != nil {
		t.Fatalf("SetTempo again: %v", err)
	}
	if len(calls) != 1 || calls[0] != 128 {
		t.Fatalf("tempo callbacks = %v", calls)
	}

	before := s.Capture()
	if err := s.SetTempo(0); !errors.Is(err, ErrInvalidTempo) {
		t.Fatalf("SetTempo(0) err = %v", err)
	}
	if s.Capture() != before {
		t.Fatal("rejected tempo changed state")
	}
}

func TestTempoChangeKeepsBeat(t *testing.T) {
	s, clk := newTestSession(t)
	clk.Advance(1500 * time.Millisecond)
	now := clk.Now()
	before := s.Capture().BeatAtTime(now)

	if err := s.SetTempo(90); err != nil {
		t.Fatal(err)
	}
	snap := s.Capture()
	if got := snap.BeatAtTime(now); math.Abs(got-before) > tol {
		t.Fatalf("beat jumped: %v -> %v", before, got)
	}
	// Linear at the new tempo from here on.
	later := now + 2*time.Second
	if got, want := snap.BeatAtTime(later)-snap.BeatAtTime(now), 3.0; math.Abs(got-want) > tol {
		t.Fatalf("beats over 2s at 90bpm = %v, want %v", got, want)
	}
	if snap.Stamp.Origin != "self" || snap.Stamp.Version == 0 {
		t.Fatalf("local change not stamped: %+v", snap.Stamp)
	}
}

func TestPhaseAtTime(t *testing.T) {
	s, clk := newTestSession(t)
	snap := s.Capture()
	for i := -50; i < 50; i++ {
		at := clk.Now() + time.Duration(i)*137*time.Millisecond
		p, err := snap.PhaseAtTime(at, 4)
		if err != nil {
			t.Fatal(err)
		}
		if p < 0 || p >= 4 {
			t.Fatalf("phase %v out of range at %v", p, at)
		}
	}
	if _, err := snap.PhaseAtTime(0, 0); !errors.Is(err, ErrInvalidQuantum) {
		t.Fatalf("quantum 0 err = %v", err)
	}
}

func TestRequestBeatAtTimeAlone(t *testing.T) {
	s, clk := newTestSession(t)
	now := clk.Now()
	at := now + time.Second
	before := s.Capture()

	if err := s.RequestBeatAtTime(10, at, 4); err != nil {
		t.Fatal(err)
	}
	snap := s.Capture()
	if got, want := snap.BeatAtTime(now), before.BeatAtTime(now); math.Abs(got-want) > tol {
		t.Fatalf("beat at call time changed: %v -> %v", want, got)
	}
	if got := snap.BeatAtTime(at); math.Abs(got-10) > tol {
		t.Fatalf("beat at requested time = %v, want 10", got)
	}
	if snap.Stamp != before.Stamp {
		t.Fatal("shared timeline changed before the switch time")
	}

	clk.Set(at + 500*time.Millisecond)
	s.Tick()
	folded := s.Capture()
	if folded.Stamp.Version == 0 {
		t.Fatal("shift was not folded into the shared timeline")
	}
	if got := folded.BeatAtTime(at); math.Abs(got-10) > tol {
		t.Fatalf("beat at requested time after fold = %v", got)
	}
	if folded.Shift.Before != 0 || folded.Shift.After != 0 {
		t.Fatalf("shift left after fold: %+v", folded.Shift)
	}
}

func TestRequestBeatAtTimePastAlone(t *testing.T) {
	s, clk := newTestSession(t)
	clk.Advance(300 * time.Millisecond)
	now := clk.Now()
	before := s.Capture()

	// Beat 0.6 now; asking for beat 3 a second ago means beat 5 now.
	if err := s.RequestBeatAtTime(3, now-time.Second, 4); err != nil {
		t.Fatal(err)
	}
	snap := s.Capture()
	if got, want := snap.BeatAtTime(now), before.BeatAtTime(now); math.Abs(got-want) > tol {
		t.Fatalf("beat at call time changed: %v -> %v", want, got)
	}
	// The switch waits for the next bar line, beat 4 at +1.7s.
	switchAt := now + 1700*time.Millisecond
	if snap.Shift.At != switchAt {
		t.Fatalf("switch at %v, want %v", snap.Shift.At, switchAt)
	}
	if got := snap.BeatAtTime(switchAt); math.Abs(got-8.4) > tol {
		t.Fatalf("beat at switch = %v, want 8.4", got)
	}

	clk.Set(switchAt + 100*time.Millisecond)
	s.Tick()
	folded := s.Capture()
	if got := folded.BeatAtTime(now - time.Second); math.Abs(got-3) > tol {
		t.Fatalf("beat at requested time after fold = %v, want 3", got)
	}
}

func TestRequestBeatAtNowIsContinuous(t *testing.T) {
	tests := []struct {
		name  string
		peers int
		beat  float64
		ago   time.Duration
	}{
		{"alone now", 0, 2, 0},
		{"alone past", 0, 7.25, 3 * time.Second},
		{"peers now on the bar", 1, 8, 0},
		{"peers now off the bar", 1, 1, 0},
		{"peers past", 1, 2, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clk := newTestSession(t)
			s.SetPeerCount(tt.peers)
			now := clk.Now()
			before := s.Capture().BeatAtTime(now)
			if err := s.RequestBeatAtTime(tt.beat, now-tt.ago, 4); err != nil {
				t.Fatal(err)
			}
			snap := s.Capture()
			if got := snap.BeatAtTime(now); math.Abs(got-before) > tol {
				t.Fatalf("beat at call time changed: %v -> %v", before, got)
			}
			if snap.Shift.Before != snap.Shift.After && snap.Shift.At <= now {
				t.Fatalf("shift switches at the call: %+v", snap.Shift)
			}
		})
	}
}

func TestRequestBeatAtTimeWithPeersKeepsPhase(t *testing.T) {
	s, clk := newTestSession(t)
	s.SetPeerCount(1)
	now := clk.Now()
	before := s.Capture()

	if err := s.RequestBeatAtTime(1, now+time.Second, 4); err != nil {
		t.Fatal(err)
	}
	snap := s.Capture()
	if snap.Stamp != before.Stamp || snap.Timeline != before.Timeline {
		t.Fatal("phase-preserving request touched the shared timeline")
	}
	// Beat 2 at +1s; the next beat with phase 1 is 5, at +2.5s.
	switchAt := now + 2500*time.Millisecond
	if snap.Shift.At != switchAt {
		t.Fatalf("switch at %v, want %v", snap.Shift.At, switchAt)
	}
	if got := snap.BeatAtTime(switchAt); math.Abs(got-1) > tol {
		t.Fatalf("beat at switch = %v, want 1", got)
	}
	for _, at := range []time.Duration{now, now + time.Second, switchAt, switchAt + 3*time.Second} {
		pb, _ := before.PhaseAtTime(at, 4)
		pa, _ := snap.PhaseAtTime(at, 4)
		if math.Abs(pa-pb) > tol {
			t.Fatalf("phase changed at %v: %v -> %v", at, pb, pa)
		}
	}
}

func TestSetIsPlayingAndRequestBeatAtTime(t *testing.T) {
	s, clk := newTestSession(t)
	var playing []bool
	s.OnStartStop(func(p bool) { playing = append(playing, p) })

	start := clk.Now() + 2*time.Second
	if err := s.SetIsPlayingAndRequestBeatAtTime(true, start, 0, 4); err != nil {
		t.Fatal(err)
	}

	clk.Set(start - time.Millisecond)
	s.Tick()
	snap := s.Capture()
	if snap.IsPlayingAt(clk.Now()) {
		t.Fatal("playing before the requested start")
	}
	if len(playing) != 0 {
		t.Fatalf("early start/stop callback: %v", playing)
	}

	clk.Set(start)
	s.Tick()
	snap = s.Capture()
	if !snap.IsPlayingAt(start) {
		t.Fatal("not playing at the requested start")
	}
	p, _ := snap.PhaseAtTime(start, 4)
	if math.Min(p, 4-p) > tol {
		t.Fatalf("phase at start = %v, want 0", p)
	}
	s.Tick()
	if len(playing) != 1 || !playing[0] {
		t.Fatalf("start/stop callbacks = %v", playing)
	}
}

func TestRequestBeatAtStartPlayingTime(t *testing.T) {
	s, clk := newTestSession(t)
	if err := s.RequestBeatAtStartPlayingTime(0, 4); err != nil {
		t.Fatal(err)
	}
	if s.Capture().PendingStart == nil {
		t.Fatal("request while stopped was not kept")
	}

	clk.Advance(700 * time.Millisecond)
	now := clk.Now()
	s.SetIsPlaying(true, now)
	snap := s.Capture()
	if snap.PendingStart != nil {
		t.Fatal("pending request not consumed by start")
	}
	if got := snap.BeatAtTime(now); math.Abs(got) > tol {
		t.Fatalf("beat at start = %v, want 0", got)
	}
	if snap.StartStop.Request == nil {
		t.Fatal("start does not carry the beat request")
	}

	// Already playing: maps onto the time playback started once the next
	// bar line is reached, without moving the current beat.
	clk.Advance(time.Second)
	later := clk.Now()
	beatBefore := s.Capture().BeatAtTime(later)
	if err := s.RequestBeatAtStartPlayingTime(8, 4); err != nil {
		t.Fatal(err)
	}
	snap = s.Capture()
	if got := snap.BeatAtTime(later); math.Abs(got-beatBefore) > tol {
		t.Fatalf("beat moved at the call: %v -> %v", beatBefore, got)
	}
	clk.Set(snap.Shift.At)
	s.Tick()
	if got := s.Capture().BeatAtTime(now); math.Abs(got-8) > tol {
		t.Fatalf("beat at start after remap = %v, want 8", got)
	}
}

func TestQuantizedStartWithPeers(t *testing.T) {
	s, clk := newTestSession(t)
	s.SetPeerCount(1)
	clk.Advance(300 * time.Millisecond)
	var playing []bool
	s.OnStartStop(func(p bool) { playing = append(playing, p) })

	// Beat 4.6 at the requested time; the bar line at beat 8 is 14s.
	requested := clk.Now() + 2*time.Second
	if err := s.SetIsPlayingAndRequestBeatAtTime(true, requested, 0, 4); err != nil {
		t.Fatal(err)
	}
	snap := s.Capture()
	start := 14 * time.Second
	if snap.StartStop.Stamp.At != start {
		t.Fatalf("start at %v, want %v", snap.StartStop.Stamp.At, start)
	}
	for _, at := range []time.Duration{requested, start - time.Millisecond} {
		if snap.IsPlayingAt(at) {
			t.Fatalf("playing at %v, before the bar line", at)
		}
	}
	if !snap.IsPlayingAt(start) {
		t.Fatal("not playing at the bar line")
	}
	if got := snap.BeatAtTime(start); math.Abs(got) > tol {
		t.Fatalf("beat at start = %v, want 0", got)
	}
	if p, _ := snap.PhaseAtTime(start, 4); math.Min(p, 4-p) > tol {
		t.Fatalf("phase at start = %v, want 0", p)
	}

	clk.Set(start)
	s.Tick()
	if len(playing) != 1 || !playing[0] {
		t.Fatalf("start/stop callbacks = %v", playing)
	}
}

func TestRequestBeatMovesScheduledStart(t *testing.T) {
	s, clk := newTestSession(t)
	s.SetPeerCount(1)
	s.SetIsPlaying(true, clk.Now()+1200*time.Millisecond)

	if err := s.RequestBeatAtStartPlayingTime(0, 4); err != nil {
		t.Fatal(err)
	}
	snap := s.Capture()
	// Beat 2.4 at the scheduled start; the bar line at beat 4 is +2s.
	start := clk.Now() + 2*time.Second
	if snap.StartStop.Stamp.At != start || snap.StartStop.Request == nil {
		t.Fatalf("start = %+v, want at %v with a request", snap.StartStop, start)
	}
	if got := snap.BeatAtTime(start); math.Abs(got) > tol {
		t.Fatalf("beat at start = %v, want 0", got)
	}
}

func TestSetIsPlayingNoop(t *testing.T) {
	s, clk := newTestSession(t)
	var calls int
	s.OnStartStop(func(bool) { calls++ })

	s.SetIsPlaying(false, clk.Now())
	if calls != 0 || s.Capture().StartStop.Stamp.Version != 0 {
		t.Fatal("stopping a stopped transport changed state")
	}
	s.SetIsPlaying(true, clk.Now())
	s.SetIsPlaying(true, clk.Now())
	if calls != 1 {
		t.Fatalf("callbacks = %d, want 1", calls)
	}
	s.SetIsPlaying(false, clk.Now())
	if calls != 2 || s.Capture().IsPlayingAt(clk.Now()) {
		t.Fatal("stop not applied")
	}
}

func TestForceBeatAtTime(t *testing.T) {
	s, clk := newTestSession(t)
	s.SetPeerCount(2)
	now := clk.Now()
	before := s.Capture()

	if err := s.ForceBeatAtTime(6.5, now, 4); err != nil {
		t.Fatal(err)
	}
	snap := s.Capture()
	if got := snap.BeatAtTime(now); math.Abs(got-6.5) > tol {
		t.Fatalf("beat = %v, want 6.5", got)
	}
	if !snap.Stamp.Newer(before.Stamp) {
		t.Fatal("forced beat was not stamped as a shared change")
	}
	sp := timeline.Phase(snap.Timeline.BeatAtTime(now), 4)
	if math.Abs(sp-2.5) > tol {
		t.Fatalf("shared phase = %v, want 2.5", sp)
	}
}

func TestInvalidRequestsKeepState(t *testing.T) {
	s, clk := newTestSession(t)
	before := s.Capture()
	now := clk.Now()

	checks := []struct {
		name string
		err  error
		want error
	}{
		{"request quantum 0", s.RequestBeatAtTime(0, now, 0), ErrInvalidQuantum},
		{"request NaN beat", s.RequestBeatAtTime(math.NaN(), now, 4), ErrInvalidBeat},
		{"force negative quantum", s.ForceBeatAtTime(0, now, -4), ErrInvalidQuantum},
		{"start request quantum NaN", s.RequestBeatAtStartPlayingTime(0, math.NaN()), ErrInvalidQuantum},
		{"play and request", s.SetIsPlayingAndRequestBeatAtTime(true, now, 0, 0), ErrInvalidQuantum},
	}
	for _, c := range checks {
		if !errors.Is(c.err, c.want) {
			t.Fatalf("%s: err = %v, want %v", c.name, c.err, c.want)
		}
	}
	if s.Capture() != before {
		t.Fatal("rejected requests changed state")
	}
	if _, err := before.TimeForBeat(0, 0, now); !errors.Is(err, ErrInvalidQuantum) {
		t.Fatalf("TimeForBeat err = %v", err)
	}
}

func TestTimeForBeat(t *testing.T) {
	s, clk := newTestSession(t)
	snap := s.Capture()
	now := clk.Now()

	// 120bpm from beat 0 at now: phase 1 of 4 next occurs at beat 1.
	got, err := snap.TimeForBeat(5, 4, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := now + 500*time.Millisecond; got != want {
		t.Fatalf("TimeForBeat = %v, want %v", got, want)
	}
	got, _ = snap.TimeForBeat(0, 4, now+100*time.Millisecond)
	if want := now + 2*time.Second; got != want {
		t.Fatalf("TimeForBeat after ref = %v, want %v", got, want)
	}
	if at := snap.TimeAtBeat(3); at != now+1500*time.Millisecond {
		t.Fatalf("TimeAtBeat(3) = %v", at)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	s, clk := newTestSession(t)
	var tempos []float64
	s.OnTempo(func(bpm float64) { tempos = append(tempos, bpm) })

	tl := timeline.Timeline{Tempo: 130, BeatOrigin: 3, TimeOrigin: clk.Now() - time.Second}
	st := timeline.Stamp{Origin: "peer", Version: 1, At: clk.Now() - time.Second}

	if !s.MergeTimeline(tl, st) {
		t.Fatal("newer peer timeline rejected")
	}
	first := s.Capture()
	clk.Advance(10 * time.Millisecond)
	if s.MergeTimeline(tl, st) {
		t.Fatal("same message merged twice")
	}
	second := s.Capture()
	if second != first {
		t.Fatal("duplicate merge published a new snapshot")
	}
	if len(tempos) != 1 || tempos[0] != 130 {
		t.Fatalf("tempo callbacks = %v", tempos)
	}
	// Adopted mapping, re-anchored at the merge time.
	now := clk.Now()
	if got, want := second.BeatAtTime(now), tl.BeatAtTime(now); math.Abs(got-want) > tol {
		t.Fatalf("adopted beat = %v, want %v", got, want)
	}
}

func TestMergeLastWriterWinsInEitherOrder(t *testing.T) {
	base := 10 * time.Second
	a := timeline.Timeline{Tempo: 121, TimeOrigin: base}
	aSt := timeline.Stamp{Origin: "p", Version: 3, At: base + time.Second}
	b := timeline.Timeline{Tempo: 125, TimeOrigin: base}
	bSt := timeline.Stamp{Origin: "q", Version: 1, At: base + 2*time.Second}

	for _, order := range []string{"ab", "ba"} {
		t.Run(order, func(t *testing.T) {
			s, _ := newTestSession(t)
			if order == "ab" {
				s.MergeTimeline(a, aSt)
				s.MergeTimeline(b, bSt)
			} else {
				s.MergeTimeline(b, bSt)
				s.MergeTimeline(a, aSt)
			}
			snap := s.Capture()
			if snap.Tempo() != 125 || snap.Stamp != bSt {
				t.Fatalf("got tempo %v stamp %+v", snap.Tempo(), snap.Stamp)
			}
		})
	}
}

func TestInitialStateNeverOverridesChange(t *testing.T) {
	s, clk := newTestSession(t)
	if err := s.SetTempo(140); err != nil {
		t.Fatal(err)
	}
	joiner := timeline.Timeline{Tempo: 100, TimeOrigin: clk.Now()}
	if s.MergeTimeline(joiner, timeline.Stamp{Origin: "zzz"}) {
		t.Fatal("initial peer state replaced a real change")
	}
	if s.Capture().Tempo() != 140 {
		t.Fatal("tempo lost")
	}

	// Older change from another peer loses against our newer one.
	old := timeline.Stamp{Origin: "peer", Version: 9, At: clk.Now() - time.Second}
	if s.MergeTimeline(joiner, old) {
		t.Fatal("older change won")
	}
}

func TestMergeStartStopGate(t *testing.T) {
	s, clk := newTestSession(t)
	var playing []bool
	s.OnStartStop(func(p bool) { playing = append(playing, p) })

	start := timeline.StartStop{
		Playing: true,
		Stamp:   timeline.Stamp{Origin: "peer", Version: 1, At: clk.Now()},
	}
	if s.MergeStartStop(start) {
		t.Fatal("transport merged with start/stop sync off")
	}
	s.EnableStartStopSync(true)
	if !s.Capture().StartStopSync {
		t.Fatal("sync flag not set")
	}
	if !s.MergeStartStop(start) {
		t.Fatal("transport not merged with sync on")
	}
	if s.MergeStartStop(start) {
		t.Fatal("transport merged twice")
	}
	if len(playing) != 1 || !playing[0] {
		t.Fatalf("start/stop callbacks = %v", playing)
	}
}

func TestMergeStartWithBeatRequest(t *testing.T) {
	s, clk := newTestSession(t)
	s.EnableStartStopSync(true)
	s.SetPeerCount(1)

	startAt := clk.Now() + 1200*time.Millisecond
	s.MergeStartStop(timeline.StartStop{
		Playing: true,
		Stamp:   timeline.Stamp{Origin: "peer", Version: 1, At: startAt},
		Request: &timeline.BeatRequest{Beat: 0, Quantum: 4},
	})
	snap := s.Capture()
	if snap.IsPlayingAt(clk.Now()) || !snap.IsPlayingAt(startAt) {
		t.Fatal("scheduled start not honoured")
	}
	// Beat 2.4 at startAt; next bar line is beat 4 at +2s, renumbered to 0.
	at := snap.Shift.At
	if at != clk.Now()+2*time.Second {
		t.Fatalf("switch at %v", at)
	}
	if got := snap.BeatAtTime(at); math.Abs(got) > tol {
		t.Fatalf("beat at bar line = %v, want 0", got)
	}
}

func TestMergeStartSnapsToBoundary(t *testing.T) {
	s, clk := newTestSession(t)
	s.EnableStartStopSync(true)
	s.SetPeerCount(1)

	// The sender put its start on the bar line at +2s; translation through
	// the clock offset lands a little early.
	startAt := clk.Now() + 2*time.Second - 3*time.Millisecond
	s.MergeStartStop(timeline.StartStop{
		Playing: true,
		Stamp:   timeline.Stamp{Origin: "peer", Version: 1, At: startAt},
		Request: &timeline.BeatRequest{Beat: 0, Quantum: 4},
	})
	snap := s.Capture()
	bar := clk.Now() + 2*time.Second
	if snap.Shift.At != bar {
		t.Fatalf("switch at %v, want the bar line %v", snap.Shift.At, bar)
	}
	if got := snap.BeatAtTime(bar); math.Abs(got) > tol {
		t.Fatalf("beat at bar line = %v, want 0", got)
	}
}

func TestCallbacksFollowCommitOrder(t *testing.T) {
	s, _ := newTestSession(t)
	var (
		seen     []float64
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	s.OnTempo(func(bpm float64) {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		seen = append(seen, bpm)
		inFlight.Add(-1)
	})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.SetTempo(float64(60 + w*50 + i))
			}
		}(w)
	}
	wg.Wait()

	if overlap.Load() {
		t.Fatal("callbacks ran concurrently")
	}
	if len(seen) == 0 {
		t.Fatal("no tempo callbacks")
	}
	if last := seen[len(seen)-1]; last != s.Capture().Tempo() {
		t.Fatalf("last notified tempo %v, state %v", last, s.Capture().Tempo())
	}
}

func TestCallbackMayWrite(t *testing.T) {
	s, _ := newTestSession(t)
	var seen []float64
	s.OnTempo(func(bpm float64) {
		seen = append(seen, bpm)
		if bpm == 100 {
			_ = s.SetTempo(90)
		}
	})
	if err := s.SetTempo(100); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != 100 || seen[1] != 90 {
		t.Fatalf("tempo callbacks = %v", seen)
	}
	if s.Capture().Tempo() != 90 {
		t.Fatalf("tempo = %v", s.Capture().Tempo())
	}
}

func TestPanickingCallbackDoesNotCorruptState(t *testing.T) {
	s, _ := newTestSession(t)
	s.OnTempo(func(float64) { panic("boom") })

	if err := s.SetTempo(100); err != nil {
		t.Fatal(err)
	}
	if s.Capture().Tempo() != 100 {
		t.Fatal("tempo not applied")
	}
	// The writer lock must have been released.
	if err := s.SetTempo(101); err != nil {
		t.Fatal(err)
	}
	if s.Capture().Tempo() != 101 {
		t.Fatal("second tempo not applied")
	}
}

func TestPeerCountNotifications(t *testing.T) {
	s, _ := newTestSession(t)
	var counts []int
	s.OnPeerCount(func(n int) { counts = append(counts, n) })
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	s.SetPeerCount(2)
	s.SetPeerCount(2)
	s.SetPeerCount(1)
	if len(counts) != 2 || counts[0] != 2 || counts[1] != 1 {
		t.Fatalf("peer callbacks = %v", counts)
	}
	for _, want := range []int{2, 1} {
		select {
		case evt := <-ch:
			if evt.Type != EventPeers || evt.Peers != want {
				t.Fatalf("event = %+v, want peers %d", evt, want)
			}
		default:
			t.Fatal("missing event")
		}
	}
}

func TestHooks(t *testing.T) {
	s, clk := newTestSession(t)
	var due []time.Duration
	changed := 0
	s.SetHooks(Hooks{
		Due:     func(at time.Duration) { due = append(due, at) },
		Changed: func() { changed++ },
	})

	start := clk.Now() + time.Second
	if err := s.SetIsPlayingAndRequestBeatAtTime(true, start, 0, 4); err != nil {
		t.Fatal(err)
	}
	if changed != 1 {
		t.Fatalf("changed = %d", changed)
	}
	if len(due) != 1 || due[0] != start {
		t.Fatalf("due = %v, want [%v]", due, start)
	}

	s.MergeTimeline(timeline.Timeline{Tempo: 99, TimeOrigin: clk.Now()},
		timeline.Stamp{Origin: "peer", Version: 1, At: clk.Now() + time.Millisecond})
	if changed != 1 {
		t.Fatal("merge reported as a local change")
	}
}

func TestConcurrentReaders(t *testing.T) {
	s, clk := newTestSession(t)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Capture()
				if !snap.Timeline.Valid() {
					t.Error("reader saw an invalid snapshot")
					return
				}
				snap.BeatAtTime(clk.Now())
			}
		}()
	}
	for i := 0; i < 200; i++ {
		_ = s.SetTempo(float64(60 + i))
		_ = s.RequestBeatAtTime(float64(i), clk.Now()+time.Second, 4)
		clk.Advance(time.Millisecond)
	}
	close(stop)
	wg.Wait()
}
