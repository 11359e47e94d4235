// Package timeline holds the pure beat/time arithmetic shared by the session
// state and the wire translation code. Nothing in here locks or allocates.
package timeline

import (
	"math"
	"time"
)

// Timeline is a linear mapping between local clock time and beats:
//
//	beat(t) = BeatOrigin + (t - TimeOrigin) * Tempo / 60
type Timeline struct {
	Tempo      float64       // beats per minute, > 0
	BeatOrigin float64       // beat value at TimeOrigin
	TimeOrigin time.Duration // local clock time
}

func (tl Timeline) BeatAtTime(t time.Duration) float64 {
	return tl.BeatOrigin + (t-tl.TimeOrigin).Seconds()*tl.Tempo/60
}

// TimeAtBeat is the inverse of BeatAtTime.
func (tl Timeline) TimeAtBeat(beat float64) time.Duration {
	secs := (beat - tl.BeatOrigin) * 60 / tl.Tempo
	return tl.TimeOrigin + time.Duration(math.Round(secs*float64(time.Second)))
}

// Reanchor moves the origin to t without changing the mapping.
func (tl Timeline) Reanchor(t time.Duration) Timeline {
	return Timeline{Tempo: tl.Tempo, BeatOrigin: tl.BeatAtTime(t), TimeOrigin: t}
}

// WithTempo changes the tempo at t. The beat at t is unchanged, so the mapping
// stays continuous across the change.
func (tl Timeline) WithTempo(bpm float64, t time.Duration) Timeline {
	return Timeline{Tempo: bpm, BeatOrigin: tl.BeatAtTime(t), TimeOrigin: t}
}

// Shift returns the timeline moved by delta beats.
func (tl Timeline) Shift(delta float64) Timeline {
	tl.BeatOrigin += delta
	return tl
}

// Valid reports whether tl can be published.
func (tl Timeline) Valid() bool {
	return ValidTempo(tl.Tempo) && finite(tl.BeatOrigin)
}

// BeatsPerSecond is Tempo / 60.
func (tl Timeline) BeatsPerSecond() float64 {
	return tl.Tempo / 60
}

func ValidTempo(bpm float64) bool {
	return bpm > 0 && finite(bpm)
}

func ValidQuantum(q float64) bool {
	return q > 0 && finite(q)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Phase returns beat modulo quantum in [0, quantum).
func Phase(beat, quantum float64) float64 {
	r := math.Mod(beat, quantum)
	if r < 0 {
		r += quantum
	}
	if r >= quantum {
		// -tiny + quantum rounds up to quantum.
		r = 0
	}
	return r
}

// NextPhaseMatch returns the least beat >= x whose phase equals target's.
func NextPhaseMatch(x, target, quantum float64) float64 {
	return x + Phase(Phase(target, quantum)-Phase(x, quantum), quantum)
}

// ClosestPhaseMatch returns the beat nearest to x whose phase equals target's.
func ClosestPhaseMatch(x, target, quantum float64) float64 {
	return NextPhaseMatch(x-quantum/2, target, quantum)
}
