package timeline

import "time"

// BeatRequest asks for a beat to land on a quantum boundary.
type BeatRequest struct {
	Beat    float64
	Quantum float64
}

// StartStop is the transport state. Stamp.At is the time the state takes
// effect; a future At is a scheduled transition, and until then the
// transport reports Prior. A pending start is therefore a STOPPED transport
// with a future PLAYING transition attached, not a separate state.
type StartStop struct {
	Playing bool
	Stamp   Stamp
	Prior   bool
	Request *BeatRequest
}

func (s StartStop) IsPlayingAt(t time.Duration) bool {
	if s.Stamp.Initial() || t >= s.Stamp.At {
		return s.Playing
	}
	return s.Prior
}

// Scheduled reports whether a transition is still ahead of now.
func (s StartStop) Scheduled(now time.Duration) bool {
	return !s.Stamp.Initial() && s.Stamp.At > now
}

// Shift is a local beat offset added on top of the shared timeline. It lets a
// process renumber its own beats, by whole quanta when peers are present,
// without touching what it tells the network. A switch to After happens at At.
//
// Fold marks a shift requested while alone. Once it takes effect it is folded
// into the shared timeline.
type Shift struct {
	Before float64
	After  float64
	At     time.Duration
	Fold   bool
}

func (s Shift) Value(t time.Duration) float64 {
	if t >= s.At {
		return s.After
	}
	return s.Before
}

// Pending reports whether the switch has not happened yet at now.
func (s Shift) Pending(now time.Duration) bool {
	return now < s.At && s.Before != s.After
}

// Settle collapses the shift to a constant once the switch time has passed.
func (s Shift) Settle(now time.Duration) Shift {
	if now >= s.At {
		return Shift{Before: s.After, After: s.After, At: s.At}
	}
	return s
}

// Constant returns a shift that is v at all times.
func Constant(v float64) Shift {
	return Shift{Before: v, After: v}
}
