package session

import (
	"time"

	"github.com/ktamas77/ableton-link/internal/timeline"
)

// Snapshot is an immutable view of the session. It is what real-time readers
// get from Capture; none of its methods lock or allocate.
type Snapshot struct {
	// Timeline is the mapping shared with peers, Stamp its last change.
	Timeline timeline.Timeline
	Stamp    timeline.Stamp

	StartStop timeline.StartStop

	// Shift renumbers beats locally and is never sent to peers.
	Shift timeline.Shift

	// PendingStart is applied on the next STOPPED -> PLAYING transition.
	PendingStart *timeline.BeatRequest

	StartStopSync bool
	Peers         int
}

func (s *Snapshot) Tempo() float64 {
	return s.Timeline.Tempo
}

func (s *Snapshot) BeatAtTime(t time.Duration) float64 {
	return s.Timeline.BeatAtTime(t) + s.Shift.Value(t)
}

func (s *Snapshot) PhaseAtTime(t time.Duration, quantum float64) (float64, error) {
	if !timeline.ValidQuantum(quantum) {
		return 0, ErrInvalidQuantum
	}
	return timeline.Phase(s.BeatAtTime(t), quantum), nil
}

// TimeAtBeat is the plain inverse of BeatAtTime.
func (s *Snapshot) TimeAtBeat(beat float64) time.Duration {
	if t := s.Timeline.TimeAtBeat(beat - s.Shift.After); t >= s.Shift.At {
		return t
	}
	return s.Timeline.TimeAtBeat(beat - s.Shift.Before)
}

// TimeForBeat returns the first time at or after ref whose phase matches
// beat's phase in quantum.
func (s *Snapshot) TimeForBeat(beat, quantum float64, ref time.Duration) (time.Duration, error) {
	if !timeline.ValidQuantum(quantum) {
		return 0, ErrInvalidQuantum
	}
	if !finite(beat) {
		return 0, ErrInvalidBeat
	}
	target := timeline.NextPhaseMatch(s.BeatAtTime(ref), beat, quantum)
	t := s.TimeAtBeat(target)
	if t < ref {
		t = ref
	}
	return t, nil
}

func (s *Snapshot) IsPlayingAt(t time.Duration) bool {
	return s.StartStop.IsPlayingAt(t)
}

func (s *Snapshot) valid() bool {
	return s.Timeline.Valid() && finite(s.Shift.Before) && finite(s.Shift.After)
}
