package timeline

import "time"

// Stamp orders updates to a piece of shared state. Origin is the peer that
// made the change and Version counts that peer's changes. At is the local
// clock time the change is attributed to.
//
// A zero Version marks the initial state a peer starts with. It loses against
// any real change so that a freshly started peer never overrides a running
// session.
type Stamp struct {
	Origin  string
	Version uint64
	At      time.Duration
}

func (s Stamp) Initial() bool {
	return s.Version == 0
}

// Newer reports whether s should replace cur. The order is total and
// deterministic: updates from one origin are ordered by version, otherwise
// the later At wins and equal times fall back to the origin id.
func (s Stamp) Newer(cur Stamp) bool {
	if s.Origin == cur.Origin {
		return s.Version > cur.Version
	}
	switch {
	case s.Initial() && !cur.Initial():
		return false
	case !s.Initial() && cur.Initial():
		return true
	case !s.Initial() && s.At != cur.At:
		return s.At > cur.At
	}
	return s.Origin > cur.Origin
}

// Translate moves At into another clock domain. Initial stamps carry no time.
func (s Stamp) Translate(offset time.Duration) Stamp {
	if !s.Initial() {
		s.At += offset
	}
	return s
}
