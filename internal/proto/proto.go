package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ktamas77/ableton-link/internal/timeline"
)

const (
	// gossipsub topic carrying session broadcasts
	SessionTopic = "tempolink.session.v1"
	MdnsTag      = "tempolink-mdns"

	// libp2p stream protocol ID for unicast datagrams (ping/pong)
	SyncProtoID = "/tempolink/sync/1.0.0"

	Version = 1

	// upper bound for an encoded message; transports drop anything larger
	MaxDatagram = 4096
)

const (
	TypeAlive  = "alive"
	TypeState  = "state"
	TypePing   = "ping"
	TypePong   = "pong"
	TypeByeBye = "byebye"
)

var ErrInvalidMessage = errors.New("invalid message")

// Message is the only thing peers exchange. Every time field is in
// microseconds on the SENDER's clock; receivers translate with the clock
// offset they hold for the sender.
type Message struct {
	V         int        `json:"v"`
	Type      string     `json:"type"` // alive|state|ping|pong|byebye
	PeerID    string     `json:"peerId"`
	Seq       uint64     `json:"seq"`
	SentAt    int64      `json:"sentAt"`
	Timeline  *Timeline  `json:"timeline,omitempty"`
	StartStop *StartStop `json:"startStop,omitempty"`
	Echo      *Echo      `json:"echo,omitempty"`
}

type Timeline struct {
	Tempo   float64 `json:"tempo"`
	Beat    float64 `json:"beat"`
	Time    int64   `json:"time"`
	Origin  string  `json:"origin"`
	Version uint64  `json:"version"`
	At      int64   `json:"at"`
}

type StartStop struct {
	Playing bool     `json:"playing"`
	Prior   bool     `json:"prior,omitempty"`
	Origin  string   `json:"origin"`
	Version uint64   `json:"version"`
	At      int64    `json:"at"`
	Beat    *float64 `json:"beat,omitempty"`
	Quantum float64  `json:"quantum,omitempty"`
}

// Echo is attached to a pong and repeats the ping it answers.
type Echo struct {
	PingSeq    uint64 `json:"pingSeq"`
	PingSentAt int64  `json:"pingSentAt"`
}

func Micros(d time.Duration) int64 { return d.Microseconds() }

func Duration(us int64) time.Duration { return time.Duration(us) * time.Microsecond }

func Encode(m Message) ([]byte, error) {
	if m.V == 0 {
		m.V = Version
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func Decode(b []byte) (Message, error) {
	var m Message
	if len(b) > MaxDatagram {
		return m, fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(b))
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

func (m Message) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidMessage}, args...)...)
	}
	if m.V != Version {
		return bad("version %d", m.V)
	}
	if m.PeerID == "" {
		return bad("empty peer id")
	}
	switch m.Type {
	case TypeAlive, TypePing, TypeByeBye:
	case TypeState:
		if m.Timeline == nil {
			return bad("state without timeline")
		}
	case TypePong:
		if m.Echo == nil {
			return bad("pong without echo")
		}
	default:
		return bad("unknown type %q", m.Type)
	}
	if tl := m.Timeline; tl != nil {
		if !(timeline.Timeline{Tempo: tl.Tempo, BeatOrigin: tl.Beat}).Valid() {
			return bad("timeline tempo=%v beat=%v", tl.Tempo, tl.Beat)
		}
		if tl.Origin == "" {
			return bad("timeline without origin")
		}
	}
	if ss := m.StartStop; ss != nil {
		if ss.Origin == "" {
			return bad("start/stop without origin")
		}
		if ss.Beat != nil && !timeline.ValidQuantum(ss.Quantum) {
			return bad("start/stop quantum %v", ss.Quantum)
		}
	}
	return nil
}

// WireTimeline converts a local timeline and its stamp to wire form.
func WireTimeline(tl timeline.Timeline, st timeline.Stamp) *Timeline {
	return &Timeline{
		Tempo:   tl.Tempo,
		Beat:    tl.BeatOrigin,
		Time:    Micros(tl.TimeOrigin),
		Origin:  st.Origin,
		Version: st.Version,
		At:      Micros(st.At),
	}
}

// Local converts w to the receiver's clock; offset maps sender time to local time.
func (w *Timeline) Local(offset time.Duration) (timeline.Timeline, timeline.Stamp) {
	tl := timeline.Timeline{
		Tempo:      w.Tempo,
		BeatOrigin: w.Beat,
		TimeOrigin: Duration(w.Time) + offset,
	}
	st := timeline.Stamp{Origin: w.Origin, Version: w.Version, At: Duration(w.At)}
	return tl, st.Translate(offset)
}

func WireStartStop(ss timeline.StartStop) *StartStop {
	out := &StartStop{
		Playing: ss.Playing,
		Prior:   ss.Prior,
		Origin:  ss.Stamp.Origin,
		Version: ss.Stamp.Version,
		At:      Micros(ss.Stamp.At),
	}
	if r := ss.Request; r != nil {
		beat := r.Beat
		out.Beat = &beat
		out.Quantum = r.Quantum
	}
	return out
}

func (w *StartStop) Local(offset time.Duration) timeline.StartStop {
	ss := timeline.StartStop{
		Playing: w.Playing,
		Prior:   w.Prior,
		Stamp:   timeline.Stamp{Origin: w.Origin, Version: w.Version, At: Duration(w.At)}.Translate(offset),
	}
	if w.Beat != nil {
		ss.Request = &timeline.BeatRequest{Beat: *w.Beat, Quantum: w.Quantum}
	}
	return ss
}
