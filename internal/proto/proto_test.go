package proto

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ktamas77/ableton-link/internal/timeline"
)

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"garbage", `{not json`},
		{"wrong version", `{"v":2,"type":"alive","peerId":"a"}`},
		{"no peer", `{"v":1,"type":"alive"}`},
		{"unknown type", `{"v":1,"type":"hello","peerId":"a"}`},
		{"state without timeline", `{"v":1,"type":"state","peerId":"a"}`},
		{"zero tempo", `{"v":1,"type":"state","peerId":"a","timeline":{"tempo":0,"origin":"a"}}`},
		{"negative tempo", `{"v":1,"type":"state","peerId":"a","timeline":{"tempo":-120,"origin":"a"}}`},
		{"bad quantum", `{"v":1,"type":"state","peerId":"a","timeline":{"tempo":120,"origin":"a"},"startStop":{"playing":true,"origin":"a","beat":0,"quantum":0}}`},
		{"pong without echo", `{"v":1,"type":"pong","peerId":"a"}`},
		{"oversized", `{"v":1,"type":"alive","peerId":"` + strings.Repeat("x", MaxDatagram) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("Decode err = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestStateRoundTrip(t *testing.T) {
	tl := timeline.Timeline{Tempo: 121.5, BeatOrigin: -3.25, TimeOrigin: 7 * time.Second}
	st := timeline.Stamp{Origin: "a", Version: 4, At: 7 * time.Second}
	ss := timeline.StartStop{
		Playing: true,
		Stamp:   timeline.Stamp{Origin: "a", Version: 2, At: 9 * time.Second},
		Request: &timeline.BeatRequest{Beat: 0, Quantum: 4},
	}
	b, err := Encode(Message{
		Type:      TypeState,
		PeerID:    "a",
		Seq:       12,
		SentAt:    Micros(8 * time.Second),
		Timeline:  WireTimeline(tl, st),
		StartStop: WireStartStop(ss),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.V != Version || m.Seq != 12 || Duration(m.SentAt) != 8*time.Second {
		t.Fatalf("header = %+v", m)
	}

	// Receiver clock is 1s ahead of the sender.
	gotTL, gotSt := m.Timeline.Local(time.Second)
	if gotTL.Tempo != 121.5 || gotTL.BeatOrigin != -3.25 || gotTL.TimeOrigin != 8*time.Second {
		t.Fatalf("timeline = %+v", gotTL)
	}
	if gotSt.Origin != "a" || gotSt.Version != 4 || gotSt.At != 8*time.Second {
		t.Fatalf("stamp = %+v", gotSt)
	}
	gotSS := m.StartStop.Local(time.Second)
	if !gotSS.Playing || gotSS.Stamp.At != 10*time.Second {
		t.Fatalf("start/stop = %+v", gotSS)
	}
	if gotSS.Request == nil || gotSS.Request.Beat != 0 || gotSS.Request.Quantum != 4 {
		t.Fatalf("request = %+v", gotSS.Request)
	}
}

func TestInitialStampNotTranslated(t *testing.T) {
	w := WireTimeline(timeline.Timeline{Tempo: 120}, timeline.Stamp{Origin: "a"})
	_, st := w.Local(time.Hour)
	if st.At != 0 || !st.Initial() {
		t.Fatalf("stamp = %+v", st)
	}
}

func TestEncodeValidates(t *testing.T) {
	if _, err := Encode(Message{Type: TypePing}); err == nil {
		t.Fatal("encoded message without peer id")
	}
	b, err := Encode(Message{Type: TypePong, PeerID: "b", Echo: &Echo{PingSeq: 3, PingSentAt: 99}})
	if err != nil {
		t.Fatalf("Encode pong: %v", err)
	}
	m, err := Decode(b)
	if err != nil || m.Echo.PingSentAt != 99 {
		t.Fatalf("pong = %+v, %v", m, err)
	}
}
