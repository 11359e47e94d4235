// Package viewer serves a small HTTP monitor for a running peer: session
// state, the peer table, recent logs and a websocket feed of snapshots.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/ktamas77/ableton-link/internal/link"
	"github.com/ktamas77/ableton-link/internal/session"
	"github.com/ktamas77/ableton-link/internal/state"
)

var log = logging.Logger("link/viewer")

// Engine is what the monitor reads and drives. *link.Link satisfies it.
type Engine interface {
	ID() string
	Now() time.Duration
	Capture() *session.Snapshot
	Peers() []state.Peer
	Offset(peerID string) (time.Duration, bool)
	Stats() link.Stats
	IsEnabled() bool
	SetTempo(bpm float64) error
	SetIsPlaying(playing bool)
}

type Viewer struct {
	Engine  Engine
	Logs    *LogBuffer
	Quantum float64

	// Interval between websocket frames. Zero means 100ms.
	Interval time.Duration
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The monitor is a local tool; any origin may watch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns the monitor routes.
func (v *Viewer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(v.monitorHeaders())

	// Routes sit on the root router so a wrong method answers 405, not 404.
	r.HandleFunc("/api/state", v.serveState).Methods(http.MethodGet)
	r.HandleFunc("/api/peers", v.servePeers).Methods(http.MethodGet)
	r.HandleFunc("/api/tempo", v.setTempo).Methods(http.MethodPost)
	r.HandleFunc("/api/playing", v.setPlaying).Methods(http.MethodPost)
	if v.Logs != nil {
		r.HandleFunc("/api/logs", v.Logs.ServeLogsJSON).Methods(http.MethodGet)
		r.HandleFunc("/api/logs/stream", v.Logs.ServeLogsSSE).Methods(http.MethodGet)
	}
	r.HandleFunc("/ws", v.serveWS).Methods(http.MethodGet)
	return r
}

// Start serves the monitor on addr until ctx is done.
func Start(ctx context.Context, addr string, v *Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           v.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("monitor on http://%s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		if e := <-errc; e != nil && !errors.Is(e, http.ErrServerClosed) && err == nil {
			err = e
		}
		return err
	}
}

type StateView struct {
	ID            string     `json:"id"`
	Enabled       bool       `json:"enabled"`
	NowMs         float64    `json:"now_ms"`
	Tempo         float64    `json:"tempo"`
	Beat          float64    `json:"beat"`
	Phase         float64    `json:"phase"`
	Quantum       float64    `json:"quantum"`
	Playing       bool       `json:"playing"`
	StartStopSync bool       `json:"start_stop_sync"`
	Peers         int        `json:"peers"`
	Origin        string     `json:"origin"`
	Version       uint64     `json:"version"`
	Stats         link.Stats `json:"stats"`
}

type PeerView struct {
	state.Peer
	AgeMs    float64  `json:"age_ms"`
	OffsetMs *float64 `json:"offset_ms,omitempty"`
}

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func (v *Viewer) quantum() float64 {
	if v.Quantum > 0 {
		return v.Quantum
	}
	return 4
}

func (v *Viewer) State() StateView {
	e := v.Engine
	now := e.Now()
	snap := e.Capture()
	q := v.quantum()
	phase, _ := snap.PhaseAtTime(now, q)
	return StateView{
		ID:            e.ID(),
		Enabled:       e.IsEnabled(),
		NowMs:         millis(now),
		Tempo:         snap.Tempo(),
		Beat:          snap.BeatAtTime(now),
		Phase:         phase,
		Quantum:       q,
		Playing:       snap.IsPlayingAt(now),
		StartStopSync: snap.StartStopSync,
		Peers:         snap.Peers,
		Origin:        snap.Stamp.Origin,
		Version:       snap.Stamp.Version,
		Stats:         e.Stats(),
	}
}

func (v *Viewer) PeerViews() []PeerView {
	now := v.Engine.Now()
	peers := v.Engine.Peers()
	out := make([]PeerView, 0, len(peers))
	for _, p := range peers {
		pv := PeerView{Peer: p, AgeMs: millis(now - p.LastSeen)}
		if off, ok := v.Engine.Offset(p.ID); ok {
			ms := millis(off)
			pv.OffsetMs = &ms
		}
		out = append(out, pv)
	}
	return out
}

func (v *Viewer) serveState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, v.State())
}

func (v *Viewer) servePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, v.PeerViews())
}

func (v *Viewer) setTempo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tempo float64 `json:"tempo"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := v.Engine.SetTempo(req.Tempo); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Infof("tempo set to %.2f from monitor", req.Tempo)
	writeJSON(w, http.StatusOK, v.State())
}

func (v *Viewer) setPlaying(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Playing *bool `json:"playing"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil || req.Playing == nil {
		http.Error(w, "body must be {\"playing\": bool}", http.StatusBadRequest)
		return
	}
	v.Engine.SetIsPlaying(*req.Playing)
	writeJSON(w, http.StatusOK, v.State())
}

// serveWS streams state frames until the client goes away.
func (v *Viewer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Reads only detect the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := v.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteJSON(v.State()); err != nil {
			return
		}
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
