package app

import (
	"context"
	"io"
	"log"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ktamas77/ableton-link/internal/config"
	"github.com/ktamas77/ableton-link/internal/link"
	"github.com/ktamas77/ableton-link/internal/p2p"
	"github.com/ktamas77/ableton-link/internal/viewer"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Dial overrides the transport from the config.
	Dial p2p.Dialer
	// Ready is called once the engine is enabled.
	Ready func(l *link.Link)
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))
	stopCapture := logBuf.Capture()
	defer stopCapture()
	setLogLevel(cfg.Log.Level)

	logBanner(opt.PeerDir, opt.CfgPath)

	dial := opt.Dial
	if dial == nil {
		d, err := Dialer(cfg.Transport)
		if err != nil {
			return err
		}
		dial = d
	}

	l, err := link.New(cfg.Session.Tempo, linkOptions(cfg, dial)...)
	if err != nil {
		return err
	}
	l.OnTempo(func(bpm float64) { log.Printf("LINK: tempo %.2f bpm", bpm) })
	l.OnPeerCount(func(n int) { log.Printf("LINK: %d peer(s)", n) })
	l.OnStartStop(func(playing bool) {
		if playing {
			log.Printf("LINK: transport started")
		} else {
			log.Printf("LINK: transport stopped")
		}
	})

	if err := l.Enable(true); err != nil {
		return err
	}
	defer func() {
		if err := l.Close(); err != nil {
			log.Printf("LINK: close: %v", err)
		}
	}()
	log.Printf("LINK: peer %s on %s at %.2f bpm", l.ID(), cfg.Transport.Kind, l.Tempo())
	if opt.Ready != nil {
		opt.Ready(l)
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := cfg.Monitor.HTTPAddr; addr != "" {
		listenAddr, url, err := monitorAddr(addr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return viewer.Start(gctx, listenAddr, &viewer.Viewer{
				Engine:  l,
				Logs:    logBuf,
				Quantum: cfg.Session.Quantum,
			})
		})
		go func() {
			if err := waitListening(gctx, listenAddr, 3*time.Second); err != nil {
				log.Printf("📊 Monitor not reachable: %v", err)
				return
			}
			log.Printf("📊 Monitor: %s", url)
		}()
	}
	if opt.CfgPath != "" {
		g.Go(func() error { return watchConfig(gctx, opt.CfgPath, cfg, l) })
	}
	g.Go(func() error { return reportLoop(gctx, l, cfg.Session.Quantum, 10*time.Second) })

	err = g.Wait()
	log.Println("LINK: leaving session")
	return err
}

// reportLoop logs a one-line status on an interval.
func reportLoop(ctx context.Context, l *link.Link, quantum float64, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			phase, _ := l.Phase(quantum)
			st := l.Stats()
			log.Printf("LINK: %.2f bpm beat %.2f phase %.2f/%g playing=%v peers=%d sent=%d recv=%d",
				l.Tempo(), l.Beat(), phase, quantum, l.IsPlaying(), l.NumPeers(), st.Sent, st.Received)
		}
	}
}

// setLogLevel applies a level to every engine subsystem logger.
func setLogLevel(level string) {
	if err := logging.SetLogLevelRegex("link.*", level); err != nil {
		log.Printf("CONFIG: log level %q: %v", level, err)
	}
}

// SetTempo joins the session described by cfg, sets the tempo once a peer
// has been seen (or after wait) and leaves again.
func SetTempo(ctx context.Context, cfg config.Config, bpm float64, wait time.Duration) error {
	dial, err := Dialer(cfg.Transport)
	if err != nil {
		return err
	}
	return setTempoWith(ctx, cfg, dial, bpm, wait)
}

func setTempoWith(ctx context.Context, cfg config.Config, dial p2p.Dialer, bpm float64, wait time.Duration) error {
	setLogLevel(cfg.Log.Level)
	l, err := link.New(cfg.Session.Tempo, linkOptions(cfg, dial)...)
	if err != nil {
		return err
	}
	if err := l.Enable(true); err != nil {
		return err
	}
	defer l.Close()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
join:
	for l.NumPeers() == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			break join
		case <-poll.C:
		}
	}
	if l.NumPeers() > 0 {
		// A state round so the session timeline is adopted before ours
		// changes it.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * timings(cfg).Broadcast):
		}
	}
	if err := l.SetTempo(bpm); err != nil {
		return err
	}
	log.Printf("LINK: tempo set to %.2f bpm (%d peer(s))", bpm, l.NumPeers())

	// Give the change a few broadcast rounds to spread.
	settle := 3 * timings(cfg).Broadcast
	select {
	case <-ctx.Done():
	case <-time.After(settle):
	}
	return nil
}
