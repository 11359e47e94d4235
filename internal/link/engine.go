package link

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/ktamas77/ableton-link/internal/p2p"
	"github.com/ktamas77/ableton-link/internal/proto"
)

// Enable joins or leaves the network. Leaving says goodbye to peers, stops
// every loop and forgets all peers and clock offsets, so a later Enable
// starts clean. Calls are serialized; l.mu is never held while loops are
// drained or callbacks run.
func (l *Link) Enable(on bool) error {
	l.toggle.Lock()
	defer l.toggle.Unlock()
	if on == l.IsEnabled() {
		return nil
	}
	if on {
		return l.start()
	}
	l.stop()
	return nil
}

func (l *Link) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// start is called with l.toggle held.
func (l *Link) start() error {
	if l.dial == nil {
		return errors.New("link: no transport configured")
	}

	openCtx, cancelOpen := context.WithTimeout(context.Background(), l.timings.OpenTimeout)
	defer cancelOpen()
	var tr p2p.Transport
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = l.timings.OpenTimeout
	err := backoff.Retry(func() error {
		t, err := l.dial(openCtx)
		if err != nil {
			log.Warnf("open transport: %v", err)
			return err
		}
		tr = t
		return nil
	}, backoff.WithContext(bo, openCtx))
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.receiveLoop(gctx, tr) })
	g.Go(func() error { return l.advertiseLoop(gctx, tr) })
	g.Go(func() error { return l.broadcastLoop(gctx, tr) })
	g.Go(func() error { return l.pingLoop(gctx, tr) })
	g.Go(func() error { return l.reapLoop(gctx) })

	l.mu.Lock()
	l.tr, l.cancel, l.group = tr, cancel, g
	l.enabled = true
	l.mu.Unlock()

	log.Infof("enabled as %s", l.id)
	l.kickBroadcast()
	return nil
}

// stop is called with l.toggle held.
func (l *Link) stop() {
	l.mu.Lock()
	tr, cancel, g := l.tr, l.cancel, l.group
	l.tr, l.cancel, l.group = nil, nil, nil
	l.enabled = false
	l.mu.Unlock()

	cancel()
	if err := g.Wait(); err != nil {
		log.Warnf("engine stopped: %v", err)
	}

	// Goodbye goes out last so no alive can follow it.
	ctx, cancelSend := context.WithTimeout(context.Background(), 200*time.Millisecond)
	l.send(ctx, tr, proto.Message{Type: proto.TypeByeBye}, "")
	cancelSend()
	if err := tr.Close(); err != nil {
		log.Debugf("close transport: %v", err)
	}

	l.peers.Reset()
	l.offsets.Reset()
	l.limiter.Reset()
	l.syncPeerCount()
	log.Infof("disabled")
}

func (l *Link) send(ctx context.Context, tr p2p.Transport, m proto.Message, to string) {
	m.PeerID = l.id
	m.Seq = l.seq.Add(1)
	m.SentAt = proto.Micros(l.Now())
	b, err := proto.Encode(m)
	if err != nil {
		log.Errorf("encode %s: %v", m.Type, err)
		return
	}
	if to == "" {
		err = tr.Broadcast(ctx, b)
	} else {
		err = tr.SendTo(ctx, to, b)
	}
	if err != nil {
		l.stats.sendErrors.Add(1)
		log.Debugf("send %s: %v", m.Type, err)
		return
	}
	l.stats.sent.Add(1)
}

func (l *Link) stateMessage() proto.Message {
	snap := l.sess.Capture()
	m := proto.Message{
		Type:     proto.TypeState,
		Timeline: proto.WireTimeline(snap.Timeline, snap.Stamp),
	}
	if snap.StartStopSync {
		m.StartStop = proto.WireStartStop(snap.StartStop)
	}
	return m
}

func (l *Link) receiveLoop(ctx context.Context, tr p2p.Transport) error {
	in := tr.Receive()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-in:
			if !ok {
				return nil
			}
			l.handle(ctx, tr, d)
		}
	}
}

func (l *Link) handle(ctx context.Context, tr p2p.Transport, d p2p.Datagram) {
	now := l.Now()
	m, err := proto.Decode(d.Payload)
	if err != nil {
		l.stats.invalid.Add(1)
		log.Debugf("drop datagram from %s: %v", d.From, err)
		return
	}
	if m.PeerID == l.id {
		return
	}
	l.stats.received.Add(1)
	if !l.limiter.Allow(m.PeerID, now) {
		l.stats.limited.Add(1)
		return
	}
	if m.Type == proto.TypeByeBye {
		if l.peers.Remove(m.PeerID) {
			log.Infof("peer %s left", m.PeerID)
			l.forget(m.PeerID)
		}
		return
	}

	fresh, added := l.peers.Upsert(m.PeerID, d.From, m.Seq, now)
	if added {
		log.Infof("peer %s joined from %s", m.PeerID, d.From)
		l.syncPeerCount()
		// Let the newcomer hear our state right away.
		l.kickBroadcast()
	}
	if !fresh {
		l.stats.duplicate.Add(1)
		return
	}

	sentAt := proto.Duration(m.SentAt)
	switch m.Type {
	case proto.TypeAlive:
		l.offsets.ObserveOneWay(m.PeerID, sentAt, now)
	case proto.TypeState:
		l.offsets.ObserveOneWay(m.PeerID, sentAt, now)
		l.merge(m, now)
	case proto.TypePing:
		l.offsets.ObserveOneWay(m.PeerID, sentAt, now)
		l.send(ctx, tr, proto.Message{
			Type: proto.TypePong,
			Echo: &proto.Echo{PingSeq: m.Seq, PingSentAt: m.SentAt},
		}, d.From)
	case proto.TypePong:
		l.offsets.ObserveRoundTrip(m.PeerID, proto.Duration(m.Echo.PingSentAt), sentAt, now)
	}
}

// merge offers a peer's state to the session. A peer without a fresh clock
// offset is left out.
func (l *Link) merge(m proto.Message, now time.Duration) {
	offset, ok := l.offsets.Offset(m.PeerID, now)
	if !ok {
		return
	}
	tl, st := m.Timeline.Local(offset)
	if l.sess.MergeTimeline(tl, st) {
		l.stats.merged.Add(1)
		log.Debugf("adopted timeline from %s: %.2f bpm (origin %s)", m.PeerID, tl.Tempo, st.Origin)
	}
	if m.StartStop != nil {
		if l.sess.MergeStartStop(m.StartStop.Local(offset)) {
			l.stats.merged.Add(1)
		}
	}
}

func (l *Link) forget(peerID string) {
	l.offsets.Forget(peerID)
	l.limiter.Forget(peerID)
	l.syncPeerCount()
}

// syncPeerCount publishes the peer table size. The table is read under the
// session writer lock so a stale count from one loop cannot overwrite a newer
// one.
func (l *Link) syncPeerCount() {
	l.sess.UpdatePeerCount(l.peers.Count)
}

func (l *Link) jittered() time.Duration {
	base := l.timings.Advertise
	j := l.timings.Jitter
	if j <= 0 {
		return base
	}
	return base + time.Duration(float64(base)*j*(2*rand.Float64()-1))
}

func (l *Link) advertiseLoop(ctx context.Context, tr p2p.Transport) error {
	for {
		l.send(ctx, tr, proto.Message{Type: proto.TypeAlive}, "")
		t := time.NewTimer(l.jittered())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// broadcastLoop sends state on a fixed interval and whenever a local change
// asks for it, but never twice within MinGap.
func (l *Link) broadcastLoop(ctx context.Context, tr p2p.Transport) error {
	ticker := time.NewTicker(l.timings.Broadcast)
	defer ticker.Stop()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-l.kick:
			if wait := l.timings.MinGap - time.Since(last); wait > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
			}
		}
		l.send(ctx, tr, l.stateMessage(), "")
		last = time.Now()
	}
}

func (l *Link) pingLoop(ctx context.Context, tr p2p.Transport) error {
	ticker := time.NewTicker(l.timings.Ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, p := range l.peers.Snapshot() {
				if p.Addr == "" {
					continue
				}
				l.send(ctx, tr, proto.Message{Type: proto.TypePing}, p.Addr)
			}
		}
	}
}

func (l *Link) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.timings.Reap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.reap()
			l.sess.Tick()
		}
	}
}

func (l *Link) reap() {
	gone := l.peers.PruneStale(l.Now() - l.timings.PeerTimeout)
	if len(gone) == 0 {
		return
	}
	for _, id := range gone {
		log.Infof("peer %s timed out", id)
		l.offsets.Forget(id)
		l.limiter.Forget(id)
	}
	l.syncPeerCount()
}
