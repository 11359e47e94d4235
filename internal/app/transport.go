package app

import (
	"context"
	"fmt"

	"github.com/ktamas77/ableton-link/internal/clocksync"
	"github.com/ktamas77/ableton-link/internal/config"
	"github.com/ktamas77/ableton-link/internal/link"
	"github.com/ktamas77/ableton-link/internal/p2p"
)

// Dialer opens the transport named by the config. The engine calls it on
// every enable.
func Dialer(t config.Transport) (p2p.Dialer, error) {
	switch t.Kind {
	case config.TransportLibp2p:
		return func(ctx context.Context) (p2p.Transport, error) {
			n, err := p2p.NewNode(ctx, p2p.NodeConfig{
				ListenPort: t.ListenPort,
				MdnsTag:    t.MdnsTag,
				Topic:      t.Topic,
			})
			if err != nil {
				return nil, err
			}
			return n, nil
		}, nil
	case config.TransportUDP:
		return func(ctx context.Context) (p2p.Transport, error) {
			u, err := p2p.DialUDP(ctx, p2p.UDPConfig{
				Group:     t.MulticastAddr,
				Interface: t.Interface,
			})
			if err != nil {
				return nil, err
			}
			return u, nil
		}, nil
	case config.TransportRedis:
		return func(ctx context.Context) (p2p.Transport, error) {
			r, err := p2p.DialRedis(ctx, p2p.RedisConfig{
				Addr:     t.RedisAddr,
				Password: t.RedisPassword,
				Channel:  t.RedisChannel,
			})
			if err != nil {
				return nil, err
			}
			return r, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", t.Kind)
}

func timings(cfg config.Config) link.Timings {
	t := link.DefaultTimings()
	t.Advertise = cfg.Discovery.Advertise()
	t.Jitter = cfg.Discovery.Jitter()
	t.PeerTimeout = cfg.Discovery.PeerTimeout()
	t.Reap = cfg.Discovery.Reap()
	t.Broadcast = cfg.Propagation.Broadcast()
	t.MinGap = cfg.Propagation.MinGap()
	t.Ping = cfg.Propagation.Ping()
	t.PeerRate = cfg.Propagation.PeerRatePerSec
	return t
}

// linkOptions maps a config onto engine options. The dialer is passed in so
// tests can swap the network.
func linkOptions(cfg config.Config, dial p2p.Dialer) []link.Option {
	return []link.Option{
		link.WithDialer(dial),
		link.WithTimings(timings(cfg)),
		link.WithClockSync(clocksync.Config{
			Window:    cfg.ClockSync.Window,
			Smoothing: cfg.ClockSync.Smoothing,
			Timeout:   cfg.Discovery.PeerTimeout(),
		}),
		link.WithStartStopSync(cfg.Session.StartStopSync),
	}
}
