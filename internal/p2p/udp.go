package p2p

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	reuseport "github.com/libp2p/go-reuseport"
	"golang.org/x/net/ipv4"

	"github.com/ktamas77/ableton-link/internal/proto"
)

const DefaultMulticastAddr = "224.76.78.75:20808"

type UDPConfig struct {
	Group     string // multicast ip:port
	Interface string // empty picks the system default
	TTL       int
}

// UDP is a LAN transport. Broadcasts go to a multicast group every peer on
// the host can join thanks to SO_REUSEPORT; they are sent from a private
// unicast socket so the sender address is also the reply address.
type UDP struct {
	group   *net.UDPAddr
	ifi     *net.Interface
	mcast   net.PacketConn
	mcastV4 *ipv4.PacketConn
	ucast   *net.UDPConn

	in        chan Datagram
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func DialUDP(ctx context.Context, cfg UDPConfig) (*UDP, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultMulticastAddr
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 1
	}
	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group: %w", err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", group.IP)
	}
	var ifi *net.Interface
	if cfg.Interface != "" {
		if ifi, err = net.InterfaceByName(cfg.Interface); err != nil {
			return nil, fmt.Errorf("interface %q: %w", cfg.Interface, err)
		}
	}

	mc, err := reuseport.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(group.Port)))
	if err != nil {
		return nil, fmt.Errorf("listen multicast: %w", err)
	}
	mv4 := ipv4.NewPacketConn(mc)
	if err := mv4.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		_ = mc.Close()
		return nil, fmt.Errorf("join %s: %w", group.IP, err)
	}

	uc, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		_ = mc.Close()
		return nil, fmt.Errorf("listen unicast: %w", err)
	}
	uv4 := ipv4.NewPacketConn(uc)
	_ = uv4.SetMulticastTTL(cfg.TTL)
	// Peers on the same host must hear each other.
	_ = uv4.SetMulticastLoopback(true)
	if ifi != nil {
		if err := uv4.SetMulticastInterface(ifi); err != nil {
			_ = mc.Close()
			_ = uc.Close()
			return nil, fmt.Errorf("multicast interface: %w", err)
		}
	}

	u := &UDP{
		group:   group,
		ifi:     ifi,
		mcast:   mc,
		mcastV4: mv4,
		ucast:   uc,
		in:      make(chan Datagram, inboxSize),
	}
	u.wg.Add(2)
	go u.readLoop(mc)
	go u.readLoop(uc)
	go func() {
		u.wg.Wait()
		close(u.in)
	}()
	log.Infof("udp: joined %s, replies on %s", group, uc.LocalAddr())
	return u, nil
}

func (u *UDP) readLoop(pc net.PacketConn) {
	defer u.wg.Done()
	buf := make([]byte, proto.MaxDatagram+1)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if n > proto.MaxDatagram {
			continue
		}
		if !deliver(u.in, Datagram{From: from.String(), Payload: append([]byte(nil), buf[:n]...)}) {
			log.Debugf("udp: inbox full, dropped datagram from %s", from)
		}
	}
}

func (u *UDP) LocalAddr() string { return u.ucast.LocalAddr().String() }

func (u *UDP) Broadcast(ctx context.Context, b []byte) error {
	return u.write(ctx, b, u.group)
}

func (u *UDP) SendTo(ctx context.Context, addr string, b []byte) error {
	to, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return err
	}
	return u.write(ctx, b, to)
}

func (u *UDP) write(ctx context.Context, b []byte, to *net.UDPAddr) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = u.ucast.SetWriteDeadline(dl)
	} else {
		_ = u.ucast.SetWriteDeadline(time.Now().Add(time.Second))
	}
	_, err := u.ucast.WriteToUDP(b, to)
	return err
}

func (u *UDP) Receive() <-chan Datagram { return u.in }

func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		_ = u.mcastV4.LeaveGroup(u.ifi, &net.UDPAddr{IP: u.group.IP})
		err = u.mcast.Close()
		if cerr := u.ucast.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
