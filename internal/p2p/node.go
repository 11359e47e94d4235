package p2p

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/ktamas77/ableton-link/internal/proto"
)

func init() {
	// Dial failures and backoff errors from these subsystems go to stderr
	// by default.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("mdns", "warn")
	logging.SetLogLevel("autonat", "warn")
}

const connectTimeout = 3 * time.Second

type NodeConfig struct {
	ListenPort int
	MdnsTag    string
	Topic      string
}

// Node is a libp2p transport: peers find each other with mDNS, broadcasts
// travel over a gossipsub topic and unicast datagrams over a short-lived
// stream each. Addresses are peer ids.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service

	in        chan Datagram
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns: connect %s: %v", pi.ID, err)
		return
	}
	log.Debugf("mdns: connected %s via %v", pi.ID, lanAddrs(pi.Addrs))
}

func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	if cfg.MdnsTag == "" {
		cfg.MdnsTag = proto.MdnsTag
	}
	if cfg.Topic == "" {
		cfg.Topic = proto.SessionTopic
	}

	// Session ids are ephemeral, so is the key.
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n := &Node{
		Host:   h,
		in:     make(chan Datagram, inboxSize),
		cancel: cancel,
	}

	h.SetStreamHandler(protocol.ID(proto.SyncProtoID), n.handleStream)

	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}
	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}
	n.ps, n.topic, n.sub = ps, topic, sub

	// LAN discovery via mDNS
	n.mdns = mdns.NewMdnsService(h, cfg.MdnsTag, &mdnsNotifee{h: h})
	if err := n.mdns.Start(); err != nil {
		cancel()
		sub.Cancel()
		_ = h.Close()
		return nil, err
	}

	n.wg.Add(1)
	go n.readLoop(runCtx)
	log.Infof("libp2p: %s listening on %v", h.ID(), lanAddrs(h.Addrs()))
	return n, nil
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

func (n *Node) readLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		m, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.Local || m.ReceivedFrom == n.Host.ID() {
			continue
		}
		n.push(Datagram{From: m.GetFrom().String(), Payload: m.Data})
	}
}

func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	_ = s.SetReadDeadline(time.Now().Add(connectTimeout))
	b, err := io.ReadAll(io.LimitReader(s, proto.MaxDatagram+1))
	if err != nil || len(b) == 0 || len(b) > proto.MaxDatagram {
		return
	}
	n.push(Datagram{From: s.Conn().RemotePeer().String(), Payload: b})
}

// push guards the inbox against stream handlers racing Close.
func (n *Node) push(d Datagram) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	deliver(n.in, d)
}

func (n *Node) Broadcast(ctx context.Context, b []byte) error {
	return n.topic.Publish(ctx, b)
}

func (n *Node) SendTo(ctx context.Context, addr string, b []byte) error {
	pid, err := peer.Decode(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.SyncProtoID))
	if err != nil {
		return err
	}
	defer s.Close()
	_ = s.SetWriteDeadline(time.Now().Add(connectTimeout))
	_, err = s.Write(b)
	return err
}

func (n *Node) Receive() <-chan Datagram { return n.in }

// Peers is the number of libp2p connections, including peers that have not
// sent a session message yet.
func (n *Node) Peers() int {
	return len(n.Host.Network().Peers())
}

func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.cancel()
		_ = n.mdns.Close()
		n.sub.Cancel()
		_ = n.topic.Close()
		err = n.Host.Close()
		n.wg.Wait()
		n.mu.Lock()
		n.closed = true
		close(n.in)
		n.mu.Unlock()
	})
	return err
}

// lanAddrs drops loopback and link-local addresses for logging.
func lanAddrs(addrs []ma.Multiaddr) []string {
	var out []string
	for _, a := range addrs {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}
