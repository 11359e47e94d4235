package p2p

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
)

// MemoryNetwork connects in-process transports. Used by tests and by the
// CLI when no network is wanted.
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes map[string]*Memory
	seq   int
	loss  float64
	rnd   *rand.Rand
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes: map[string]*Memory{},
		rnd:   rand.New(rand.NewSource(1)),
	}
}

// SetLoss drops each datagram with probability p.
func (n *MemoryNetwork) SetLoss(p float64) {
	n.mu.Lock()
	n.loss = p
	n.mu.Unlock()
}

func (n *MemoryNetwork) Join() *Memory {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	m := &Memory{
		net:  n,
		addr: fmt.Sprintf("mem-%d", n.seq),
		in:   make(chan Datagram, inboxSize),
	}
	n.nodes[m.addr] = m
	return m
}

func (n *MemoryNetwork) Dialer() Dialer {
	return func(ctx context.Context) (Transport, error) {
		return n.Join(), nil
	}
}

// Len is the number of open transports.
func (n *MemoryNetwork) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.nodes)
}

func (n *MemoryNetwork) send(from *Memory, to string, b []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[from.addr]; !ok {
		return ErrClosed
	}
	targets := make([]*Memory, 0, len(n.nodes))
	if to == "" {
		for addr, m := range n.nodes {
			if addr != from.addr {
				targets = append(targets, m)
			}
		}
	} else if m, ok := n.nodes[to]; ok {
		targets = append(targets, m)
	} else {
		return fmt.Errorf("memory: no such address %q", to)
	}
	for _, m := range targets {
		if n.loss > 0 && n.rnd.Float64() < n.loss {
			continue
		}
		deliver(m.in, Datagram{From: from.addr, Payload: append([]byte(nil), b...)})
	}
	return nil
}

type Memory struct {
	net  *MemoryNetwork
	addr string
	in   chan Datagram
}

func (m *Memory) Addr() string { return m.addr }

func (m *Memory) Broadcast(ctx context.Context, b []byte) error {
	return m.net.send(m, "", b)
}

func (m *Memory) SendTo(ctx context.Context, addr string, b []byte) error {
	return m.net.send(m, addr, b)
}

func (m *Memory) Receive() <-chan Datagram { return m.in }

func (m *Memory) Close() error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if _, ok := m.net.nodes[m.addr]; !ok {
		return nil
	}
	delete(m.net.nodes, m.addr)
	close(m.in)
	return nil
}
