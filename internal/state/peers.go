package state

import (
	"sort"
	"sync"
	"time"
)

// Peer is a remote session member. Times are on the local clock.
type Peer struct {
	ID        string        `json:"id"`
	Addr      string        `json:"addr"`
	FirstSeen time.Duration `json:"first_seen"`
	LastSeen  time.Duration `json:"last_seen"`
	LastSeq   uint64        `json:"last_seq"`
}

type PeerEvent struct {
	Type   string `json:"type"` // add|remove
	PeerID string `json:"peer_id"`
	Peer   *Peer  `json:"peer,omitempty"`
	Count  int    `json:"count"`
}

const (
	EventAdd    = "add"
	EventRemove = "remove"
)

type PeerTable struct {
	mu        sync.Mutex
	peers     map[string]Peer
	listeners []chan PeerEvent
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers:     map[string]Peer{},
		listeners: make([]chan PeerEvent, 0),
	}
}

// Upsert records a message from id. Liveness is refreshed for every message;
// fresh reports whether seq is newer than anything seen from id before, so
// duplicated or reordered datagrams can be dropped by the caller.
func (t *PeerTable) Upsert(id, addr string, seq uint64, now time.Duration) (fresh, added bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = Peer{ID: id, Addr: addr, FirstSeen: now, LastSeen: now, LastSeq: seq}
		t.peers[id] = p
		t.notifyListeners(PeerEvent{Type: EventAdd, PeerID: id, Peer: &p, Count: len(t.peers)})
		return true, true
	}
	if now > p.LastSeen {
		p.LastSeen = now
	}
	if seq > p.LastSeq {
		p.LastSeq = seq
		fresh = true
		if addr != "" {
			p.Addr = addr
		}
	}
	t.peers[id] = p
	return fresh, false
}

// Touch refreshes liveness without a sequence number.
func (t *PeerTable) Touch(id string, now time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok || now <= p.LastSeen {
		return
	}
	p.LastSeen = now
	t.peers[id] = p
}

func (t *PeerTable) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return false
	}
	delete(t.peers, id)
	t.notifyListeners(PeerEvent{Type: EventRemove, PeerID: id, Count: len(t.peers)})
	return true
}

func (t *PeerTable) Get(id string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

func (t *PeerTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

func (t *PeerTable) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns all peers ordered by id.
func (t *PeerTable) Snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PruneStale removes peers last seen before cutoff and returns their ids.
func (t *PeerTable) PruneStale(cutoff time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var gone []string
	for id, p := range t.peers {
		if p.LastSeen < cutoff {
			delete(t.peers, id)
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		t.notifyListeners(PeerEvent{Type: EventRemove, PeerID: id, Count: len(t.peers)})
	}
	return gone
}

// Reset drops every peer. Listeners get one remove event per peer.
func (t *PeerTable) Reset() []string {
	return t.PruneStale(time.Duration(1<<63 - 1))
}

func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
