// Package p2p carries session datagrams between peers. Every transport offers
// the same best-effort semantics: messages may be lost, duplicated or
// reordered, and nothing blocks for long.
package p2p

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("link/p2p")

var ErrClosed = errors.New("transport closed")

// Datagram is one received message. From is a transport specific address
// that SendTo accepts for a reply.
type Datagram struct {
	From    string
	Payload []byte
}

type Transport interface {
	// Broadcast sends b to every reachable peer.
	Broadcast(ctx context.Context, b []byte) error
	SendTo(ctx context.Context, addr string, b []byte) error
	// Receive is closed when the transport is closed.
	Receive() <-chan Datagram
	Close() error
}

// Dialer opens a transport. The engine calls it on every enable.
type Dialer func(ctx context.Context) (Transport, error)

const inboxSize = 256

// deliver hands d to in without blocking. A full inbox drops the datagram,
// as a kernel socket buffer would.
func deliver(in chan Datagram, d Datagram) bool {
	select {
	case in <- d:
		return true
	default:
		return false
	}
}
