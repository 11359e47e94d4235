package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// monitorAddr resolves the configured monitor address. An empty or wildcard
// host binds loopback; a named host is kept.
func monitorAddr(cfgAddr string) (listen, url string, err error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(cfgAddr))
	if err != nil {
		return "", "", fmt.Errorf("monitor.http_addr %q: %w", cfgAddr, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	listen = net.JoinHostPort(host, port)
	return listen, "http://" + listen, nil
}

// waitListening polls addr until it accepts a TCP connection.
func waitListening(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	for {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return c.Close()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not listening: %w", addr, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func logBanner(peerDir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Println("Tempolink peer")
	log.Printf(" Peer folder : %s", peerDir)
	log.Printf(" Config file : %s", cfgPath)
	log.Println("")
	log.Println(" Edit session.tempo or session.start_stop_sync")
	log.Println(" in the config file to change them live.")
	log.Println("────────────────────────────────────────")
}
