package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ktamas77/ableton-link/internal/config"
)

// PromptInteractive walks through the common settings, starting from cfg.
// An invalid result falls back to defaults.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "Tempolink interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Session.Tempo = askFloat(in, w, "Tempo (bpm)", cfg.Session.Tempo)
	cfg.Session.Quantum = askFloat(in, w, "Quantum (beats)", cfg.Session.Quantum)
	cfg.Session.StartStopSync = askBool(in, w, "Sync start/stop", cfg.Session.StartStopSync)

	cfg.Transport.Kind = askString(in, w, "Transport (libp2p/udp/redis)", cfg.Transport.Kind)
	switch cfg.Transport.Kind {
	case config.TransportLibp2p:
		cfg.Transport.ListenPort = askInt(in, w, "Listen port (0=random)", cfg.Transport.ListenPort)
		cfg.Transport.MdnsTag = askString(in, w, "mDNS tag", cfg.Transport.MdnsTag)
	case config.TransportUDP:
		cfg.Transport.MulticastAddr = askString(in, w, "Multicast group", cfg.Transport.MulticastAddr)
		cfg.Transport.Interface = askString(in, w, "Interface (empty=default)", cfg.Transport.Interface)
	case config.TransportRedis:
		cfg.Transport.RedisAddr = askString(in, w, "Redis addr", cfg.Transport.RedisAddr)
		cfg.Transport.RedisChannel = askString(in, w, "Redis channel", cfg.Transport.RedisChannel)
	}

	cfg.Monitor.HTTPAddr = askString(in, w, "Monitor HTTP addr (empty=off)", cfg.Monitor.HTTPAddr)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func readLine(in *bufio.Reader) (string, bool) {
	s, err := in.ReadString('\n')
	if err != nil && s == "" {
		return "", false
	}
	return strings.TrimSpace(s), true
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := readLine(in)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, ok := readLine(in)
		if s == "" || !ok {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askFloat(in *bufio.Reader, w io.Writer, label string, def float64) float64 {
	for {
		fmt.Fprintf(w, "%s [%g]: ", label, def)
		s, ok := readLine(in)
		if s == "" || !ok {
			return def
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, ok := readLine(in)
		s = strings.ToLower(s)
		if s == "" || !ok {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		default:
			fmt.Fprintln(w, "Please enter y or n.")
		}
	}
}
