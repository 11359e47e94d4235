package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ktamas77/ableton-link/internal/util"
)

// FileName is the config file looked up in a peer directory.
const FileName = "tempolink.json"

const (
	TransportLibp2p = "libp2p"
	TransportUDP    = "udp"
	TransportRedis  = "redis"
)

type Config struct {
	Session     Session     `json:"session"`
	Transport   Transport   `json:"transport"`
	Discovery   Discovery   `json:"discovery"`
	Propagation Propagation `json:"propagation"`
	ClockSync   ClockSync   `json:"clock_sync"`
	Monitor     Monitor     `json:"monitor"`
	Log         Log         `json:"log"`
}

type Session struct {
	Tempo         float64 `json:"tempo"`
	Quantum       float64 `json:"quantum"`
	StartStopSync bool    `json:"start_stop_sync"`
}

type Transport struct {
	Kind string `json:"kind"`

	// libp2p
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
	Topic      string `json:"topic"`

	// udp. Interface is a name like "en0"; empty lets the OS choose.
	MulticastAddr string `json:"multicast_addr"`
	Interface     string `json:"interface"`

	// redis
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisChannel  string `json:"redis_channel"`
}

type Discovery struct {
	AdvertiseMs   int `json:"advertise_ms"`
	JitterPct     int `json:"jitter_pct"`
	PeerTimeoutMs int `json:"peer_timeout_ms"`
	ReapMs        int `json:"reap_ms"`
}

type Propagation struct {
	BroadcastMs    int `json:"broadcast_ms"`
	MinGapMs       int `json:"min_gap_ms"`
	PingMs         int `json:"ping_ms"`
	PeerRatePerSec int `json:"peer_rate_per_sec"`
}

type ClockSync struct {
	Window    int     `json:"window"`
	Smoothing float64 `json:"smoothing"`
}

type Monitor struct {
	HTTPAddr string `json:"http_addr"` // empty disables the monitor
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Session: Session{
			Tempo:   120,
			Quantum: 4,
		},
		Transport: Transport{
			Kind:          TransportLibp2p,
			ListenPort:    0,
			MdnsTag:       "tempolink-mdns",
			Topic:         "tempolink.session.v1",
			MulticastAddr: "224.76.78.75:20808",
			RedisAddr:     "127.0.0.1:6379",
			RedisChannel:  "tempolink",
		},
		Discovery: Discovery{
			AdvertiseMs:   1000,
			JitterPct:     20,
			PeerTimeoutMs: 5000,
			ReapMs:        250,
		},
		Propagation: Propagation{
			BroadcastMs:    250,
			MinGapMs:       20,
			PingMs:         500,
			PeerRatePerSec: 200,
		},
		ClockSync: ClockSync{
			Window:    5,
			Smoothing: 0.5,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Session
	if !(c.Session.Tempo > 0) || math.IsInf(c.Session.Tempo, 0) {
		return errors.New("session.tempo must be > 0")
	}
	if !(c.Session.Quantum > 0) || math.IsInf(c.Session.Quantum, 0) {
		return errors.New("session.quantum must be > 0")
	}

	// Transport
	switch c.Transport.Kind {
	case TransportLibp2p:
		if c.Transport.ListenPort < 0 || c.Transport.ListenPort > 65535 {
			return errors.New("transport.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Transport.MdnsTag) == "" {
			return errors.New("transport.mdns_tag is required")
		}
		if strings.TrimSpace(c.Transport.Topic) == "" {
			return errors.New("transport.topic is required")
		}
	case TransportUDP:
		if err := validateMulticast(c.Transport.MulticastAddr); err != nil {
			return fmt.Errorf("transport.multicast_addr: %w", err)
		}
	case TransportRedis:
		if strings.TrimSpace(c.Transport.RedisAddr) == "" {
			return errors.New("transport.redis_addr is required")
		}
		if strings.TrimSpace(c.Transport.RedisChannel) == "" {
			return errors.New("transport.redis_channel is required")
		}
	default:
		return fmt.Errorf("transport.kind must be %s, %s or %s", TransportLibp2p, TransportUDP, TransportRedis)
	}

	// Discovery
	if c.Discovery.AdvertiseMs <= 0 {
		return errors.New("discovery.advertise_ms must be > 0")
	}
	if c.Discovery.JitterPct < 0 || c.Discovery.JitterPct > 100 {
		return errors.New("discovery.jitter_pct must be 0..100")
	}
	if c.Discovery.PeerTimeoutMs <= c.Discovery.AdvertiseMs {
		return errors.New("discovery.peer_timeout_ms must be > discovery.advertise_ms")
	}
	if c.Discovery.ReapMs <= 0 {
		return errors.New("discovery.reap_ms must be > 0")
	}

	// Propagation
	if c.Propagation.BroadcastMs <= 0 {
		return errors.New("propagation.broadcast_ms must be > 0")
	}
	if c.Propagation.MinGapMs < 0 {
		return errors.New("propagation.min_gap_ms must be >= 0")
	}
	if c.Propagation.PingMs <= 0 {
		return errors.New("propagation.ping_ms must be > 0")
	}
	if c.Propagation.PeerRatePerSec < 0 {
		return errors.New("propagation.peer_rate_per_sec must be >= 0")
	}

	// Clock sync
	if c.ClockSync.Window < 1 || c.ClockSync.Window > 100 {
		return errors.New("clock_sync.window must be 1..100")
	}
	if !(c.ClockSync.Smoothing > 0) || c.ClockSync.Smoothing > 1 {
		return errors.New("clock_sync.smoothing must be in (0, 1]")
	}

	// Monitor
	if a := strings.TrimSpace(c.Monitor.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("monitor.http_addr: %w", err)
		}
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

func validateMulticast(raw string) error {
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return errors.New("must be an IPv4 multicast address")
	}
	if port == "" || port == "0" {
		return errors.New("port is required")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (d Discovery) Advertise() time.Duration   { return ms(d.AdvertiseMs) }
func (d Discovery) PeerTimeout() time.Duration { return ms(d.PeerTimeoutMs) }
func (d Discovery) Reap() time.Duration        { return ms(d.ReapMs) }
func (d Discovery) Jitter() float64            { return float64(d.JitterPct) / 100 }

func (p Propagation) Broadcast() time.Duration { return ms(p.BroadcastMs) }
func (p Propagation) MinGap() time.Duration    { return ms(p.MinGapMs) }
func (p Propagation) Ping() time.Duration      { return ms(p.PingMs) }

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. Missing fields keep
// their defaults.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
