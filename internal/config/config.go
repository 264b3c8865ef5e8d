package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultListenAddr       = "127.0.0.1:4242"
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultMaxClockSkew     = 30 * time.Second
	DefaultMaxPeersPerList  = 128
	DefaultMaxSessions      = 256
	DefaultMaxConnsPerIP    = 8
	DefaultDialTimeout      = 8 * time.Second
)

// Config is the resolved node configuration.
type Config struct {
	Home             string
	ListenAddr       string
	AdvertiseHost    string
	AdvertisePort    uint16
	HandshakeTimeout time.Duration
	MaxClockSkew     time.Duration
	MaxPeersPerList  int
	MaxSessions      int
	MaxConnsPerIP    int
	DialTimeout      time.Duration
	Peers            []string
	LogLevel         string
	MetricsAddr      string
}

type fileConfig struct {
	Home             string   `toml:"home"`
	ListenAddr       string   `toml:"listen_addr"`
	AdvertiseHost    string   `toml:"advertise_host"`
	AdvertisePort    int      `toml:"advertise_port"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	MaxClockSkew     string   `toml:"max_clock_skew"`
	MaxPeersPerList  int      `toml:"max_peers_per_list"`
	MaxSessions      int      `toml:"max_sessions"`
	MaxConnsPerIP    int      `toml:"max_conns_per_ip"`
	DialTimeout      string   `toml:"dial_timeout"`
	Peers            []string `toml:"peers"`
	LogLevel         string   `toml:"log_level"`
	MetricsAddr      string   `toml:"metrics_addr"`
}

func DefaultHome() string {
	if v := strings.TrimSpace(os.Getenv("IRIS_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".iris"
	}
	return filepath.Join(home, ".iris")
}

func Default() Config {
	return Config{
		Home:             DefaultHome(),
		ListenAddr:       DefaultListenAddr,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxClockSkew:     DefaultMaxClockSkew,
		MaxPeersPerList:  DefaultMaxPeersPerList,
		MaxSessions:      DefaultMaxSessions,
		MaxConnsPerIP:    DefaultMaxConnsPerIP,
		DialTimeout:      DefaultDialTimeout,
		LogLevel:         "info",
	}
}

// Load reads a TOML file over the defaults. A missing file yields the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("home") {
		cfg.Home = strings.TrimSpace(raw.Home)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("advertise_host") {
		cfg.AdvertiseHost = strings.TrimSpace(raw.AdvertiseHost)
	}
	if meta.IsDefined("advertise_port") {
		if raw.AdvertisePort < 0 || raw.AdvertisePort > 65535 {
			return Config{}, fmt.Errorf("advertise_port out of range: %d", raw.AdvertisePort)
		}
		cfg.AdvertisePort = uint16(raw.AdvertisePort)
	}
	if err := parseDuration(meta, "handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout); err != nil {
		return Config{}, err
	}
	if err := parseDuration(meta, "max_clock_skew", raw.MaxClockSkew, &cfg.MaxClockSkew); err != nil {
		return Config{}, err
	}
	if err := parseDuration(meta, "dial_timeout", raw.DialTimeout, &cfg.DialTimeout); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("max_peers_per_list") {
		cfg.MaxPeersPerList = raw.MaxPeersPerList
	}
	if meta.IsDefined("max_sessions") {
		cfg.MaxSessions = raw.MaxSessions
	}
	if meta.IsDefined("max_conns_per_ip") {
		cfg.MaxConnsPerIP = raw.MaxConnsPerIP
	}
	if meta.IsDefined("peers") {
		cfg.Peers = normalizePeers(raw.Peers)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	return cfg, nil
}

func parseDuration(meta toml.MetaData, key, raw string, dst *time.Duration) error {
	if !meta.IsDefined(key) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

func normalizePeers(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ApplyEnv overrides fields from IRIS_* variables.
func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv("IRIS_HOME")); v != "" {
		c.Home = v
	}
	if v := strings.TrimSpace(os.Getenv("IRIS_LISTEN_ADDR")); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("IRIS_ADVERTISE_HOST")); v != "" {
		c.AdvertiseHost = v
	}
	if v := strings.TrimSpace(os.Getenv("IRIS_ADVERTISE_PORT")); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("IRIS_ADVERTISE_PORT: %w", err)
		}
		c.AdvertisePort = uint16(n)
	}
	if v := strings.TrimSpace(os.Getenv("IRIS_HANDSHAKE_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("IRIS_HANDSHAKE_TIMEOUT: %w", err)
		}
		c.HandshakeTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("IRIS_MAX_SESSIONS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IRIS_MAX_SESSIONS: %w", err)
		}
		c.MaxSessions = n
	}
	if v := strings.TrimSpace(os.Getenv("IRIS_PEERS")); v != "" {
		c.Peers = normalizePeers(strings.Split(v, ","))
	}
	if v := strings.TrimSpace(os.Getenv("IRIS_METRICS_ADDR")); v != "" {
		c.MetricsAddr = v
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Home) == "" {
		return fmt.Errorf("config missing home")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("config missing listen_addr")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive")
	}
	if c.MaxClockSkew <= 0 {
		return fmt.Errorf("max_clock_skew must be positive")
	}
	if c.MaxPeersPerList <= 0 {
		return fmt.Errorf("max_peers_per_list must be positive")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive")
	}
	if c.MaxConnsPerIP < 0 {
		return fmt.Errorf("max_conns_per_ip must not be negative")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}
	return nil
}

func (c Config) KeysDir() string     { return filepath.Join(c.Home, "keys") }
func (c Config) ShardsPath() string  { return filepath.Join(c.Home, "shards.jsonl") }
func (c Config) MetricsPath() string { return filepath.Join(c.Home, "metrics.json") }
