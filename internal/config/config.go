// Package config loads holetun settings from defaults, an optional JSON
// file, HOLETUN_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/saintparish4/holetun/internal/relay"
	"github.com/saintparish4/holetun/internal/status"
	"github.com/saintparish4/holetun/pkg/holepunch"
	"github.com/saintparish4/holetun/pkg/netutil"
	"github.com/saintparish4/holetun/pkg/rendezvous"
	"github.com/saintparish4/holetun/pkg/stunprobe"
	"github.com/saintparish4/holetun/pkg/tunnel"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "HOLETUN_"

// Config is the full set of holetun settings.
type Config struct {
	// Client
	RelayHost         string   `json:"relay_host"`
	RelayPort         int      `json:"relay_port"`
	SessionID         string   `json:"session_id"`
	ExternalPort      int      `json:"external_port"`
	ReuseAddr         bool     `json:"reuse_addr"`
	LocalHost         string   `json:"local_host"`
	LocalPort         int      `json:"local_port"`
	LocalNetworks     []string `json:"local_networks"`
	LocalInterfaces   bool     `json:"local_interfaces"`
	RegisterCount     int      `json:"register_count"`
	RegisterInterval  Duration `json:"register_interval"`
	DiscoveryTimeout  Duration `json:"discovery_timeout"`
	PunchInterval     Duration `json:"punch_interval"`
	PunchWindow       Duration `json:"punch_window"`
	KeepaliveInterval Duration `json:"keepalive_interval"`
	STUNServer        string   `json:"stun_server"`
	STUNTimeout       Duration `json:"stun_timeout"`
	StatusAddr        string   `json:"status_addr"`

	// Relay server
	ListenAddr      string   `json:"listen_addr"`
	StaleTimeout    Duration `json:"stale_timeout"`
	CleanupInterval Duration `json:"cleanup_interval"`

	// Logging
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RelayPort:         50000,
		ReuseAddr:         true,
		LocalHost:         "127.0.0.1",
		LocalNetworks:     netutil.DefaultLocalNetworks().Strings(),
		RegisterCount:     rendezvous.DefaultBurstCount,
		RegisterInterval:  Duration(rendezvous.DefaultBurstInterval),
		DiscoveryTimeout:  Duration(tunnel.DefaultDiscoveryTimeout),
		PunchInterval:     Duration(holepunch.DefaultInterval),
		PunchWindow:       Duration(holepunch.DefaultWindow),
		KeepaliveInterval: Duration(tunnel.DefaultKeepaliveInterval),
		STUNTimeout:       Duration(stunprobe.DefaultTimeout),
		ListenAddr:        ":50000",
		StaleTimeout:      Duration(2 * time.Minute),
		CleanupInterval:   Duration(30 * time.Second),
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// LoadFile reads a JSON config file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from HOLETUN_* variables found through lookup.
// Pass os.LookupEnv for the process environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	setString := func(name string, dst *string) {
		if v, ok := env(name); ok {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v, ok := env(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(name string, dst *bool) {
		if v, ok := env(name); ok {
			*dst = parseBool(v)
		}
	}
	setDuration := func(name string, dst *Duration) {
		if v, ok := env(name); ok {
			if err := dst.Set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			}
		}
	}

	setString("RELAY_HOST", &c.RelayHost)
	setInt("RELAY_PORT", &c.RelayPort)
	setString("SESSION", &c.SessionID)
	setInt("EXTERNAL_PORT", &c.ExternalPort)
	setBool("REUSE_ADDR", &c.ReuseAddr)
	setString("LOCAL_HOST", &c.LocalHost)
	setInt("LOCAL_PORT", &c.LocalPort)
	if v, ok := env("LOCAL_NETWORKS"); ok {
		c.LocalNetworks = splitAndTrim(v, ",")
	}
	setBool("LOCAL_INTERFACES", &c.LocalInterfaces)
	setInt("REGISTER_COUNT", &c.RegisterCount)
	setDuration("REGISTER_INTERVAL", &c.RegisterInterval)
	setDuration("DISCOVERY_TIMEOUT", &c.DiscoveryTimeout)
	setDuration("PUNCH_INTERVAL", &c.PunchInterval)
	setDuration("PUNCH_WINDOW", &c.PunchWindow)
	setDuration("KEEPALIVE_INTERVAL", &c.KeepaliveInterval)
	setString("STUN_SERVER", &c.STUNServer)
	setDuration("STUN_TIMEOUT", &c.STUNTimeout)
	setString("STATUS_ADDR", &c.StatusAddr)
	setString("LISTEN_ADDR", &c.ListenAddr)
	setDuration("STALE_TIMEOUT", &c.StaleTimeout)
	setDuration("CLEANUP_INTERVAL", &c.CleanupInterval)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_FORMAT", &c.LogFormat)

	return multierr.Combine(errs...)
}

// BindFlags registers a flag for every field, defaulting to the current value.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.RelayHost, "relay", c.RelayHost, "relay host")
	fs.IntVar(&c.RelayPort, "relay-port", c.RelayPort, "relay UDP port")
	fs.StringVar(&c.SessionID, "session", c.SessionID, "session id shared with the peer")
	fs.IntVar(&c.ExternalPort, "external-port", c.ExternalPort, "local UDP port of the external socket (0 picks one)")
	fs.BoolVar(&c.ReuseAddr, "reuse-addr", c.ReuseAddr, "set SO_REUSEADDR on the external socket")
	fs.StringVar(&c.LocalHost, "local-host", c.LocalHost, "host of the fixed local application")
	fs.IntVar(&c.LocalPort, "local-port", c.LocalPort, "fixed local application port (0 learns it from traffic)")
	fs.Var((*listValue)(&c.LocalNetworks), "local-networks", "comma-separated CIDRs treated as local applications")
	fs.BoolVar(&c.LocalInterfaces, "local-interfaces", c.LocalInterfaces, "also treat this host's interface addresses as local")
	fs.IntVar(&c.RegisterCount, "register-count", c.RegisterCount, "REGISTER messages in the initial burst")
	fs.Var(&c.RegisterInterval, "register-interval", "interval between initial REGISTER messages")
	fs.Var(&c.DiscoveryTimeout, "discovery-timeout", "how long to wait for the relay to announce the peer")
	fs.Var(&c.PunchInterval, "punch-interval", "interval between punch packets")
	fs.Var(&c.PunchWindow, "punch-window", "how long hole punching may take")
	fs.Var(&c.KeepaliveInterval, "keepalive-interval", "interval between keepalives once connected")
	fs.StringVar(&c.STUNServer, "stun", c.STUNServer, "STUN server host:port for a mapping probe")
	fs.Var(&c.STUNTimeout, "stun-timeout", "STUN probe timeout")
	fs.StringVar(&c.StatusAddr, "status", c.StatusAddr, "status server listen address (empty disables it)")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "relay listen address")
	fs.Var(&c.StaleTimeout, "stale-timeout", "relay registrant expiry")
	fs.Var(&c.CleanupInterval, "cleanup-interval", "relay cleanup interval")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (trace, debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (text or json)")
}

// Load builds the configuration for a subcommand: defaults, then the file
// named by -config, then the environment, then explicitly set flags.
func Load(fs *flag.FlagSet, args []string, lookup func(string) (string, bool)) (*Config, error) {
	parsed := Default()
	configPath := fs.String("config", "", "path to a JSON config file")
	parsed.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if *configPath != "" {
		var err error
		if cfg, err = LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	// replay explicitly set flags over file and environment
	final := flag.NewFlagSet(fs.Name(), flag.ContinueOnError)
	cfg.BindFlags(final)
	var errs []error
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := final.Set(f.Name, f.Value.String()); err != nil {
			errs = append(errs, err)
		}
	})
	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateClient checks the settings a connect run needs.
func (c *Config) ValidateClient() error {
	var errs []error
	if c.RelayHost == "" {
		errs = append(errs, errors.New("relay host is required"))
	}
	if !validPort(c.RelayPort) || c.RelayPort == 0 {
		errs = append(errs, fmt.Errorf("invalid relay port %d", c.RelayPort))
	}
	if !rendezvous.ValidSessionID(c.SessionID) {
		errs = append(errs, fmt.Errorf("invalid session id %q", c.SessionID))
	}
	if !validPort(c.ExternalPort) {
		errs = append(errs, fmt.Errorf("invalid external port %d", c.ExternalPort))
	}
	if !validPort(c.LocalPort) {
		errs = append(errs, fmt.Errorf("invalid local port %d", c.LocalPort))
	}
	if _, err := netutil.ParseLocalNetworks(c.LocalNetworks); err != nil {
		errs = append(errs, err)
	}
	if c.RegisterCount <= 0 {
		errs = append(errs, fmt.Errorf("register count must be positive, got %d", c.RegisterCount))
	}
	for name, d := range map[string]Duration{
		"register interval":  c.RegisterInterval,
		"discovery timeout":  c.DiscoveryTimeout,
		"punch interval":     c.PunchInterval,
		"punch window":       c.PunchWindow,
		"keepalive interval": c.KeepaliveInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.PunchInterval > c.PunchWindow {
		errs = append(errs, errors.New("punch interval exceeds punch window"))
	}
	return multierr.Combine(errs...)
}

// ValidateRelay checks the settings the relay server needs.
func (c *Config) ValidateRelay() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.StaleTimeout <= 0 {
		errs = append(errs, errors.New("stale timeout must be positive"))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("cleanup interval must be positive"))
	}
	return multierr.Combine(errs...)
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

// parseBool accepts the usual spellings of true; anything else is false
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Duration is a time.Duration that reads and writes "1.5s" style strings.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Set implements flag.Value.
func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.Set(s)
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

type listValue []string

func (l *listValue) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *listValue) Set(s string) error {
	*l = splitAndTrim(s, ",")
	return nil
}

// TunnelConfig resolves the client settings into a tunnel.Config.
func (c *Config) TunnelConfig() (tunnel.Config, error) {
	if err := c.ValidateClient(); err != nil {
		return tunnel.Config{}, err
	}

	relayAddr, err := netutil.ResolveAddrPort("udp4", c.RelayHost, c.RelayPort)
	if err != nil {
		return tunnel.Config{}, fmt.Errorf("relay: %w", err)
	}

	local, err := netutil.ParseLocalNetworks(c.LocalNetworks)
	if err != nil {
		return tunnel.Config{}, err
	}
	if c.LocalInterfaces {
		if local, err = local.WithInterfaceAddresses(); err != nil {
			return tunnel.Config{}, fmt.Errorf("local interfaces: %w", err)
		}
	}

	cfg := tunnel.Config{
		SessionID:         c.SessionID,
		Relay:             relayAddr,
		LocalNetworks:     local,
		RegisterCount:     c.RegisterCount,
		RegisterInterval:  time.Duration(c.RegisterInterval),
		DiscoveryTimeout:  time.Duration(c.DiscoveryTimeout),
		PunchInterval:     time.Duration(c.PunchInterval),
		PunchWindow:       time.Duration(c.PunchWindow),
		KeepaliveInterval: time.Duration(c.KeepaliveInterval),
		STUNTimeout:       time.Duration(c.STUNTimeout),
	}

	if c.LocalPort != 0 {
		if cfg.LocalPeer, err = netutil.ResolveAddrPort("udp4", c.LocalHost, c.LocalPort); err != nil {
			return tunnel.Config{}, fmt.Errorf("local peer: %w", err)
		}
	}

	if c.STUNServer != "" {
		host, portStr, err := net.SplitHostPort(c.STUNServer)
		if err != nil {
			return tunnel.Config{}, fmt.Errorf("stun server: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return tunnel.Config{}, fmt.Errorf("stun server port: %w", err)
		}
		if cfg.STUNServer, err = netutil.ResolveAddrPort("udp4", host, port); err != nil {
			return tunnel.Config{}, fmt.Errorf("stun server: %w", err)
		}
	}

	return cfg, nil
}

// RelayConfig returns the relay server settings.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		Addr:            c.ListenAddr,
		StaleTimeout:    time.Duration(c.StaleTimeout),
		CleanupInterval: time.Duration(c.CleanupInterval),
	}
}

// StatusConfig returns the status server settings, or false when disabled.
func (c *Config) StatusConfig() (status.Config, bool) {
	if c.StatusAddr == "" {
		return status.Config{}, false
	}
	cfg := status.DefaultConfig()
	cfg.Addr = c.StatusAddr
	return cfg, true
}
