package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

// Protocol identifies the wire protocol served by a listener.
type Protocol string

const (
	ProtocolShadowsocks Protocol = "shadowsocks"
	ProtocolSOCKS5      Protocol = "socks5"
	ProtocolHTTP        Protocol = "http"
)

// Listener describes one protocol endpoint. Immutable after load.
type Listener struct {
	Protocol Protocol `yaml:"protocol"`
	Listen   string   `yaml:"listen"`
	Enabled  bool     `yaml:"enabled"`

	// Shadowsocks credentials.
	Cipher   string `yaml:"cipher,omitempty"`
	Password string `yaml:"password,omitempty"`

	// SOCKS5 / HTTP credentials. Empty username disables authentication.
	Username string `yaml:"username,omitempty"`
}

// BandwidthScope selects which connections share a token bucket.
type BandwidthScope string

const (
	ScopeSession BandwidthScope = "session"
	ScopeIP      BandwidthScope = "ip"
	ScopeGlobal  BandwidthScope = "global"
)

// Access is the single access policy applied to every listener.
// Immutable after load.
type Access struct {
	AllowedNets      []string       `yaml:"allowed_nets,omitempty"`
	MaxConnsPerIP    int            `yaml:"max_conns_per_ip"`
	MaxConnsTotal    int            `yaml:"max_conns_total"`
	BandwidthLimit   int            `yaml:"bandwidth_limit"`
	BandwidthScope   BandwidthScope `yaml:"bandwidth_scope"`
	ReplayProtection bool           `yaml:"replay_protection"`
	ReplayTTL        time.Duration  `yaml:"replay_ttl"`
	ConnectTimeout   time.Duration  `yaml:"connect_timeout"`
	IdleTimeout      time.Duration  `yaml:"idle_timeout"`

	// MaxPendingHandshakes caps connections that are accepted but have not
	// finished their protocol handshake. 0 means unlimited.
	MaxPendingHandshakes int `yaml:"max_pending_handshakes"`
}

// Admin describes the optional management endpoint.
type Admin struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Config is the root configuration document.
type Config struct {
	Listeners     []Listener    `yaml:"listeners"`
	Access        Access        `yaml:"access"`
	Admin         Admin         `yaml:"admin"`
	SessionIDMode string        `yaml:"session_id_mode"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Defaults applied before validation.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultReplayTTL      = 60 * time.Second
	DefaultShutdownGrace  = 10 * time.Second
)

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := LoadYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Access.ConnectTimeout <= 0 {
		c.Access.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Access.IdleTimeout <= 0 {
		c.Access.IdleTimeout = DefaultIdleTimeout
	}
	if c.Access.ReplayTTL <= 0 {
		c.Access.ReplayTTL = DefaultReplayTTL
	}
	if c.Access.BandwidthScope == "" {
		c.Access.BandwidthScope = ScopeSession
	}
	if c.SessionIDMode == "" {
		c.SessionIDMode = "uuid"
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Admin.Enabled && c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:9900"
	}
}

// Validate reports the first configuration problem found. A nil return is
// the "configuration valid" control-plane outcome.
func (c *Config) Validate() error {
	enabled := 0
	seen := make(map[string]Protocol, len(c.Listeners))
	seenProto := make(map[Protocol]bool, len(c.Listeners))
	for i, ln := range c.Listeners {
		label := fmt.Sprintf("listener %d (%s)", i+1, ln.Protocol)
		switch ln.Protocol {
		case ProtocolShadowsocks:
			if ln.Password == "" {
				return fmt.Errorf("%s: password is required", label)
			}
			if ln.Cipher == "" {
				return fmt.Errorf("%s: cipher is required", label)
			}
		case ProtocolSOCKS5, ProtocolHTTP:
			if ln.Username != "" && ln.Password == "" {
				return fmt.Errorf("%s: password is required when username is set", label)
			}
		default:
			return fmt.Errorf("%s: unsupported protocol %q", label, ln.Protocol)
		}
		if _, _, err := net.SplitHostPort(ln.Listen); err != nil {
			return fmt.Errorf("%s: invalid listen address %q: %w", label, ln.Listen, err)
		}
		if !ln.Enabled {
			continue
		}
		if prev, dup := seen[ln.Listen]; dup {
			return fmt.Errorf("%s: listen address %q already used by %s", label, ln.Listen, prev)
		}
		seen[ln.Listen] = ln.Protocol
		if seenProto[ln.Protocol] {
			return fmt.Errorf("%s: protocol enabled more than once", label)
		}
		seenProto[ln.Protocol] = true
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled listeners")
	}

	for _, cidr := range c.Access.AllowedNets {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("invalid allowed_nets entry %q: %w", cidr, err)
		}
	}
	if c.Access.MaxConnsPerIP < 0 || c.Access.MaxConnsTotal < 0 || c.Access.MaxPendingHandshakes < 0 {
		return fmt.Errorf("connection limits cannot be negative")
	}
	if c.Access.BandwidthLimit < 0 {
		return fmt.Errorf("bandwidth_limit cannot be negative")
	}
	switch c.Access.BandwidthScope {
	case ScopeSession, ScopeIP, ScopeGlobal:
	default:
		return fmt.Errorf("unsupported bandwidth_scope %q (use session, ip or global)", c.Access.BandwidthScope)
	}
	switch c.SessionIDMode {
	case "uuid", "cuid":
	default:
		return fmt.Errorf("unsupported session_id_mode %q (use uuid or cuid)", c.SessionIDMode)
	}
	if c.Admin.Enabled {
		if _, _, err := net.SplitHostPort(c.Admin.Listen); err != nil {
			return fmt.Errorf("invalid admin listen address %q: %w", c.Admin.Listen, err)
		}
	}
	return nil
}

// EnabledListeners returns only the listeners marked enabled.
func (c *Config) EnabledListeners() []Listener {
	out := make([]Listener, 0, len(c.Listeners))
	for _, ln := range c.Listeners {
		if ln.Enabled {
			out = append(out, ln)
		}
	}
	return out
}
