// Package config loads the process configuration the core accepts
// from its caller: bind addresses, credentials, TLS material,
// upstream groups, mappings, timeouts and health probes (spec.md §6).
// CLI/YAML/TOML parsing, the hot-reload RPC and pid files are out of
// scope; this only carries the already-parsed JSON struct, following
// the teacher's pkg/config.Config JSON-with-legacy-aliasing pattern.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Credentials is the shared secret used both for SOCKS5/HTTP proxy
// basic auth and for the tunnel's Token frame.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TLSConfig names the key/cert material an external TLS library loads;
// the core never parses certificates itself (spec.md §1 Out of scope).
type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	SNI      string `json:"sni"`
}

// Timeouts bounds the optional read/write/idle/keep-alive timeouts
// every accepted inbound can carry (spec.md §5).
type Timeouts struct {
	Read      time.Duration `json:"read"`
	Write     time.Duration `json:"write"`
	Idle      time.Duration `json:"idle"`
	KeepAlive time.Duration `json:"keep_alive"`
}

// UpstreamServer is one weighted backend inside an UpstreamGroup.
type UpstreamServer struct {
	Addr   string `json:"addr"`
	Weight int    `json:"weight"`
}

// UpstreamGroup is a named set of backends used by the reverse proxy
// and L4 load balancer paths (spec.md §3 Upstream group).
type UpstreamGroup struct {
	Name    string           `json:"name"`
	Servers []UpstreamServer `json:"servers"`
}

// MappingMode enumerates the reverse-tunnel mapping modes.
type MappingMode string

const (
	ModeHTTP  MappingMode = "http"
	ModeHTTPS MappingMode = "https"
	ModeTCP   MappingMode = "tcp"
	ModeProxy MappingMode = "proxy"
	ModeUDP   MappingMode = "udp"
)

// Mapping declares that public traffic to Domain via Mode should be
// forwarded to LocalAddr through the tunnel (spec.md §3 Mapping,
// Glossary).
type Mapping struct {
	Name      string      `json:"name"`
	Mode      MappingMode `json:"mode"`
	Domain    string      `json:"domain"`
	LocalAddr string      `json:"local_addr"`
}

// HealthProbe is one active-health-check target (spec.md §4.10).
type HealthProbe struct {
	Addr     string        `json:"addr"`
	Scheme   string        `json:"scheme"` // "http" or "tcp"
	Interval time.Duration `json:"interval"`
}

// Listener is one bound accept point and what it dispatches to.
type Listener struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
	// Kind selects the engine: "proxy" (sniffed SOCKS5/HTTP), "tunnel"
	// (server-side tunnel accept), "reverse_http", "reverse_https"
	// (upstream-group load balancing, spec.md §1(c)), "l4_tcp",
	// "l4_udp" (raw L4 balancing, spec.md §1(d)), or "tunnel_http",
	// "tunnel_https", "tunnel_tcp", "tunnel_proxy" (public inbound for
	// the reverse-mapping fabric, spec.md §4.9).
	Kind          string `json:"kind"`
	UpstreamGroup string `json:"upstream_group"`
	// Domain names the tunnel mapping this listener serves. Required
	// for "tunnel_tcp"/"tunnel_proxy" (spec.md §4.9: no Host header to
	// sniff a domain from); ignored for "tunnel_http"/"tunnel_https",
	// which resolve it per-request from the Host header instead.
	Domain string `json:"domain"`
}

// Config is the full process configuration for either peer.
type Config struct {
	Role string `json:"role"` // "client" or "server"

	Listeners      []Listener      `json:"listeners"`
	Credentials    *Credentials    `json:"credentials"`
	TLS            TLSConfig       `json:"tls"`
	UpstreamGroups []UpstreamGroup `json:"upstream_groups"`
	Mappings       []Mapping       `json:"mappings"`
	Timeouts       Timeouts        `json:"timeouts"`
	HealthProbes   []HealthProbe   `json:"health_probes"`

	// ServerAddr is the tunnel server this client peer connects out to.
	ServerAddr string `json:"server_addr"`
	// BindIP is the address SOCKS5 UDP-associate binds its relay socket
	// on; omitted disables UDP-associate (spec.md §9 Open Questions).
	BindIP string `json:"bind_ip"`

	// TunnelObfuscate wraps the physical tunnel connection in an
	// AES-CTR keystream derived from Credentials when TLS is not
	// configured. Ignored when TLS.Enabled is true.
	TunnelObfuscate bool `json:"tunnel_obfuscate"`

	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	HealthMaxFails     int           `json:"health_max_fails"`
	HealthRiseThresh   int           `json:"health_rise_threshold"`
	HealthFailTimeout  time.Duration `json:"health_fail_timeout"`

	IPRateLimit       int           `json:"ip_rate_limit"`
	IPRateLimitWindow time.Duration `json:"ip_rate_limit_window"`
}

// legacyAlias carries the legacy "center_addr" spelling of the tunnel
// server address alongside the current Config fields.
type legacyAlias struct {
	Config
	ServerAddrLegacy string `json:"center_addr"`
}

// UnmarshalJSON accepts both the current and a legacy field name for
// the tunnel server address, mirroring the teacher's own tolerant
// decoding of a renamed config key.
func (c *Config) UnmarshalJSON(data []byte) error {
	var aux legacyAlias
	type plain Config
	if err := json.Unmarshal(data, (*plain)(&aux.Config)); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &struct {
		ServerAddrLegacy *string `json:"center_addr"`
	}{ServerAddrLegacy: &aux.ServerAddrLegacy}); err != nil {
		return err
	}
	*c = aux.Config
	if c.ServerAddr == "" && aux.ServerAddrLegacy != "" {
		c.ServerAddr = aux.ServerAddrLegacy
	}
	return nil
}

// Load reads and decodes a Config from a JSON file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := json.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HealthMaxFails <= 0 {
		c.HealthMaxFails = 3
	}
	if c.HealthRiseThresh <= 0 {
		c.HealthRiseThresh = 2
	}
	if c.HealthFailTimeout <= 0 {
		c.HealthFailTimeout = 60 * time.Second
	}
	if c.IPRateLimit <= 0 {
		c.IPRateLimit = 200
	}
	if c.IPRateLimitWindow <= 0 {
		c.IPRateLimitWindow = 30 * time.Second
	}
}

// Group looks up an upstream group by name.
func (c *Config) Group(name string) (UpstreamGroup, bool) {
	for _, g := range c.UpstreamGroups {
		if g.Name == name {
			return g, true
		}
	}
	return UpstreamGroup{}, false
}
