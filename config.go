package goftp

import (
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"time"
)

// Secure selects the transport mode for a Session, per spec §3's
// transport mode enum.
type Secure int

const (
	// SecureNone is plaintext FTP.
	SecureNone Secure = iota
	// SecureExplicit is explicit FTPS: AUTH TLS/SSL negotiated after the
	// plaintext greeting, then PBSZ 0 / PROT P.
	SecureExplicit
	// SecureControl upgrades only the control channel to TLS, leaving
	// data connections in the clear.
	SecureControl
	// SecureImplicit dials straight into TLS on port 990 (by default),
	// skipping the AUTH negotiation entirely.
	SecureImplicit
)

// FeatOverride customizes one FEAT token after the server's own
// advertisement is parsed: Add forces the token present, Remove forces it
// absent, and Param (when non-empty) sets/replaces its parameter text.
type FeatOverride struct {
	Add    bool
	Remove bool
	Param  string
}

// Config holds the session's immutable-after-connect configuration, per
// spec §6 "Configuration (enumerated)". Defaults are applied by
// NewConfig, mirroring the Options struct + config:"..." tags pattern
// backend/ftp/ftp.go uses, minus the registry plumbing a single-session
// library has no use for.
type Config struct {
	Host string `config:"host"`
	Port int    `config:"port"`

	User     string `config:"user"`
	Password string `config:"pass"`

	Secure        Secure      `config:"secure"`
	TLSConfig     *tls.Config `config:"-"`
	TLSCacheSize  int         `config:"tls_cache_size"`
	SkipVerifyTLS bool        `config:"no_check_certificate"`

	ConnTimeout time.Duration `config:"conn_timeout"`
	DataTimeout time.Duration `config:"data_timeout"`
	Keepalive   time.Duration `config:"keepalive"`

	// PortAddress, when set, enables active-mode fallback (PORT/EPRT)
	// advertising this address to the server.
	PortAddress string `config:"port_address"`
	// PortRange is "low-high", e.g. "5000-8000", the range active-mode
	// listeners are bound from.
	PortRange string `config:"port_range"`

	// OverrideFeats customizes the negotiated FEAT set; keys are
	// uppercase FEAT tokens (e.g. "EPSV", "MLST").
	OverrideFeats map[string]FeatOverride `config:"-"`

	// UseCompression enables MODE Z for data transfers.
	UseCompression bool `config:"use_compression"`

	// DebugSink, if non-nil, receives human-readable control-channel
	// trace lines (PASS redacted) and dispatcher/session debug logs.
	DebugSink io.Writer `config:"-"`

	// Metrics, if non-nil, receives Prometheus counters for commands
	// sent, replies by class, keepalive NOOPs, and data transfers. Build
	// one with NewMetrics.
	Metrics *Metrics `config:"-"`
}

// NewConfig returns a Config with spec §6's defaults applied.
func NewConfig() *Config {
	return &Config{
		Host:        "localhost",
		Port:        21,
		User:        "anonymous",
		Password:    "anonymous@",
		Secure:      SecureNone,
		ConnTimeout:  10 * time.Second,
		DataTimeout:  10 * time.Second,
		Keepalive:    10 * time.Second,
		PortRange:    "5000-8000",
		TLSCacheSize: 32,
	}
}

func (c *Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// tlsConfig builds (or returns the caller-supplied) *tls.Config for this
// connection, per backend/ftp/ftp.go's Fs.tlsConfig: a session cache is
// per-connection, never shared, since FTP servers routinely reject a
// data-channel TLS resumption against a session negotiated by a
// different control connection.
func (c *Config) tlsConfig() *tls.Config {
	if c.TLSConfig != nil {
		return c.TLSConfig
	}
	conf := &tls.Config{
		ServerName:         c.Host,
		InsecureSkipVerify: c.SkipVerifyTLS,
	}
	if c.TLSCacheSize > 0 {
		conf.ClientSessionCache = tls.NewLRUClientSessionCache(c.TLSCacheSize)
	}
	return conf
}
