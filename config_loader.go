package goftp

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ConfigFromViper builds a Config from an already-populated *viper.Viper,
// starting from NewConfig's defaults and overriding only the keys v has
// set. Keys match the Config struct's `config:"..."` tags. viper itself
// is part of the same dependency graph as the teacher's CLI tooling;
// it is used here directly for env/file driven construction rather than
// hand-rolling a flag/env parser.
func ConfigFromViper(v *viper.Viper) (*Config, error) {
	cfg := NewConfig()
	if v == nil {
		return cfg, nil
	}

	if v.IsSet("host") {
		cfg.Host = v.GetString("host")
	}
	if v.IsSet("port") {
		cfg.Port = v.GetInt("port")
	}
	if v.IsSet("user") {
		cfg.User = v.GetString("user")
	}
	if v.IsSet("pass") {
		cfg.Password = v.GetString("pass")
	}
	if v.IsSet("secure") {
		sec, err := parseSecure(v.GetString("secure"))
		if err != nil {
			return nil, err
		}
		cfg.Secure = sec
	}
	if v.IsSet("tls_cache_size") {
		cfg.TLSCacheSize = v.GetInt("tls_cache_size")
	}
	if v.IsSet("no_check_certificate") {
		cfg.SkipVerifyTLS = v.GetBool("no_check_certificate")
	}
	if v.IsSet("conn_timeout") {
		cfg.ConnTimeout = v.GetDuration("conn_timeout")
	}
	if v.IsSet("data_timeout") {
		cfg.DataTimeout = v.GetDuration("data_timeout")
	}
	if v.IsSet("keepalive") {
		cfg.Keepalive = v.GetDuration("keepalive")
	}
	if v.IsSet("port_address") {
		cfg.PortAddress = v.GetString("port_address")
	}
	if v.IsSet("port_range") {
		cfg.PortRange = v.GetString("port_range")
	}
	if v.IsSet("use_compression") {
		cfg.UseCompression = v.GetBool("use_compression")
	}
	return cfg, nil
}

func parseSecure(s string) (Secure, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SecureNone, nil
	case "explicit":
		return SecureExplicit, nil
	case "control":
		return SecureControl, nil
	case "implicit":
		return SecureImplicit, nil
	}
	return 0, fmt.Errorf("ftp: unknown secure mode %q", s)
}

var configKeys = []string{
	"host", "port", "user", "pass", "secure", "tls_cache_size",
	"no_check_certificate", "conn_timeout", "data_timeout", "keepalive",
	"port_address", "port_range", "use_compression",
}

// ConfigFromFile reads path (any format viper supports: yaml, toml,
// json, ini, env) into a Config.
func ConfigFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("ftp: reading config file: %w", err)
	}
	return ConfigFromViper(v)
}

// ConfigFromEnv reads Config fields from environment variables named
// "<prefix>_<KEY>", e.g. prefix "GOFTP" binds GOFTP_HOST, GOFTP_PORT, etc.
func ConfigFromEnv(prefix string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}
	return ConfigFromViper(v)
}
