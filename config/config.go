// Package config loads the settings for the POP3 login-proxy from a TOML
// file into a typed Settings tree, applying defaults and validating the
// combinations that would otherwise fail confusingly deep inside the proxy
// engine.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"
)

// SSLFlags controls how the proxy talks TLS to the backend.
type SSLFlags string

const (
	SSLNone     SSLFlags = ""
	SSLYes      SSLFlags = "yes"
	SSLStartTLS SSLFlags = "starttls"
	SSLAnyCert  SSLFlags = "any_cert"
)

// LoggingConfig configures the logger package's global output.
type LoggingConfig struct {
	Output     string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format     string `toml:"format"` // "console" or "json"
	Level      string `toml:"level"`  // "debug", "info", "warn", "error"
	SyslogAddr string `toml:"syslog_addr"`
	SyslogTag  string `toml:"syslog_tag"`
}

// MetricsConfig controls the optional Prometheus /metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// AdminConfig controls the local admin control socket (KICK/STATUS).
type AdminConfig struct {
	Enabled      bool   `toml:"enabled"`
	SocketPath   string `toml:"socket_path"`
	SharedSecret string `toml:"shared_secret"`
}

// ProxySettings holds the tunables named in the login-proxy's external
// interface: everything that shapes retry, health, TLS, and pacing
// behavior for a single destination.
type ProxySettings struct {
	MaxReconnects              uint     `toml:"login_proxy_max_reconnects"`
	MaxDisconnectDelaySecs     uint     `toml:"login_proxy_max_disconnect_delay"`
	SourceIP                   string   `toml:"source_ip"`
	ConnectTimeoutMsecs        uint     `toml:"connect_timeout_msecs"`
	NotifyRefreshSecs          uint     `toml:"notify_refresh_secs"`
	HostImmediateFailAfterSecs uint     `toml:"host_immediate_failure_after_secs"`
	SSLFlags                   SSLFlags `toml:"ssl_flags"`
	RawlogDir                  string   `toml:"rawlog_dir"`
	NotifyPipePath             string   `toml:"notify_pipe_path"`
}

// ConnectTimeout returns the connect budget as a time.Duration, or 0 (no
// timer) when unconfigured.
func (p ProxySettings) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMsecs) * time.Millisecond
}

// NotifyRefresh returns the anvil-notification period, or 0 to disable it.
func (p ProxySettings) NotifyRefresh() time.Duration {
	return time.Duration(p.NotifyRefreshSecs) * time.Second
}

// HostImmediateFailAfter returns the fast-fail window, or 0 to disable it.
func (p ProxySettings) HostImmediateFailAfter() time.Duration {
	return time.Duration(p.HostImmediateFailAfterSecs) * time.Second
}

// MaxDisconnectDelay returns the disconnect-pacing window, or 0 to disable
// pacing (immediate disconnects).
func (p ProxySettings) MaxDisconnectDelay() time.Duration {
	return time.Duration(p.MaxDisconnectDelaySecs) * time.Second
}

// Settings is the full configuration tree for the pop3loginproxy binary.
type Settings struct {
	ListenAddr  string        `toml:"listen_addr"`
	BackendAddr string        `toml:"backend_addr"`
	Proxy       ProxySettings `toml:"proxy"`
	Logging     LoggingConfig `toml:"logging"`
	Metrics     MetricsConfig `toml:"metrics"`
	Admin       AdminConfig   `toml:"admin"`
}

// Default returns the settings a bare-bones deployment would want: no TLS,
// no pacing, a generous connect timeout, and console logging at info level.
func Default() Settings {
	return Settings{
		ListenAddr: "0.0.0.0:110",
		Proxy: ProxySettings{
			MaxReconnects:       3,
			ConnectTimeoutMsecs: 30000,
			NotifyRefreshSecs:   60,
			SSLFlags:            SSLNone,
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9110",
		},
		Admin: AdminConfig{
			SocketPath: "/var/run/pop3loginproxy/admin.sock",
		},
	}
}

// Load reads and parses a TOML settings file, starting from Default() so
// that any field the file omits keeps its sane default.
func Load(path string) (Settings, error) {
	s := Default()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return Settings{}, fmt.Errorf("decode config %q: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects configurations that would misbehave rather than fail
// loudly at startup: an empty backend address, a malformed listen address,
// or an SSL flag the proxy does not recognize.
func (s Settings) Validate() error {
	if s.BackendAddr == "" {
		return fmt.Errorf("backend_addr must be set")
	}
	if _, _, err := net.SplitHostPort(s.BackendAddr); err != nil {
		return fmt.Errorf("backend_addr %q: %w", s.BackendAddr, err)
	}
	if s.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(s.ListenAddr); err != nil {
			return fmt.Errorf("listen_addr %q: %w", s.ListenAddr, err)
		}
	}
	switch s.Proxy.SSLFlags {
	case SSLNone, SSLYes, SSLStartTLS, SSLAnyCert:
	default:
		return fmt.Errorf("proxy.ssl_flags %q not recognized", s.Proxy.SSLFlags)
	}
	if s.Proxy.SourceIP != "" && net.ParseIP(s.Proxy.SourceIP) == nil {
		return fmt.Errorf("proxy.source_ip %q is not a valid IP", s.Proxy.SourceIP)
	}
	return nil
}
